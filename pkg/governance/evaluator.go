package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/observability"
)

// DialectVersion is the version of the rule expression environment. Rules
// may pin a range with Rule.EngineConstraint.
const DialectVersion = "1.0.0"

// Evaluation phases reported in RuleEvaluationError.
const (
	PhaseFilter      = "filter"
	PhaseConditional = "conditional"
)

// RuleEvaluationError wraps a failure to compile or run a rule expression.
// It is logged and never surfaced to callers of the evaluator.
type RuleEvaluationError struct {
	RuleID string
	Phase  string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s %s: %v", e.RuleID, e.Phase, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

var errEmptyExpression = errors.New("empty expression")

// Subject is the rule-visible view of a proposed action.
type Subject struct {
	Kind            string
	ProposalKind    contracts.ProposalKind
	Fields          map[string]any
	CommunityOrigin bool
	Initiator       string // platform user id
	InitiatorName   string
}

// NewSubject builds the rule input for a.
func NewSubject(a actions.Action, p contracts.Proposal, initiator contracts.User) (Subject, error) {
	fields, err := actions.Fields(a)
	if err != nil {
		return Subject{}, fmt.Errorf("action fields: %w", err)
	}
	return Subject{
		Kind:            a.Kind(),
		ProposalKind:    p.Kind,
		Fields:          fields,
		CommunityOrigin: a.Meta().CommunityOrigin,
		Initiator:       initiator.PlatformUserID,
		InitiatorName:   initiator.Name,
	}, nil
}

// Evaluator runs rule expressions in a CEL sandbox. Programs are cached by
// source text; every evaluation is bounded by a cost limit and a deadline.
type Evaluator struct {
	env       *cel.Env
	mu        sync.RWMutex
	prgCache  map[string]cel.Program
	timeout   time.Duration
	costLimit uint64
	dialect   *semver.Version
	obs       *observability.Provider
	logger    *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluationTimeout bounds a single expression evaluation.
func WithEvaluationTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = d }
}

// WithCostLimit bounds the computational cost of a single evaluation.
func WithCostLimit(limit uint64) EvaluatorOption {
	return func(e *Evaluator) { e.costLimit = limit }
}

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// WithEvaluatorObservability counts rule failures on p.
func WithEvaluatorObservability(p *observability.Provider) EvaluatorOption {
	return func(e *Evaluator) { e.obs = p }
}

// NewEvaluator creates an evaluator with the rule environment: variables
// action, votes and constants.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("votes", cel.DynType),
		cel.Variable("constants", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Evaluator{
		env:       env,
		prgCache:  make(map[string]cel.Program),
		timeout:   250 * time.Millisecond,
		costLimit: 10000,
		dialect:   semver.MustParse(DialectVersion),
		logger:    slog.Default().With("component", "governance.evaluator"),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// MatchesFilter reports whether rule governs the subject. Anything other
// than a successful boolean true counts as no match.
func (e *Evaluator) MatchesFilter(ctx context.Context, rule contracts.Rule, subj Subject, tally contracts.Tally) bool {
	if err := e.checkConstraint(rule); err != nil {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseFilter, Err: err})
		return false
	}
	out, err := e.eval(ctx, rule.FilterCode, input(rule, subj, tally))
	if err != nil {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseFilter, Err: err})
		return false
	}
	matched, ok := out.(bool)
	if !ok {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseFilter, Err: fmt.Errorf("result %T is not bool", out)})
		return false
	}
	return matched
}

// EvaluateConditional returns the verdict of rule for the subject. Only a
// string naming a status counts; everything else leaves the proposal
// PROPOSED.
func (e *Evaluator) EvaluateConditional(ctx context.Context, rule contracts.Rule, subj Subject, tally contracts.Tally) contracts.Status {
	out, err := e.eval(ctx, rule.ConditionalCode, input(rule, subj, tally))
	if err != nil {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseConditional, Err: err})
		return contracts.StatusProposed
	}
	s, ok := out.(string)
	if !ok {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseConditional, Err: fmt.Errorf("result %T is not a verdict", out)})
		return contracts.StatusProposed
	}
	status, ok := contracts.ParseStatus(s)
	if !ok {
		e.report(ctx, &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseConditional, Err: fmt.Errorf("unknown verdict %q", s)})
		return contracts.StatusProposed
	}
	return status
}

// Validate compiles both expressions of rule and checks their result types.
func (e *Evaluator) Validate(rule contracts.Rule) error {
	if err := e.checkConstraint(rule); err != nil {
		return &RuleEvaluationError{RuleID: rule.ID, Phase: PhaseFilter, Err: err}
	}
	checks := []struct {
		phase, code string
		want        string
	}{
		{PhaseFilter, rule.FilterCode, "bool"},
		{PhaseConditional, rule.ConditionalCode, "string"},
	}
	for _, c := range checks {
		if c.code == "" {
			continue
		}
		ast, issues := e.env.Compile(c.code)
		if issues != nil && issues.Err() != nil {
			return &RuleEvaluationError{RuleID: rule.ID, Phase: c.phase, Err: issues.Err()}
		}
		if got := ast.OutputType().String(); got != c.want && got != "dyn" {
			return &RuleEvaluationError{RuleID: rule.ID, Phase: c.phase, Err: fmt.Errorf("expression yields %s, want %s", got, c.want)}
		}
	}
	return nil
}

func (e *Evaluator) checkConstraint(rule contracts.Rule) error {
	if rule.EngineConstraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(rule.EngineConstraint)
	if err != nil {
		return fmt.Errorf("engine constraint: %w", err)
	}
	if !c.Check(e.dialect) {
		return fmt.Errorf("rule requires engine %s, have %s", rule.EngineConstraint, DialectVersion)
	}
	return nil
}

func input(rule contracts.Rule, subj Subject, tally contracts.Tally) map[string]any {
	fields := subj.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	constants := rule.Constants
	if constants == nil {
		constants = map[string]any{}
	}
	voters := tally.Voters
	if voters == nil {
		voters = []string{}
	}
	return map[string]any{
		"action": map[string]any{
			"kind":             subj.Kind,
			"proposal_kind":    string(subj.ProposalKind),
			"fields":           fields,
			"community_origin": subj.CommunityOrigin,
			"initiator":        subj.Initiator,
			"initiator_name":   subj.InitiatorName,
		},
		"votes": map[string]any{
			"yes":    int64(tally.Yes),
			"no":     int64(tally.No),
			"total":  int64(tally.Total()),
			"voters": voters,
		},
		"constants": constants,
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(e.costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *Evaluator) eval(ctx context.Context, expr string, in map[string]any) (any, error) {
	if expr == "" {
		return nil, errEmptyExpression
	}
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, _, err := prg.ContextEval(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return out.Value(), nil
}

func (e *Evaluator) report(ctx context.Context, err *RuleEvaluationError) {
	if errors.Is(err.Err, errEmptyExpression) {
		e.logger.DebugContext(ctx, "rule has no expression", "rule", err.RuleID, "phase", err.Phase)
		return
	}
	e.obs.RecordRuleError(ctx, err.Phase)
	e.logger.WarnContext(ctx, "rule evaluation failed", "rule", err.RuleID, "phase", err.Phase, "error", err.Err)
}
