// Package governance decides proposals: it runs community rules against a
// proposed action and moves the proposal through its lifecycle.
//
// A proposal starts PROPOSED and moves at most once, to PASSED or FAILED.
// The first rule whose filter matches decides; with no matching rule the
// proposal stays pending. Status writes happen under a per-proposal lock and
// a store compare-and-set; platform side effects run after the lock is
// released and never roll a status back.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/audit"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/locks"
	"github.com/Mindburn-Labs/govbox/pkg/observability"
	"github.com/Mindburn-Labs/govbox/pkg/store"
	"github.com/Mindburn-Labs/govbox/pkg/votes"
)

// Executor carries out transitions on the platform.
type Executor interface {
	Apply(ctx context.Context, a actions.Action, status contracts.Status) error
	Notify(ctx context.Context, a actions.Action) error
}

// Outcome is the result of one evaluation.
type Outcome struct {
	ProposalID string
	Status     contracts.Status
	// Changed is set when this evaluation moved the proposal to a terminal status.
	Changed bool
	// Unresolved is set when no rule's filter matched.
	Unresolved bool
	RuleID     string
	// ExecErr is a platform failure after the status was decided. The
	// status stands.
	ExecErr error
}

// ProposalHandle identifies a submitted action.
type ProposalHandle struct {
	ProposalID string
	ActionID   string
	Outcome    Outcome
}

// Engine is the proposal state machine.
type Engine struct {
	store     store.Store
	evaluator *Evaluator
	votes     *votes.Aggregator
	executor  Executor
	locker    locks.Locker
	ledger    audit.Recorder
	obs       *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process per-proposal lock.
func WithLocker(l locks.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLedger records transitions in l.
func WithLedger(l audit.Recorder) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithObservability traces evaluations on p.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

// WithClock overrides the time source for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine wires the state machine.
func NewEngine(st store.Store, ev *Evaluator, ex Executor, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		evaluator: ev,
		executor:  ex,
		locker:    locks.NewKeyedMutex(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "governance"),
	}
	for _, o := range opts {
		o(e)
	}
	e.votes = votes.NewAggregator(st).WithClock(e.clock)
	return e
}

// Votes returns the engine's vote aggregator.
func (e *Engine) Votes() *votes.Aggregator { return e.votes }

// AddRule validates and stores a rule for its community.
func (e *Engine) AddRule(ctx context.Context, r contracts.Rule) (contracts.Rule, error) {
	if r.CommunityID == "" {
		return contracts.Rule{}, errors.New("rule has no community")
	}
	if err := e.evaluator.Validate(r); err != nil {
		return contracts.Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.clock().UTC()
	}
	if err := e.store.CreateRule(ctx, r); err != nil {
		return contracts.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

// Submit records a as a new proposal and runs its first evaluation.
func (e *Engine) Submit(ctx context.Context, a actions.Action, kind contracts.ProposalKind) (ProposalHandle, error) {
	b := a.Meta()
	community, err := e.store.GetCommunityByIntegration(ctx, b.IntegrationID)
	if err != nil {
		return ProposalHandle{}, fmt.Errorf("submit %s: %w", a.Kind(), err)
	}

	now := e.clock().UTC()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.ProposalID == "" {
		b.ProposalID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if kind == "" {
		kind = contracts.KindAdd
	}

	rec, err := actions.Encode(a)
	if err != nil {
		return ProposalHandle{}, err
	}
	p := contracts.Proposal{
		ID:          b.ProposalID,
		CommunityID: community.ID,
		ActionID:    b.ID,
		ContentType: a.Kind(),
		Kind:        kind,
		Status:      contracts.StatusProposed,
		CreatedAt:   now,
	}
	if b.InitiatorID != "" {
		p.Creators = []string{b.InitiatorID}
	}
	if err := e.store.CreateProposal(ctx, p, rec); err != nil {
		return ProposalHandle{}, fmt.Errorf("submit %s: %w", a.Kind(), err)
	}
	e.logger.InfoContext(ctx, "proposal submitted",
		"proposal", p.ID, "kind", a.Kind(), "community", community.ID, "community_origin", b.CommunityOrigin)

	out, err := e.Evaluate(ctx, p.ID)
	return ProposalHandle{ProposalID: p.ID, ActionID: b.ID, Outcome: out}, err
}

// Evaluate re-runs the rules for a proposal. A terminal proposal is left
// untouched.
func (e *Engine) Evaluate(ctx context.Context, proposalID string) (out Outcome, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "governance.evaluate", attribute.String("proposal", proposalID))
	defer func() { done(err) }()

	unlock, err := e.locker.Lock(ctx, proposalID)
	if err != nil {
		return Outcome{ProposalID: proposalID}, fmt.Errorf("lock proposal %s: %w", proposalID, err)
	}
	out, a, err := e.decide(ctx, proposalID)
	if err == nil && out.Status == contracts.StatusProposed && needsAnnouncement(a) {
		// CommunityPost guards against duplicate announcements, so it is
		// written before the lock is released.
		out.ExecErr = e.notify(ctx, a)
	}
	unlock()
	if err != nil {
		return out, err
	}

	if out.Changed {
		if execErr := e.executor.Apply(ctx, a, out.Status); execErr != nil {
			out.ExecErr = execErr
		}
	}
	return out, nil
}

func needsAnnouncement(a actions.Action) bool {
	if a == nil {
		return false
	}
	b := a.Meta()
	return b.CommunityOrigin && b.CommunityPost == ""
}

func (e *Engine) notify(ctx context.Context, a actions.Action) error {
	if err := e.executor.Notify(ctx, a); err != nil {
		e.logger.WarnContext(ctx, "announcement failed", "proposal", a.Meta().ProposalID, "error", err)
		return err
	}
	return nil
}

// decide runs under the proposal lock. It returns a nil action when the
// proposal was already terminal.
func (e *Engine) decide(ctx context.Context, proposalID string) (Outcome, actions.Action, error) {
	out := Outcome{ProposalID: proposalID}

	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return out, nil, err
	}
	out.Status = p.Status
	if p.Status.Terminal() {
		return out, nil, nil
	}

	rec, err := e.store.GetAction(ctx, p.ActionID)
	if err != nil {
		return out, nil, err
	}
	a, err := actions.Decode(rec)
	if err != nil {
		return out, nil, err
	}
	initiator, err := e.initiator(ctx, rec.InitiatorID)
	if err != nil {
		return out, nil, err
	}
	rules, err := e.store.ListRules(ctx, p.CommunityID)
	if err != nil {
		return out, nil, fmt.Errorf("list rules: %w", err)
	}
	SortRules(rules)
	tally, err := e.votes.Tally(ctx, p.ID)
	if err != nil {
		return out, nil, err
	}
	subj, err := NewSubject(a, p, initiator)
	if err != nil {
		return out, nil, err
	}

	var (
		matched *contracts.Rule
		verdict = contracts.StatusProposed
	)
	for i := range rules {
		if e.evaluator.MatchesFilter(ctx, rules[i], subj, tally) {
			matched = &rules[i]
			verdict = e.evaluator.EvaluateConditional(ctx, rules[i], subj, tally)
			break
		}
	}
	if matched == nil {
		out.Unresolved = true
		e.logger.DebugContext(ctx, "no rule governs proposal", "proposal", p.ID, "rules", len(rules))
		return out, a, nil
	}
	out.RuleID = matched.ID
	if !verdict.Terminal() {
		return out, a, nil
	}

	err = e.store.ResolveProposal(ctx, p.ID, verdict, e.clock())
	if errors.Is(err, store.ErrConflict) {
		// Another instance resolved it first; report its status.
		cur, getErr := e.store.GetProposal(ctx, p.ID)
		if getErr != nil {
			return out, nil, getErr
		}
		out.Status = cur.Status
		return out, nil, nil
	}
	if err != nil {
		return out, nil, fmt.Errorf("resolve proposal %s: %w", p.ID, err)
	}

	out.Status = verdict
	out.Changed = true
	e.obs.RecordTransition(ctx, string(verdict))
	e.logger.InfoContext(ctx, "proposal resolved", "proposal", p.ID, "status", verdict, "rule", matched.ID, "yes", tally.Yes, "no", tally.No)
	if e.ledger != nil {
		if _, lerr := e.ledger.Append(audit.EntryTransition, p.ID, string(verdict), map[string]any{
			"rule":             matched.ID,
			"kind":             a.Kind(),
			"community_origin": a.Meta().CommunityOrigin,
			"yes":              tally.Yes,
			"no":               tally.No,
		}, nil); lerr != nil {
			e.logger.WarnContext(ctx, "ledger append failed", "error", lerr)
		}
	}
	return out, a, nil
}

func (e *Engine) initiator(ctx context.Context, id string) (contracts.User, error) {
	if id == "" {
		return contracts.User{}, nil
	}
	u, err := e.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return contracts.User{ID: id}, nil
	}
	return u, err
}

// EvaluateCommunity re-evaluates every pending proposal of a community.
func (e *Engine) EvaluateCommunity(ctx context.Context, communityID string) ([]Outcome, error) {
	pending, err := e.store.ListProposals(ctx, contracts.ProposalFilter{CommunityID: communityID, Status: contracts.StatusProposed})
	if err != nil {
		return nil, err
	}
	outs := make([]Outcome, 0, len(pending))
	var errs []error
	for _, p := range pending {
		out, err := e.Evaluate(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("proposal %s: %w", p.ID, err))
			continue
		}
		outs = append(outs, out)
	}
	return outs, errors.Join(errs...)
}

// CastAndEvaluate records a vote and re-evaluates the proposal. A vote on a
// resolved proposal is stored but changes nothing.
func (e *Engine) CastAndEvaluate(ctx context.Context, proposalID, userID string, value bool) (Outcome, error) {
	res, err := e.votes.Cast(ctx, proposalID, userID, value)
	if err != nil {
		return Outcome{ProposalID: proposalID}, err
	}
	if res.Inert {
		p, err := e.store.GetProposal(ctx, proposalID)
		if err != nil {
			return Outcome{ProposalID: proposalID}, err
		}
		return Outcome{ProposalID: proposalID, Status: p.Status}, nil
	}
	return e.Evaluate(ctx, proposalID)
}

// RetractAndEvaluate removes a vote and re-evaluates the proposal.
func (e *Engine) RetractAndEvaluate(ctx context.Context, proposalID, userID string) (Outcome, error) {
	if err := e.votes.Retract(ctx, proposalID, userID); err != nil {
		return Outcome{ProposalID: proposalID}, err
	}
	return e.Evaluate(ctx, proposalID)
}

// SortRules orders rules for evaluation: priority descending, then creation
// order, then id.
func SortRules(rules []contracts.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
