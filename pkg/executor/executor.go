// Package executor carries out resolved proposals on the platform: it
// performs passed actions, reverts failed community-origin ones, and posts
// announcements for pending ones. Failures are logged, counted and recorded;
// they never change the proposal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/audit"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/observability"
	"github.com/Mindburn-Labs/govbox/pkg/platform"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

// Store is the persistence the executor needs.
type Store interface {
	GetIntegration(ctx context.Context, id string) (contracts.Integration, error)
	GetUser(ctx context.Context, id string) (contracts.User, error)
	SaveAction(ctx context.Context, rec contracts.ActionRecord) error
}

// Ledger entry actions written by the executor.
const (
	StepPerform = "perform"
	StepRevert  = "revert"
	StepConfirm = "confirm"
	StepNotify  = "notify"
)

// Executor applies transitions.
type Executor struct {
	store           Store
	adapter         platform.Adapter
	ledger          audit.Recorder
	obs             *observability.Provider
	timeout         time.Duration
	announceChannel string
	logger          *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLedger records every step in l.
func WithLedger(l audit.Recorder) Option {
	return func(e *Executor) { e.ledger = l }
}

// WithObservability counts platform errors on p.
func WithObservability(p *observability.Provider) Option {
	return func(e *Executor) { e.obs = p }
}

// WithTimeout bounds each step, including retries.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithAnnouncementChannel posts announcements to channel instead of the
// action's own channel.
func WithAnnouncementChannel(channel string) Option {
	return func(e *Executor) { e.announceChannel = channel }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an executor calling adapter.
func New(st Store, adapter platform.Adapter, opts ...Option) *Executor {
	e := &Executor{
		store:   st,
		adapter: adapter,
		timeout: 10 * time.Second,
		logger:  slog.Default().With("component", "executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply carries out the transition of a to status.
//
//	PASSED, system-proposed   perform once
//	PASSED, community-origin  confirm, no call
//	FAILED, community-origin  revert once
//	FAILED, system-proposed   nothing
func (e *Executor) Apply(ctx context.Context, a actions.Action, status contracts.Status) error {
	b := a.Meta()
	switch {
	case status == contracts.StatusPassed:
	case status == contracts.StatusFailed && b.CommunityOrigin:
	default:
		return nil
	}

	env, err := e.env(ctx, b)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		step string
		res  actions.Result
	)
	if status == contracts.StatusPassed {
		step = StepPerform
		res, err = actions.PerformOrConfirm(ctx, a, env)
		if res.Confirmed {
			step = StepConfirm
		}
	} else {
		step = StepRevert
		res, err = actions.Revert(ctx, a, env)
	}

	// The guard flag and any recorded ids must survive a failed call.
	if saveErr := e.save(ctx, a); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	e.finish(ctx, a, step, res, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", step, a.Kind(), err)
	}
	return nil
}

// Notify posts the announcement of a pending community-origin action and
// records the post as the action's vote target.
func (e *Executor) Notify(ctx context.Context, a actions.Action) error {
	b := a.Meta()
	if b.CommunityPost != "" {
		return nil
	}
	channel := e.announceChannel
	if channel == "" {
		if c, ok := a.(actions.Channeled); ok {
			channel = c.ChannelID()
		}
	}
	if channel == "" {
		return fmt.Errorf("notify %s: no channel to announce in", b.ID)
	}

	env, err := e.env(ctx, b)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	post := &actions.PostMessage{Channel: channel, Text: announcement(a, env.Initiator)}
	_, err = actions.PerformOrConfirm(ctx, post, env)
	if err == nil {
		b.CommunityPost = post.Timestamp
		b.NotifyChannel = channel
		err = e.save(ctx, a)
	}
	e.finish(ctx, a, StepNotify, actions.Result{Performed: err == nil}, err)
	if err != nil {
		return fmt.Errorf("notify %s: %w", a.Kind(), err)
	}
	return nil
}

func announcement(a actions.Action, initiator contracts.User) string {
	who := initiator.Name
	if who == "" && initiator.PlatformUserID != "" {
		who = "<@" + initiator.PlatformUserID + ">"
	}
	if who == "" {
		who = "Someone"
	}
	return fmt.Sprintf("%s attempted %s. This action is governed: react with :+1: or :-1: on this message to vote.", who, a.Kind())
}

func (e *Executor) env(ctx context.Context, b *actions.Base) (actions.Env, error) {
	integ, err := e.store.GetIntegration(ctx, b.IntegrationID)
	if err != nil {
		return actions.Env{}, fmt.Errorf("load integration: %w", err)
	}
	env := actions.Env{Adapter: e.adapter, Integration: integ}
	if b.InitiatorID != "" {
		u, err := e.store.GetUser(ctx, b.InitiatorID)
		switch {
		case err == nil:
			env.Initiator = u
		case !errors.Is(err, store.ErrNotFound):
			return actions.Env{}, fmt.Errorf("load initiator: %w", err)
		}
	}
	return env, nil
}

func (e *Executor) save(ctx context.Context, a actions.Action) error {
	rec, err := actions.Encode(a)
	if err != nil {
		return err
	}
	// Persist even when the step's context has expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.SaveAction(ctx, rec); err != nil {
		return fmt.Errorf("save action %s: %w", rec.ID, err)
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, a actions.Action, step string, res actions.Result, err error) {
	b := a.Meta()
	logger := e.logger.With("proposal", b.ProposalID, "action", b.ID, "kind", a.Kind(), "step", step)

	if err != nil {
		endpoint := ""
		var ce *platform.CallError
		if errors.As(err, &ce) {
			endpoint = ce.Endpoint
		}
		logger.ErrorContext(ctx, "platform step failed", "endpoint", endpoint, "error", err)
		e.obs.RecordPlatformError(ctx, endpoint, step)
		e.record(ctx, audit.EntryCompensationFailed, b.ProposalID, step, map[string]any{
			"action":   b.ID,
			"kind":     a.Kind(),
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		return
	}

	logger.InfoContext(ctx, "platform step done",
		"performed", res.Performed, "reverted", res.Reverted, "skipped", res.Skipped, "retracted", res.Retracted)
	entryType := audit.EntryCompensation
	switch step {
	case StepNotify:
		entryType = audit.EntryNotification
	case StepPerform, StepConfirm:
		entryType = audit.EntryExecution
	}
	e.record(ctx, entryType, b.ProposalID, step, map[string]any{
		"action":    b.ID,
		"kind":      a.Kind(),
		"performed": res.Performed,
		"confirmed": res.Confirmed,
		"reverted":  res.Reverted,
		"skipped":   res.Skipped,
		"retracted": res.Retracted,
		"post":      b.CommunityPost,
	})
}

func (e *Executor) record(ctx context.Context, t audit.EntryType, subject, action string, payload any) {
	if e.ledger == nil {
		return
	}
	if _, err := e.ledger.Append(t, subject, action, payload, nil); err != nil {
		e.logger.WarnContext(ctx, "ledger append failed", "error", err)
	}
}
