// Package votes records boolean votes on proposals and tallies them.
package votes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

// Store is the persistence the aggregator needs.
type Store interface {
	GetProposal(ctx context.Context, id string) (contracts.Proposal, error)
	UpsertVote(ctx context.Context, v contracts.Vote) error
	DeleteVote(ctx context.Context, proposalID, userID string) error
	ListVotes(ctx context.Context, proposalID string) ([]contracts.Vote, error)
}

// Result is the outcome of a cast.
type Result struct {
	Vote contracts.Vote
	// Inert is set when the proposal was already resolved: the vote is kept
	// for the record but can no longer change anything.
	Inert bool
}

// Aggregator casts, retracts and tallies votes. It never triggers
// evaluation itself.
type Aggregator struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "votes"),
	}
}

// WithClock overrides the time source for deterministic testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Cast records userID's vote, replacing any earlier vote by the same user.
func (a *Aggregator) Cast(ctx context.Context, proposalID, userID string, value bool) (Result, error) {
	p, err := a.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Result{}, fmt.Errorf("cast vote: %w", err)
	}
	v := contracts.Vote{ProposalID: proposalID, UserID: userID, Value: value, CastAt: a.clock().UTC()}
	if err := a.store.UpsertVote(ctx, v); err != nil {
		return Result{}, fmt.Errorf("cast vote: %w", err)
	}
	inert := p.Status.Terminal()
	if inert {
		a.logger.InfoContext(ctx, "vote on resolved proposal", "proposal", proposalID, "user", userID, "status", p.Status)
	}
	return Result{Vote: v, Inert: inert}, nil
}

// Retract removes userID's vote.
func (a *Aggregator) Retract(ctx context.Context, proposalID, userID string) error {
	if err := a.store.DeleteVote(ctx, proposalID, userID); err != nil {
		return fmt.Errorf("retract vote: %w", err)
	}
	return nil
}

// Tally aggregates the current votes of a proposal.
func (a *Aggregator) Tally(ctx context.Context, proposalID string) (contracts.Tally, error) {
	vs, err := a.store.ListVotes(ctx, proposalID)
	if err != nil {
		return contracts.Tally{}, fmt.Errorf("tally: %w", err)
	}
	return contracts.NewTally(vs), nil
}
