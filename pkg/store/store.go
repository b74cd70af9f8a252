// Package store persists communities, rules, proposals, actions and votes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses against existing state:
	// a duplicate key, or a proposal that is no longer PROPOSED.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence boundary of the engine.
type Store interface {
	// CreateCommunity persists the community and its integration together.
	CreateCommunity(ctx context.Context, c contracts.Community, integ contracts.Integration) error
	GetCommunity(ctx context.Context, id string) (contracts.Community, error)
	GetCommunityByIntegration(ctx context.Context, integrationID string) (contracts.Community, error)
	GetIntegration(ctx context.Context, id string) (contracts.Integration, error)
	GetIntegrationByTeam(ctx context.Context, teamID string) (contracts.Integration, error)

	// UpsertUser inserts or updates the user keyed by (community, platform
	// user id) and returns the stored row.
	UpsertUser(ctx context.Context, u contracts.User) (contracts.User, error)
	GetUser(ctx context.Context, id string) (contracts.User, error)
	GetUserByPlatformID(ctx context.Context, communityID, platformUserID string) (contracts.User, error)

	CreateRule(ctx context.Context, r contracts.Rule) error
	// ListRules returns the community's rules in creation order.
	ListRules(ctx context.Context, communityID string) ([]contracts.Rule, error)

	// CreateProposal persists a proposal and its action record atomically.
	CreateProposal(ctx context.Context, p contracts.Proposal, rec contracts.ActionRecord) error
	GetProposal(ctx context.Context, id string) (contracts.Proposal, error)
	ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]contracts.Proposal, error)
	// ResolveProposal moves a PROPOSED proposal to status. A proposal that is
	// already terminal yields ErrConflict.
	ResolveProposal(ctx context.Context, id string, status contracts.Status, at time.Time) error

	SaveAction(ctx context.Context, rec contracts.ActionRecord) error
	GetAction(ctx context.Context, id string) (contracts.ActionRecord, error)
	// GetActionByPost finds the action whose announcement post has ts.
	GetActionByPost(ctx context.Context, integrationID, ts string) (contracts.ActionRecord, error)

	UpsertVote(ctx context.Context, v contracts.Vote) error
	DeleteVote(ctx context.Context, proposalID, userID string) error
	GetVote(ctx context.Context, proposalID, userID string) (contracts.Vote, error)
	ListVotes(ctx context.Context, proposalID string) ([]contracts.Vote, error)

	CreatePost(ctx context.Context, p contracts.Post) error
}
