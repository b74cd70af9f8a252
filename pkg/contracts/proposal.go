// Package contracts holds the governance entities shared by the engine, the
// store and the platform integrations.
package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Proposal.
type Status string

// Proposal status constants.
const (
	StatusProposed Status = "PROPOSED"
	StatusPassed   Status = "PASSED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProposed, StatusPassed, StatusFailed:
		return true
	}
	return false
}

// ParseStatus parses a verdict name case-insensitively.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// ProposalKind mirrors the permission verb the proposal governs.
type ProposalKind string

// Proposal kinds.
const (
	KindAdd    ProposalKind = "add"
	KindChange ProposalKind = "change"
	KindView   ProposalKind = "view"
	KindDelete ProposalKind = "delete"
)

// ErrTerminal is returned when a resolved proposal is asked to change status.
var ErrTerminal = errors.New("proposal already resolved")

// Proposal is the governance record for exactly one Action.
type Proposal struct {
	ID          string       `json:"id"`
	CommunityID string       `json:"community_id"`
	ActionID    string       `json:"action_id"`
	ContentType string       `json:"content_type"` // governed action kind, e.g. "slack.pin_message"
	Kind        ProposalKind `json:"kind"`
	Creators    []string     `json:"creators,omitempty"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// Resolve moves the proposal from PROPOSED to a terminal status.
func (p *Proposal) Resolve(status Status, at time.Time) error {
	if p.Status.Terminal() {
		return ErrTerminal
	}
	if !status.Terminal() {
		return fmt.Errorf("cannot resolve proposal %s to %s", p.ID, status)
	}
	p.Status = status
	t := at.UTC()
	p.ResolvedAt = &t
	return nil
}

// String implements fmt.Stringer.
func (p *Proposal) String() string {
	return fmt.Sprintf("%s %s to %s", p.Kind, p.ContentType, p.CommunityID)
}

// ProposalFilter selects proposals in store queries. Zero fields match anything.
type ProposalFilter struct {
	CommunityID   string
	IntegrationID string
	Status        Status
}
