package contracts

import (
	"encoding/json"
	"time"
)

// ActionRecord is the persisted, variant-agnostic form of a governed action.
// Variant fields live in Payload; the governance flags are columns of
// their own so the store can query them.
//
//nolint:govet // fieldalignment: layout mirrors the actions table
type ActionRecord struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	ProposalID      string          `json:"proposal_id"`
	IntegrationID   string          `json:"integration_id"`
	InitiatorID     string          `json:"initiator_id,omitempty"`
	CommunityOrigin bool            `json:"community_origin"`
	CommunityRevert bool            `json:"community_revert"`
	CommunityPost   string          `json:"community_post,omitempty"`
	NotifyChannel   string          `json:"notify_channel,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Event is a platform event handed to the core by ingestion.
type Event struct {
	Type          string          `json:"type"`
	IntegrationID string          `json:"community_integration_id"`
	Payload       json.RawMessage `json:"payload"`
}
