package contracts

import "time"

// Community is a tenant governing itself through Rules.
type Community struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	IntegrationID string    `json:"integration_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Integration binds a Community to one external platform workspace.
type Integration struct {
	ID       string `json:"id"`
	Platform string `json:"platform"` // "slack"
	TeamID   string `json:"team_id"`
	BotToken string `json:"-"`
	// ServiceUserID is the platform identity the engine acts as. Events
	// performed by it are the engine's own compensating calls.
	ServiceUserID string `json:"service_user_id"`
}

// User is a community member known to the platform.
type User struct {
	ID             string `json:"id"`
	CommunityID    string `json:"community_id"`
	PlatformUserID string `json:"platform_user_id"`
	Name           string `json:"name"`
	AccessToken    string `json:"-"`
}

// Rule is a community-authored filter + conditional pair.
type Rule struct {
	ID              string         `json:"id"`
	CommunityID     string         `json:"community_id"`
	Name            string         `json:"name"`
	FilterCode      string         `json:"filter_code"`
	ConditionalCode string         `json:"conditional_code"`
	Constants       map[string]any `json:"constants,omitempty"`
	// Priority orders evaluation, higher first. Ties fall back to creation order.
	Priority int `json:"priority"`
	// EngineConstraint is an optional semver constraint on the rule dialect.
	EngineConstraint string    `json:"engine_constraint,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Post is a community-visible message, kept for display only.
type Post struct {
	ID          string    `json:"id"`
	CommunityID string    `json:"community_id"`
	AuthorID    string    `json:"author_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}
