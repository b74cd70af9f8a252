// Package ingest turns platform events into governed actions and votes.
//
// Events that already happened on the platform become community-origin
// actions and are submitted for governance; +1/-1 reactions on an
// announcement post become votes on the announced proposal.
package ingest

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://govbox.schemas.local/slack/"

// Slack event types handled by the Ingestor.
const (
	EventChannelRename   = "channel_rename"
	EventMemberJoined    = "member_joined_channel"
	EventMessage         = "message"
	EventPinAdded        = "pin_added"
	EventChannelArchive  = "channel_archive"
	EventChannelCreated  = "channel_created"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
)

// Governor is the part of the engine ingestion drives.
type Governor interface {
	Submit(ctx context.Context, a actions.Action, kind contracts.ProposalKind) (governance.ProposalHandle, error)
	CastAndEvaluate(ctx context.Context, proposalID, userID string, value bool) (governance.Outcome, error)
	RetractAndEvaluate(ctx context.Context, proposalID, userID string) (governance.Outcome, error)
}

// Disposition says what Handle did with an event.
type Disposition string

// Dispositions.
const (
	Submitted Disposition = "submitted"
	Voted     Disposition = "voted"
	Retracted Disposition = "retracted"
	Ignored   Disposition = "ignored"
)

// Result describes the handling of one event.
type Result struct {
	Disposition Disposition
	// Reason explains an Ignored event.
	Reason  string
	Handle  governance.ProposalHandle
	Outcome governance.Outcome
}

// ErrInvalidEvent wraps schema violations in an event payload.
var ErrInvalidEvent = errors.New("invalid event")

// Ingestor maps platform events onto the engine.
type Ingestor struct {
	store   store.Store
	gov     Governor
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// New compiles the event schemas and creates an Ingestor.
func New(st store.Store, gov Governor) (*Ingestor, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		store:   st,
		gov:     gov,
		schemas: schemas,
		logger:  slog.Default().With("component", "ingest"),
	}, nil
}

// WithLogger replaces the default logger.
func (i *Ingestor) WithLogger(l *slog.Logger) *Ingestor {
	i.logger = l
	return i
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("event schema %s load failed: %w", name, err)
		}
		names = append(names, name)
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(schemaBaseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("event schema %s compile failed: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// slackEvent is the union of the inner event fields ingestion reads.
type slackEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	User      string          `json:"user"`
	Text      string          `json:"text"`
	TS        string          `json:"ts"`
	Inviter   string          `json:"inviter"`
	ChannelID string          `json:"channel_id"`
	Reaction  string          `json:"reaction"`
	Channel   json.RawMessage `json:"channel"`
	Item      struct {
		TS      string `json:"ts"`
		Message struct {
			TS string `json:"ts"`
		} `json:"message"`
	} `json:"item"`
}

type channelObject struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	IsPrivate bool   `json:"is_private"`
}

func (ev slackEvent) channelString() string {
	var s string
	_ = json.Unmarshal(ev.Channel, &s)
	return s
}

func (ev slackEvent) channelObject() channelObject {
	var c channelObject
	_ = json.Unmarshal(ev.Channel, &c)
	return c
}

// Handle processes one event. Unknown event types are ignored, not errors.
func (i *Ingestor) Handle(ctx context.Context, e contracts.Event) (Result, error) {
	schema, ok := i.schemas[e.Type]
	if !ok {
		return ignored("unhandled event type"), nil
	}
	if err := validate(schema, e.Payload); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type, err)
	}
	var ev slackEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type, err)
	}

	integ, err := i.store.GetIntegration(ctx, e.IntegrationID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", e.Type, err)
	}
	community, err := i.store.GetCommunityByIntegration(ctx, integ.ID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", e.Type, err)
	}

	actor := actingUser(ev)
	if actor != "" && actor == integ.ServiceUserID {
		return ignored("performed by service identity"), nil
	}

	switch e.Type {
	case EventReactionAdded, EventReactionRemoved:
		return i.handleReaction(ctx, integ, community, ev)
	}

	a := toAction(ev)
	if a == nil {
		return ignored("message subtype " + ev.Subtype), nil
	}
	b := a.Meta()
	b.IntegrationID = integ.ID
	b.CommunityOrigin = true
	if actor != "" {
		u, err := i.resolveUser(ctx, community.ID, actor)
		if err != nil {
			return Result{}, fmt.Errorf("ingest %s: %w", e.Type, err)
		}
		b.InitiatorID = u.ID
	}

	h, err := i.gov.Submit(ctx, a, contracts.KindAdd)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", e.Type, err)
	}
	i.logger.InfoContext(ctx, "event submitted",
		"type", e.Type, "proposal", h.ProposalID, "status", h.Outcome.Status, "community", community.ID)
	return Result{Disposition: Submitted, Handle: h, Outcome: h.Outcome}, nil
}

func (i *Ingestor) handleReaction(ctx context.Context, integ contracts.Integration, community contracts.Community, ev slackEvent) (Result, error) {
	var value bool
	switch ev.Reaction {
	case "+1":
		value = true
	case "-1":
		value = false
	default:
		return ignored("reaction " + ev.Reaction), nil
	}

	rec, err := i.store.GetActionByPost(ctx, integ.ID, ev.Item.TS)
	if errors.Is(err, store.ErrNotFound) {
		return ignored("not an announcement post"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", ev.Type, err)
	}
	u, err := i.resolveUser(ctx, community.ID, ev.User)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", ev.Type, err)
	}

	if ev.Type == EventReactionAdded {
		out, err := i.gov.CastAndEvaluate(ctx, rec.ProposalID, u.ID, value)
		if err != nil {
			return Result{}, fmt.Errorf("ingest %s: %w", ev.Type, err)
		}
		i.logger.InfoContext(ctx, "vote cast", "proposal", rec.ProposalID, "user", u.ID, "value", value, "status", out.Status)
		return Result{Disposition: Voted, Outcome: out}, nil
	}

	// Only the reaction matching the stored vote removes it.
	existing, err := i.store.GetVote(ctx, rec.ProposalID, u.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.Value != value) {
		return ignored("no matching vote"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", ev.Type, err)
	}
	out, err := i.gov.RetractAndEvaluate(ctx, rec.ProposalID, u.ID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest %s: %w", ev.Type, err)
	}
	i.logger.InfoContext(ctx, "vote retracted", "proposal", rec.ProposalID, "user", u.ID, "status", out.Status)
	return Result{Disposition: Retracted, Outcome: out}, nil
}

// resolveUser finds the member by platform id, registering unknown members
// without a token.
func (i *Ingestor) resolveUser(ctx context.Context, communityID, platformUserID string) (contracts.User, error) {
	u, err := i.store.GetUserByPlatformID(ctx, communityID, platformUserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return contracts.User{}, err
	}
	return i.store.UpsertUser(ctx, contracts.User{CommunityID: communityID, PlatformUserID: platformUserID})
}

func actingUser(ev slackEvent) string {
	if ev.Type == EventChannelCreated {
		return ev.channelObject().Creator
	}
	return ev.User
}

func toAction(ev slackEvent) actions.Action {
	switch ev.Type {
	case EventChannelRename:
		ch := ev.channelObject()
		return &actions.RenameConversation{Channel: ch.ID, Name: ch.Name}
	case EventMemberJoined:
		return &actions.JoinConversation{Channel: ev.channelString(), Users: ev.User, Inviter: ev.Inviter}
	case EventMessage:
		if ev.Subtype != "" {
			return nil
		}
		return &actions.PostMessage{Channel: ev.channelString(), Text: ev.Text, Timestamp: ev.TS, Poster: ev.User}
	case EventPinAdded:
		return &actions.PinMessage{Channel: ev.ChannelID, Timestamp: ev.Item.Message.TS}
	case EventChannelArchive:
		return &actions.ArchiveChannel{Channel: ev.channelString()}
	case EventChannelCreated:
		ch := ev.channelObject()
		return &actions.CreateChannel{Channel: ch.ID, Name: ch.Name, IsPrivate: ch.IsPrivate}
	}
	return nil
}

func validate(schema *jsonschema.Schema, payload json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func ignored(reason string) Result {
	return Result{Disposition: Ignored, Reason: reason}
}
