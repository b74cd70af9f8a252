package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/executor"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/platform/platformtest"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

type MockGovernor struct {
	mock.Mock
}

func (m *MockGovernor) Submit(ctx context.Context, a actions.Action, kind contracts.ProposalKind) (governance.ProposalHandle, error) {
	args := m.Called(ctx, a, kind)
	return args.Get(0).(governance.ProposalHandle), args.Error(1)
}

func (m *MockGovernor) CastAndEvaluate(ctx context.Context, proposalID, userID string, value bool) (governance.Outcome, error) {
	args := m.Called(ctx, proposalID, userID, value)
	return args.Get(0).(governance.Outcome), args.Error(1)
}

func (m *MockGovernor) RetractAndEvaluate(ctx context.Context, proposalID, userID string) (governance.Outcome, error) {
	args := m.Called(ctx, proposalID, userID)
	return args.Get(0).(governance.Outcome), args.Error(1)
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateCommunity(context.Background(),
		contracts.Community{ID: "com-1", Name: "govbox"},
		contracts.Integration{ID: "int-1", Platform: "slack", TeamID: "T1", BotToken: "xoxb-bot", ServiceUserID: "UBOT"},
	))
	return st
}

func event(typ string, payload map[string]any) contracts.Event {
	payload["type"] = typ
	raw, _ := json.Marshal(payload)
	return contracts.Event{Type: typ, IntegrationID: "int-1", Payload: raw}
}

func TestMessageBecomesCommunityAction(t *testing.T) {
	st := seedStore(t)
	gov := &MockGovernor{}
	in, err := New(st, gov)
	require.NoError(t, err)

	gov.On("Submit", mock.Anything, mock.MatchedBy(func(a actions.Action) bool {
		pm, ok := a.(*actions.PostMessage)
		return ok && pm.CommunityOrigin && pm.IntegrationID == "int-1" &&
			pm.Channel == "C1" && pm.Text == "hi" && pm.Timestamp == "1.0001" && pm.InitiatorID != ""
	}), contracts.KindAdd).Return(governance.ProposalHandle{
		ProposalID: "p-1",
		Outcome:    governance.Outcome{ProposalID: "p-1", Status: contracts.StatusProposed},
	}, nil)

	res, err := in.Handle(context.Background(), event(EventMessage, map[string]any{
		"user": "U2", "text": "hi", "channel": "C1", "ts": "1.0001",
	}))
	require.NoError(t, err)
	assert.Equal(t, Submitted, res.Disposition)
	assert.Equal(t, "p-1", res.Handle.ProposalID)
	gov.AssertExpectations(t)

	u, err := st.GetUserByPlatformID(context.Background(), "com-1", "U2")
	require.NoError(t, err, "unknown poster is registered")
	assert.Empty(t, u.AccessToken)
}

func TestEventMapping(t *testing.T) {
	cases := []struct {
		name    string
		typ     string
		payload map[string]any
		check   func(t *testing.T, a actions.Action)
	}{
		{
			name:    "rename",
			typ:     EventChannelRename,
			payload: map[string]any{"channel": map[string]any{"id": "C1", "name": "random"}},
			check: func(t *testing.T, a actions.Action) {
				r := a.(*actions.RenameConversation)
				assert.Equal(t, "C1", r.Channel)
				assert.Equal(t, "random", r.Name)
				assert.Empty(t, r.InitiatorID)
			},
		},
		{
			name:    "join",
			typ:     EventMemberJoined,
			payload: map[string]any{"user": "U2", "channel": "C1", "inviter": "U3"},
			check: func(t *testing.T, a actions.Action) {
				j := a.(*actions.JoinConversation)
				assert.Equal(t, "U2", j.Users)
				assert.Equal(t, "U3", j.Inviter)
			},
		},
		{
			name: "pin",
			typ:  EventPinAdded,
			payload: map[string]any{"user": "U2", "channel_id": "C1",
				"item": map[string]any{"message": map[string]any{"ts": "5.5"}}},
			check: func(t *testing.T, a actions.Action) {
				p := a.(*actions.PinMessage)
				assert.Equal(t, "C1", p.Channel)
				assert.Equal(t, "5.5", p.Timestamp)
			},
		},
		{
			name:    "archive",
			typ:     EventChannelArchive,
			payload: map[string]any{"user": "U2", "channel": "C9"},
			check: func(t *testing.T, a actions.Action) {
				assert.Equal(t, "C9", a.(*actions.ArchiveChannel).Channel)
			},
		},
		{
			name: "create",
			typ:  EventChannelCreated,
			payload: map[string]any{"channel": map[string]any{
				"id": "C7", "name": "new-room", "creator": "U2"}},
			check: func(t *testing.T, a actions.Action) {
				c := a.(*actions.CreateChannel)
				assert.Equal(t, "C7", c.Channel)
				assert.Equal(t, "new-room", c.Name)
				assert.NotEmpty(t, c.InitiatorID, "creator is the initiator")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gov := &MockGovernor{}
			in, err := New(seedStore(t), gov)
			require.NoError(t, err)

			var got actions.Action
			gov.On("Submit", mock.Anything, mock.Anything, contracts.KindAdd).
				Run(func(args mock.Arguments) { got = args.Get(1).(actions.Action) }).
				Return(governance.ProposalHandle{ProposalID: "p"}, nil)

			res, err := in.Handle(context.Background(), event(tc.typ, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, Submitted, res.Disposition)
			require.NotNil(t, got)
			assert.True(t, got.Meta().CommunityOrigin)
			tc.check(t, got)
		})
	}
}

func TestIgnoredEvents(t *testing.T) {
	gov := &MockGovernor{}
	in, err := New(seedStore(t), gov)
	require.NoError(t, err)

	for name, ev := range map[string]contracts.Event{
		"subtype":      event(EventMessage, map[string]any{"subtype": "message_deleted", "channel": "C1", "ts": "1.1"}),
		"service user": event(EventPinAdded, map[string]any{"user": "UBOT", "channel_id": "C1", "item": map[string]any{"message": map[string]any{"ts": "1"}}}),
		"unknown type": event("emoji_changed", map[string]any{}),
	} {
		res, err := in.Handle(context.Background(), ev)
		require.NoError(t, err, name)
		assert.Equal(t, Ignored, res.Disposition, name)
		assert.NotEmpty(t, res.Reason, name)
	}
	gov.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestInvalidPayload(t *testing.T) {
	gov := &MockGovernor{}
	in, err := New(seedStore(t), gov)
	require.NoError(t, err)

	_, err = in.Handle(context.Background(), event(EventPinAdded, map[string]any{"user": "U2", "channel_id": "C1"}))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = in.Handle(context.Background(), contracts.Event{
		Type: EventMessage, IntegrationID: "int-1", Payload: json.RawMessage(`{"type":"pin_added","channel":"C1","ts":"1"}`),
	})
	assert.ErrorIs(t, err, ErrInvalidEvent, "payload type must match the event type")
}

func TestUnknownIntegration(t *testing.T) {
	in, err := New(seedStore(t), &MockGovernor{})
	require.NoError(t, err)

	ev := event(EventChannelArchive, map[string]any{"user": "U2", "channel": "C1"})
	ev.IntegrationID = "int-404"
	_, err = in.Handle(context.Background(), ev)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// reactionFixture wires ingestion to a real engine whose rule passes on one
// +1 and fails on one -1.
type reactionFixture struct {
	store *store.MemoryStore
	fake  *platformtest.Adapter
	in    *Ingestor
}

func newReactionFixture(t *testing.T, conditional string) *reactionFixture {
	t.Helper()
	ctx := context.Background()
	st := seedStore(t)
	_, err := st.UpsertUser(ctx, contracts.User{CommunityID: "com-1", PlatformUserID: "U1", Name: "ada", AccessToken: "xoxp-ada"})
	require.NoError(t, err)

	fake := platformtest.New()
	ev, err := governance.NewEvaluator()
	require.NoError(t, err)
	engine := governance.NewEngine(st, ev, executor.New(st, fake))
	_, err = engine.AddRule(ctx, contracts.Rule{
		CommunityID: "com-1", FilterCode: "action.community_origin", ConditionalCode: conditional,
	})
	require.NoError(t, err)

	in, err := New(st, engine)
	require.NoError(t, err)
	return &reactionFixture{store: st, fake: fake, in: in}
}

func (f *reactionFixture) announce(t *testing.T) (proposalID, ts string) {
	t.Helper()
	res, err := f.in.Handle(context.Background(), event(EventPinAdded, map[string]any{
		"user": "U1", "channel_id": "C1", "item": map[string]any{"message": map[string]any{"ts": "9.9"}},
	}))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusProposed, res.Outcome.Status)

	rec, err := f.store.GetAction(context.Background(), res.Handle.ActionID)
	require.NoError(t, err)
	require.NotEmpty(t, rec.CommunityPost)
	return res.Handle.ProposalID, rec.CommunityPost
}

func reaction(typ, user, name, ts string) contracts.Event {
	return event(typ, map[string]any{
		"user": user, "reaction": name, "item": map[string]any{"type": "message", "channel": "C1", "ts": ts},
	})
}

const oneVote = `votes.yes >= 1 ? "PASSED" : (votes.no >= 1 ? "FAILED" : "PROPOSED")`

func TestReactionVotePasses(t *testing.T) {
	f := newReactionFixture(t, oneVote)
	proposalID, ts := f.announce(t)

	res, err := f.in.Handle(context.Background(), reaction(EventReactionAdded, "U1", "+1", ts))
	require.NoError(t, err)
	assert.Equal(t, Voted, res.Disposition)
	assert.Equal(t, contracts.StatusPassed, res.Outcome.Status)

	p, err := f.store.GetProposal(context.Background(), proposalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPassed, p.Status)
	assert.Zero(t, f.fake.Count("pins.remove"), "passed pin stays")
}

func TestReactionVoteFailsAndReverts(t *testing.T) {
	f := newReactionFixture(t, oneVote)
	_, ts := f.announce(t)

	res, err := f.in.Handle(context.Background(), reaction(EventReactionAdded, "U1", "-1", ts))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, res.Outcome.Status)
	assert.Equal(t, 1, f.fake.Count("pins.remove"))
}

func TestReactionIgnored(t *testing.T) {
	f := newReactionFixture(t, oneVote)
	_, ts := f.announce(t)

	res, err := f.in.Handle(context.Background(), reaction(EventReactionAdded, "U1", "tada", ts))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Disposition)

	res, err = f.in.Handle(context.Background(), reaction(EventReactionAdded, "U1", "+1", "0.0"))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Disposition)
}

func TestReactionRemovedRetractsVote(t *testing.T) {
	f := newReactionFixture(t, `votes.yes >= 2 ? "PASSED" : "PROPOSED"`)
	proposalID, ts := f.announce(t)
	ctx := context.Background()

	_, err := f.in.Handle(ctx, reaction(EventReactionAdded, "U1", "+1", ts))
	require.NoError(t, err)

	res, err := f.in.Handle(ctx, reaction(EventReactionRemoved, "U1", "-1", ts))
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Disposition, "removing a different reaction keeps the vote")

	res, err = f.in.Handle(ctx, reaction(EventReactionRemoved, "U1", "+1", ts))
	require.NoError(t, err)
	assert.Equal(t, Retracted, res.Disposition)
	assert.Equal(t, contracts.StatusProposed, res.Outcome.Status)

	_, err = f.store.GetVote(ctx, proposalID, mustUser(t, f.store, "U1").ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func mustUser(t *testing.T, st *store.MemoryStore, platformID string) contracts.User {
	t.Helper()
	u, err := st.GetUserByPlatformID(context.Background(), "com-1", platformID)
	require.NoError(t, err)
	return u
}
