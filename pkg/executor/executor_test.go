package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govbox/pkg/actions"
	"github.com/Mindburn-Labs/govbox/pkg/audit"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/platform/platformtest"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

type fixture struct {
	st     *store.MemoryStore
	fake   *platformtest.Adapter
	ledger *audit.Ledger
	user   contracts.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateCommunity(ctx,
		contracts.Community{ID: "com-1", CreatedAt: time.Now()},
		contracts.Integration{ID: "int-1", Platform: "slack", BotToken: "xoxb-bot"}))
	u, err := st.UpsertUser(ctx, contracts.User{CommunityID: "com-1", PlatformUserID: "U1", AccessToken: "xoxp-u1"})
	require.NoError(t, err)
	return &fixture{st: st, fake: platformtest.New(), ledger: audit.NewLedger(), user: u}
}

// persist stores a under a fresh proposal so SaveAction can update it.
func (f *fixture) persist(t *testing.T, a actions.Action, id string) {
	t.Helper()
	b := a.Meta()
	b.ID = "act-" + id
	b.ProposalID = id
	b.IntegrationID = "int-1"
	b.InitiatorID = f.user.ID
	rec, err := actions.Encode(a)
	require.NoError(t, err)
	require.NoError(t, f.st.CreateProposal(context.Background(),
		contracts.Proposal{ID: id, CommunityID: "com-1", Status: contracts.StatusProposed, CreatedAt: time.Now()}, rec))
}

func (f *fixture) stored(t *testing.T, id string) actions.Action {
	t.Helper()
	rec, err := f.st.GetAction(context.Background(), "act-"+id)
	require.NoError(t, err)
	a, err := actions.Decode(rec)
	require.NoError(t, err)
	return a
}

func (f *fixture) executor(opts ...Option) *Executor {
	return New(f.st, f.fake, append([]Option{WithLedger(f.ledger)}, opts...)...)
}

func TestApply_PassedPerformsAndPersists(t *testing.T) {
	f := newFixture(t)
	a := &actions.PostMessage{Channel: "C1", Text: "hi"}
	f.persist(t, a, "p1")

	require.NoError(t, f.executor().Apply(context.Background(), a, contracts.StatusPassed))

	assert.Equal(t, 1, f.fake.Count("chat.postMessage"))
	assert.NotEmpty(t, f.stored(t, "p1").(*actions.PostMessage).Timestamp)
	entries := f.ledger.Query(audit.Filter{Subject: "p1"})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EntryExecution, entries[0].Type)
	assert.Equal(t, StepPerform, entries[0].Action)
}

func TestApply_FailedSystemActionDoesNothing(t *testing.T) {
	f := newFixture(t)
	a := &actions.PostMessage{Channel: "C1", Text: "hi"}
	f.persist(t, a, "p1")

	require.NoError(t, f.executor().Apply(context.Background(), a, contracts.StatusFailed))
	assert.Empty(t, f.fake.Calls())
	assert.Zero(t, f.ledger.Len())
}

func TestApply_PassedCommunityActionKeepsAnnouncement(t *testing.T) {
	f := newFixture(t)
	a := &actions.PinMessage{Channel: "C1", Timestamp: "1.1"}
	a.CommunityOrigin = true
	a.CommunityPost = "2.2"
	f.persist(t, a, "p1")

	require.NoError(t, f.executor().Apply(context.Background(), a, contracts.StatusPassed))
	assert.Empty(t, f.fake.Calls())
	assert.Equal(t, "2.2", f.stored(t, "p1").Meta().CommunityPost)
}

func TestApply_FailedCommunityActionRevertsOnce(t *testing.T) {
	f := newFixture(t)
	a := &actions.KickConversation{Channel: "C1", User: "U9"}
	a.CommunityOrigin = true
	f.persist(t, a, "p1")
	ex := f.executor()

	require.NoError(t, ex.Apply(context.Background(), a, contracts.StatusFailed))
	// A second apply with a freshly loaded copy sees the persisted guard.
	require.NoError(t, ex.Apply(context.Background(), f.stored(t, "p1"), contracts.StatusFailed))

	invites := f.fake.CallsTo("conversations.invite")
	require.Len(t, invites, 1)
	assert.Equal(t, "xoxp-u1", invites[0].Token)
	assert.Equal(t, "U9", invites[0].Params["users"])
	assert.True(t, f.stored(t, "p1").Meta().CommunityRevert)
	assert.Len(t, f.ledger.Query(audit.Filter{Type: audit.EntryCompensation}), 2)
}

func TestApply_RevertFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail("pins.remove", "no_pin")
	a := &actions.PinMessage{Channel: "C1", Timestamp: "1.1"}
	a.CommunityOrigin = true
	f.persist(t, a, "p1")

	err := f.executor().Apply(context.Background(), a, contracts.StatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_pin")
	assert.True(t, f.stored(t, "p1").Meta().CommunityRevert, "guard persisted despite failure")

	failed := f.ledger.Query(audit.Filter{Type: audit.EntryCompensationFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, StepRevert, failed[0].Action)
	assert.Contains(t, string(failed[0].Payload), `"endpoint":"pins.remove"`)
}

func TestApply_UnknownIntegration(t *testing.T) {
	f := newFixture(t)
	a := &actions.PostMessage{Channel: "C1"}
	a.IntegrationID = "missing"
	err := f.executor().Apply(context.Background(), a, contracts.StatusPassed)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.fake.Calls())
}

func TestNotify(t *testing.T) {
	f := newFixture(t)
	a := &actions.ArchiveChannel{Channel: "C7"}
	a.CommunityOrigin = true
	f.persist(t, a, "p1")
	ex := f.executor(WithAnnouncementChannel("C-announce"))

	require.NoError(t, ex.Notify(context.Background(), a))
	require.NoError(t, ex.Notify(context.Background(), a))

	posts := f.fake.CallsTo("chat.postMessage")
	require.Len(t, posts, 1)
	assert.Equal(t, "C-announce", posts[0].Params["channel"])
	assert.Equal(t, "xoxb-bot", posts[0].Token)
	assert.Contains(t, posts[0].Params["text"], "slack.archive_channel")

	meta := f.stored(t, "p1").Meta()
	assert.NotEmpty(t, meta.CommunityPost)
	assert.Equal(t, "C-announce", meta.NotifyChannel)
	assert.Len(t, f.ledger.Query(audit.Filter{Type: audit.EntryNotification}), 1)
}

func TestNotify_DefaultsToActionChannel(t *testing.T) {
	f := newFixture(t)
	a := &actions.PinMessage{Channel: "C3", Timestamp: "1.1"}
	a.CommunityOrigin = true
	f.persist(t, a, "p1")

	require.NoError(t, f.executor().Notify(context.Background(), a))
	posts := f.fake.CallsTo("chat.postMessage")
	require.Len(t, posts, 1)
	assert.Equal(t, "C3", posts[0].Params["channel"])
}

func TestAnnouncementText(t *testing.T) {
	a := &actions.PinMessage{}
	assert.Contains(t, announcement(a, contracts.User{Name: "ada"}), "ada attempted slack.pin_message")
	assert.Contains(t, announcement(a, contracts.User{PlatformUserID: "U1"}), "<@U1>")
	assert.Contains(t, announcement(a, contracts.User{}), "Someone")
}
