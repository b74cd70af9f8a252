package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/platform"
	"github.com/Mindburn-Labs/govbox/pkg/platform/platformtest"
)

func testEnv(fake *platformtest.Adapter) Env {
	return Env{
		Adapter:     fake,
		Integration: contracts.Integration{ID: "int-1", BotToken: "xoxb-bot"},
		Initiator:   contracts.User{ID: "user-1", AccessToken: "xoxp-user"},
	}
}

func TestPerformOrConfirm_CommunityOriginIsNoop(t *testing.T) {
	fake := platformtest.New()
	a := &PinMessage{Channel: "C1", Timestamp: "1.1"}
	a.CommunityOrigin = true

	res, err := PerformOrConfirm(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Empty(t, fake.Calls())
}

func TestPerformOrConfirm_PostMessageRecordsTimestamp(t *testing.T) {
	fake := platformtest.New()
	a := &PostMessage{Channel: "C1", Text: "hello"}

	res, err := PerformOrConfirm(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Performed)

	calls := fake.CallsTo("chat.postMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "xoxb-bot", calls[0].Token)
	assert.Equal(t, map[string]string{"channel": "C1", "text": "hello"}, calls[0].Params)
	assert.NotEmpty(t, a.Timestamp)
}

func TestPerformOrConfirm_UserAuthUsesInitiatorToken(t *testing.T) {
	fake := platformtest.New()
	a := &ArchiveChannel{Channel: "C9"}

	_, err := PerformOrConfirm(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	calls := fake.CallsTo("conversations.archive")
	require.Len(t, calls, 1)
	assert.Equal(t, "xoxp-user", calls[0].Token)
}

func TestPerformOrConfirm_MissingUserToken(t *testing.T) {
	fake := platformtest.New()
	env := testEnv(fake)
	env.Initiator.AccessToken = ""

	_, err := PerformOrConfirm(context.Background(), &KickConversation{Channel: "C1", User: "U1"}, env)
	var ce *platform.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "missing_credential", ce.Message)
	assert.Empty(t, fake.Calls())
}

func TestPerformOrConfirm_PlatformErrorSurfacesMessage(t *testing.T) {
	fake := platformtest.New().Fail("pins.add", "already_pinned")

	_, err := PerformOrConfirm(context.Background(), &PinMessage{Channel: "C1", Timestamp: "1.1"}, testEnv(fake))
	var ce *platform.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "already_pinned", ce.Message)
}

func TestPerformOrConfirm_RetractsAnnouncement(t *testing.T) {
	fake := platformtest.New()
	a := &PinMessage{Channel: "C1", Timestamp: "1.1"}
	a.CommunityPost = "555.1"
	a.NotifyChannel = "C-general"

	res, err := PerformOrConfirm(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Retracted)
	deletes := fake.CallsTo("chat.delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, map[string]string{"channel": "C-general", "ts": "555.1"}, deletes[0].Params)
	assert.Empty(t, a.CommunityPost)
}

func TestRevert_IsIdempotent(t *testing.T) {
	fake := platformtest.New()
	a := &PinMessage{Channel: "C1", Timestamp: "1.1"}
	a.CommunityOrigin = true

	first, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, first.Reverted)
	assert.True(t, a.CommunityRevert)

	second, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, fake.Count("pins.remove"))
}

func TestRevert_FailedCallStillGuards(t *testing.T) {
	fake := platformtest.New().Fail("conversations.unarchive", "not_authed")
	a := &ArchiveChannel{Channel: "C1"}

	_, err := Revert(context.Background(), a, testEnv(fake))
	require.Error(t, err)
	assert.True(t, a.CommunityRevert)

	_, err = Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Count("conversations.unarchive"))
}

func TestRevert_RetractsAnnouncement(t *testing.T) {
	fake := platformtest.New()
	a := &PostMessage{Channel: "C1", Timestamp: "10.1"}
	a.CommunityPost = "11.2"

	res, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Reverted)
	assert.True(t, res.Retracted)

	deletes := fake.CallsTo("chat.delete")
	require.Len(t, deletes, 2)
	assert.Equal(t, "10.1", deletes[0].Params["ts"])
	assert.Equal(t, map[string]string{"channel": "C1", "ts": "11.2"}, deletes[1].Params)
}

func TestRevert_RenameUsesPreviousNames(t *testing.T) {
	fake := platformtest.New().On("conversations.info", func(platformtest.Call) (platform.Response, error) {
		body, _ := json.Marshal(map[string]any{
			"ok":      true,
			"channel": map[string]any{"previous_names": []string{"general", "lobby"}},
		})
		return platform.Response{OK: true, Body: body}, nil
	})
	a := &RenameConversation{Channel: "C1", Name: "random"}

	res, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Reverted)

	renames := fake.CallsTo("conversations.rename")
	require.Len(t, renames, 1)
	assert.Equal(t, "general", renames[0].Params["name"])
	assert.Equal(t, "xoxp-user", renames[0].Token)
}

func TestRevert_RenameEchoIsSkipped(t *testing.T) {
	fake := platformtest.New().On("conversations.info", func(platformtest.Call) (platform.Response, error) {
		body, _ := json.Marshal(map[string]any{
			"ok":      true,
			"channel": map[string]any{"previous_names": []string{"random", "Café"}},
		})
		return platform.Response{OK: true, Body: body}, nil
	})
	a := &RenameConversation{Channel: "C1", Name: "café"}

	res, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fake.Count("conversations.rename"))
}

func TestRevert_CreateChannelArchives(t *testing.T) {
	fake := platformtest.New()
	a := &CreateChannel{Channel: "C77", Name: "new-thing"}

	res, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Reverted)
	assert.Equal(t, 1, fake.Count("conversations.archive"))
}

func TestRevert_NothingToUndo(t *testing.T) {
	fake := platformtest.New()
	a := &ScheduleMessage{Channel: "C1", Text: "later", PostAt: 1700000000}

	res, err := Revert(context.Background(), a, testEnv(fake))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, a.CommunityRevert)
	assert.Empty(t, fake.Calls())
}

func TestEncodeDecode(t *testing.T) {
	a := &RenameConversation{Channel: "C1", Name: "policy", PreviousName: "general"}
	a.ID = "act-1"
	a.ProposalID = "prop-1"
	a.IntegrationID = "int-1"
	a.CommunityOrigin = true
	a.CommunityPost = "9.9"

	rec, err := Encode(a)
	require.NoError(t, err)
	assert.Equal(t, KindRenameConversation, rec.Kind)
	assert.NotContains(t, string(rec.Payload), "community_origin")

	decoded, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode(contracts.ActionRecord{Kind: "discord.ban"})
	assert.Error(t, err)
}

func TestKindsAreRegistered(t *testing.T) {
	for _, kind := range Kinds() {
		a, err := Decode(contracts.ActionRecord{Kind: kind})
		require.NoError(t, err, kind)
		assert.Equal(t, kind, a.Kind())
	}
	assert.Len(t, Kinds(), 8)
}
