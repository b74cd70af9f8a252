package main

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govbox/pkg/config"
	"github.com/Mindburn-Labs/govbox/pkg/executor"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/platform/platformtest"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

func newSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewSQLStore(db, store.DialectSQLite)
	require.NoError(t, st.Init(context.Background()))
	return st
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Slack.ServiceUserID = "UBOT"
	cfg.Communities = []config.CommunitySeed{{
		ID: "com-1", Name: "govbox", TeamID: "T1", BotToken: "xoxb-1",
		Users: []config.UserSeed{{PlatformUserID: "U1", Name: "ada", AccessToken: "xoxp-ada"}},
		Rules: []config.RuleSeed{
			{Name: "pins pass", Filter: `action.kind == "slack.pin_message"`, Conditional: `"PASSED"`},
			{Name: "quorum", Filter: "true", Conditional: `votes.yes >= constants.quorum ? "PASSED" : "PROPOSED"`,
				Constants: map[string]any{"quorum": 2}},
		},
	}}
	return cfg
}

func TestSeedCommunitiesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	ev, err := governance.NewEvaluator()
	require.NoError(t, err)
	engine := governance.NewEngine(st, ev, executor.New(st, platformtest.New()))
	cfg := testConfig()

	require.NoError(t, seedCommunities(ctx, st, engine, cfg))
	require.NoError(t, seedCommunities(ctx, st, engine, cfg))

	integ, err := st.GetIntegrationByTeam(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "com-1-slack", integ.ID)
	assert.Equal(t, "UBOT", integ.ServiceUserID, "falls back to the global service identity")

	rules, err := st.ListRules(ctx, "com-1")
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	u, err := st.GetUserByPlatformID(ctx, "com-1", "U1")
	require.NoError(t, err)
	assert.Equal(t, "xoxp-ada", u.AccessToken)
}

func TestSeedRejectsInvalidRule(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	ev, err := governance.NewEvaluator()
	require.NoError(t, err)
	engine := governance.NewEngine(st, ev, executor.New(st, platformtest.New()))

	cfg := testConfig()
	cfg.Communities[0].Rules = []config.RuleSeed{{Name: "broken", Filter: "action.kind ==", Conditional: `"PASSED"`}}

	err = seedCommunities(ctx, st, engine, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("warning").String())
	assert.Equal(t, "INFO", parseLevel("").String())
}
