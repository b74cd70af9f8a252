package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/govbox/pkg/config"
	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/governance"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

type ruleAdder interface {
	AddRule(ctx context.Context, r contracts.Rule) (contracts.Rule, error)
}

// seedCommunities installs the configured communities. Existing communities
// are kept; users are upserted and rules are added when no rule of the same
// name exists yet.
func seedCommunities(ctx context.Context, st store.Store, rules ruleAdder, cfg *config.Config) error {
	for _, seed := range cfg.Communities {
		if err := seedCommunity(ctx, st, rules, seed, cfg.Slack.ServiceUserID); err != nil {
			return fmt.Errorf("community %s: %w", seed.ID, err)
		}
	}
	return nil
}

func seedCommunity(ctx context.Context, st store.Store, rules ruleAdder, seed config.CommunitySeed, defaultServiceUser string) error {
	_, err := st.GetCommunity(ctx, seed.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		serviceUser := seed.ServiceUserID
		if serviceUser == "" {
			serviceUser = defaultServiceUser
		}
		err = st.CreateCommunity(ctx,
			contracts.Community{ID: seed.ID, Name: seed.Name, IntegrationID: integrationID(seed)},
			contracts.Integration{
				ID:            integrationID(seed),
				Platform:      "slack",
				TeamID:        seed.TeamID,
				BotToken:      seed.BotToken,
				ServiceUserID: serviceUser,
			})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for _, u := range seed.Users {
		if _, err := st.UpsertUser(ctx, contracts.User{
			CommunityID:    seed.ID,
			PlatformUserID: u.PlatformUserID,
			Name:           u.Name,
			AccessToken:    u.AccessToken,
		}); err != nil {
			return fmt.Errorf("user %s: %w", u.PlatformUserID, err)
		}
	}

	existing, err := st.ListRules(ctx, seed.ID)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, r := range existing {
		names[r.Name] = true
	}
	for _, r := range seed.Rules {
		if names[r.Name] {
			continue
		}
		if _, err := rules.AddRule(ctx, contracts.Rule{
			CommunityID:      seed.ID,
			Name:             r.Name,
			FilterCode:       r.Filter,
			ConditionalCode:  r.Conditional,
			Constants:        r.Constants,
			Priority:         r.Priority,
			EngineConstraint: r.EngineConstraint,
		}); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		names[r.Name] = true
	}
	return nil
}

func integrationID(seed config.CommunitySeed) string {
	return seed.ID + "-slack"
}

var _ ruleAdder = (*governance.Engine)(nil)
