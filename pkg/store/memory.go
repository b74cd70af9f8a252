package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu           sync.RWMutex
	communities  map[string]contracts.Community
	integrations map[string]contracts.Integration
	users        map[string]contracts.User
	rules        map[string][]contracts.Rule
	proposals    map[string]contracts.Proposal
	actions      map[string]contracts.ActionRecord
	votes        map[string]map[string]contracts.Vote
	posts        map[string]contracts.Post
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		communities:  make(map[string]contracts.Community),
		integrations: make(map[string]contracts.Integration),
		users:        make(map[string]contracts.User),
		rules:        make(map[string][]contracts.Rule),
		proposals:    make(map[string]contracts.Proposal),
		actions:      make(map[string]contracts.ActionRecord),
		votes:        make(map[string]map[string]contracts.Vote),
		posts:        make(map[string]contracts.Post),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateCommunity(_ context.Context, c contracts.Community, integ contracts.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[c.ID]; ok {
		return fmt.Errorf("community %s: %w", c.ID, ErrConflict)
	}
	if _, ok := m.integrations[integ.ID]; ok {
		return fmt.Errorf("integration %s: %w", integ.ID, ErrConflict)
	}
	for _, existing := range m.integrations {
		if integ.TeamID != "" && existing.TeamID == integ.TeamID {
			return fmt.Errorf("team %s: %w", integ.TeamID, ErrConflict)
		}
	}
	c.IntegrationID = integ.ID
	m.communities[c.ID] = c
	m.integrations[integ.ID] = integ
	return nil
}

func (m *MemoryStore) GetCommunity(_ context.Context, id string) (contracts.Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.communities[id]
	if !ok {
		return contracts.Community{}, fmt.Errorf("community %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) GetCommunityByIntegration(_ context.Context, integrationID string) (contracts.Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.communities {
		if c.IntegrationID == integrationID {
			return c, nil
		}
	}
	return contracts.Community{}, fmt.Errorf("community for integration %s: %w", integrationID, ErrNotFound)
}

func (m *MemoryStore) GetIntegration(_ context.Context, id string) (contracts.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.integrations[id]
	if !ok {
		return contracts.Integration{}, fmt.Errorf("integration %s: %w", id, ErrNotFound)
	}
	return i, nil
}

func (m *MemoryStore) GetIntegrationByTeam(_ context.Context, teamID string) (contracts.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.integrations {
		if i.TeamID == teamID {
			return i, nil
		}
	}
	return contracts.Integration{}, fmt.Errorf("integration for team %s: %w", teamID, ErrNotFound)
}

func (m *MemoryStore) UpsertUser(_ context.Context, u contracts.User) (contracts.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.users {
		if existing.CommunityID == u.CommunityID && existing.PlatformUserID == u.PlatformUserID {
			u.ID = id
			if u.AccessToken == "" {
				u.AccessToken = existing.AccessToken
			}
			m.users[id] = u
			return u, nil
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (contracts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return contracts.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) GetUserByPlatformID(_ context.Context, communityID, platformUserID string) (contracts.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.CommunityID == communityID && u.PlatformUserID == platformUserID {
			return u, nil
		}
	}
	return contracts.User{}, fmt.Errorf("user %s in %s: %w", platformUserID, communityID, ErrNotFound)
}

func (m *MemoryStore) CreateRule(_ context.Context, r contracts.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules[r.CommunityID] {
		if existing.ID == r.ID {
			return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
		}
	}
	r.Constants = cloneConstants(r.Constants)
	m.rules[r.CommunityID] = append(m.rules[r.CommunityID], r)
	return nil
}

func (m *MemoryStore) ListRules(_ context.Context, communityID string) ([]contracts.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Rule, 0, len(m.rules[communityID]))
	for _, r := range m.rules[communityID] {
		r.Constants = cloneConstants(r.Constants)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateProposal(_ context.Context, p contracts.Proposal, rec contracts.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; ok {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrConflict)
	}
	if _, ok := m.actions[rec.ID]; ok {
		return fmt.Errorf("action %s: %w", rec.ID, ErrConflict)
	}
	p.ActionID = rec.ID
	rec.ProposalID = p.ID
	m.proposals[p.ID] = cloneProposal(p)
	m.actions[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return contracts.Proposal{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return cloneProposal(p), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, f contracts.ProposalFilter) ([]contracts.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Proposal
	for _, p := range m.proposals {
		if f.CommunityID != "" && p.CommunityID != f.CommunityID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.IntegrationID != "" && m.communities[p.CommunityID].IntegrationID != f.IntegrationID {
			continue
		}
		out = append(out, cloneProposal(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ResolveProposal(_ context.Context, id string, status contracts.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err := p.Resolve(status, at); err != nil {
		return fmt.Errorf("proposal %s: %w: %v", id, ErrConflict, err)
	}
	m.proposals[id] = p
	return nil
}

func (m *MemoryStore) SaveAction(_ context.Context, rec contracts.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[rec.ID]; !ok {
		return fmt.Errorf("action %s: %w", rec.ID, ErrNotFound)
	}
	m.actions[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, id string) (contracts.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.actions[id]
	if !ok {
		return contracts.ActionRecord{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) GetActionByPost(_ context.Context, integrationID, ts string) (contracts.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts != "" {
		for _, rec := range m.actions {
			if rec.IntegrationID == integrationID && rec.CommunityPost == ts {
				return cloneRecord(rec), nil
			}
		}
	}
	return contracts.ActionRecord{}, fmt.Errorf("action with post %s: %w", ts, ErrNotFound)
}

func (m *MemoryStore) UpsertVote(_ context.Context, v contracts.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[v.ProposalID]; !ok {
		return fmt.Errorf("proposal %s: %w", v.ProposalID, ErrNotFound)
	}
	byUser, ok := m.votes[v.ProposalID]
	if !ok {
		byUser = make(map[string]contracts.Vote)
		m.votes[v.ProposalID] = byUser
	}
	byUser[v.UserID] = v
	return nil
}

func (m *MemoryStore) DeleteVote(_ context.Context, proposalID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.votes[proposalID][userID]; !ok {
		return fmt.Errorf("vote %s/%s: %w", proposalID, userID, ErrNotFound)
	}
	delete(m.votes[proposalID], userID)
	return nil
}

func (m *MemoryStore) GetVote(_ context.Context, proposalID, userID string) (contracts.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.votes[proposalID][userID]
	if !ok {
		return contracts.Vote{}, fmt.Errorf("vote %s/%s: %w", proposalID, userID, ErrNotFound)
	}
	return v, nil
}

func (m *MemoryStore) ListVotes(_ context.Context, proposalID string) ([]contracts.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Vote, 0, len(m.votes[proposalID]))
	for _, v := range m.votes[proposalID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) CreatePost(_ context.Context, p contracts.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[p.ID]; ok {
		return fmt.Errorf("post %s: %w", p.ID, ErrConflict)
	}
	m.posts[p.ID] = p
	return nil
}

func cloneProposal(p contracts.Proposal) contracts.Proposal {
	if p.Creators != nil {
		p.Creators = append([]string(nil), p.Creators...)
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		p.ResolvedAt = &t
	}
	return p
}

func cloneRecord(rec contracts.ActionRecord) contracts.ActionRecord {
	if rec.Payload != nil {
		rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	}
	return rec
}

func cloneConstants(c map[string]any) map[string]any {
	if c == nil {
		return nil
	}
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
