package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Action)
)

// Register makes a variant decodable. It panics on duplicate kinds.
func Register(kind string, factory func() Action) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("actions: duplicate kind " + kind)
	}
	registry[kind] = factory
}

// Kinds lists the registered variant kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Encode converts a into its persisted form.
func Encode(a Action) (contracts.ActionRecord, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return contracts.ActionRecord{}, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	b := a.Meta()
	return contracts.ActionRecord{
		ID:              b.ID,
		Kind:            a.Kind(),
		ProposalID:      b.ProposalID,
		IntegrationID:   b.IntegrationID,
		InitiatorID:     b.InitiatorID,
		CommunityOrigin: b.CommunityOrigin,
		CommunityRevert: b.CommunityRevert,
		CommunityPost:   b.CommunityPost,
		NotifyChannel:   b.NotifyChannel,
		Payload:         payload,
		CreatedAt:       b.CreatedAt,
	}, nil
}

// Decode rebuilds the variant stored in rec.
func Decode(rec contracts.ActionRecord) (Action, error) {
	registryMu.RLock()
	factory, ok := registry[rec.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action kind %q", rec.Kind)
	}

	a := factory()
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.Kind, err)
		}
	}
	*a.Meta() = Base{
		ID:              rec.ID,
		ProposalID:      rec.ProposalID,
		IntegrationID:   rec.IntegrationID,
		InitiatorID:     rec.InitiatorID,
		CommunityOrigin: rec.CommunityOrigin,
		CommunityRevert: rec.CommunityRevert,
		CommunityPost:   rec.CommunityPost,
		NotifyChannel:   rec.NotifyChannel,
		CreatedAt:       rec.CreatedAt,
	}
	return a, nil
}

// Fields returns the variant-specific fields of a as a generic map, the
// shape rule expressions see under action.fields.
func Fields(a Action) (map[string]any, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
