package votes

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
	"github.com/Mindburn-Labs/govbox/pkg/store"
)

func newFixture(t *testing.T, status contracts.Status) (*Aggregator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	p := contracts.Proposal{ID: "p1", CommunityID: "c1", Status: contracts.StatusProposed, CreatedAt: time.Now()}
	rec := contracts.ActionRecord{ID: "a1", Kind: "slack.pin_message", Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.CreateProposal(context.Background(), p, rec))
	if status.Terminal() {
		require.NoError(t, s.ResolveProposal(context.Background(), "p1", status, time.Now()))
	}
	return NewAggregator(s), s
}

func TestCastReplacesEarlierVote(t *testing.T) {
	agg, _ := newFixture(t, contracts.StatusProposed)
	ctx := context.Background()

	_, err := agg.Cast(ctx, "p1", "u1", true)
	require.NoError(t, err)
	res, err := agg.Cast(ctx, "p1", "u1", false)
	require.NoError(t, err)
	assert.False(t, res.Inert)

	tally, err := agg.Tally(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Yes: 0, No: 1, Voters: []string{"u1"}}, tally)
}

func TestCastOnResolvedProposalIsInert(t *testing.T) {
	agg, s := newFixture(t, contracts.StatusPassed)

	res, err := agg.Cast(context.Background(), "p1", "u1", false)
	require.NoError(t, err)
	assert.True(t, res.Inert)

	p, err := s.GetProposal(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPassed, p.Status)
	tally, _ := agg.Tally(context.Background(), "p1")
	assert.Equal(t, 1, tally.No)
}

func TestCastUnknownProposal(t *testing.T) {
	agg, _ := newFixture(t, contracts.StatusProposed)
	_, err := agg.Cast(context.Background(), "nope", "u1", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetract(t *testing.T) {
	agg, _ := newFixture(t, contracts.StatusProposed)
	ctx := context.Background()
	_, _ = agg.Cast(ctx, "p1", "u1", true)
	_, _ = agg.Cast(ctx, "p1", "u2", true)

	require.NoError(t, agg.Retract(ctx, "p1", "u1"))
	tally, _ := agg.Tally(ctx, "p1")
	assert.Equal(t, []string{"u2"}, tally.Voters)
	assert.ErrorIs(t, agg.Retract(ctx, "p1", "u1"), store.ErrNotFound)
}

type cast struct {
	User  int
	Value bool
}

// Property: the tally depends only on each user's last vote, not on the
// interleaving of different users' casts.
func TestTallyOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genCast := gopter.CombineGens(gen.IntRange(0, 4), gen.Bool()).Map(func(v []interface{}) cast {
		return cast{User: v[0].(int), Value: v[1].(bool)}
	})

	properties.Property("reversed per-user interleaving yields the same tally", prop.ForAll(
		func(casts []cast) bool {
			forward := tallyOf(t, casts)

			// Reverse the order across users while keeping each user's own
			// sequence intact: group by user, emit groups in reverse.
			groups := make(map[int][]cast)
			var order []int
			for _, c := range casts {
				if _, ok := groups[c.User]; !ok {
					order = append(order, c.User)
				}
				groups[c.User] = append(groups[c.User], c)
			}
			var shuffled []cast
			for i := len(order) - 1; i >= 0; i-- {
				shuffled = append(shuffled, groups[order[i]]...)
			}
			backward := tallyOf(t, shuffled)

			return forward.Yes == backward.Yes &&
				forward.No == backward.No &&
				fmt.Sprint(forward.Voters) == fmt.Sprint(backward.Voters)
		},
		gen.SliceOf(genCast),
	))

	properties.TestingRun(t)
}

func tallyOf(t *testing.T, casts []cast) contracts.Tally {
	agg, _ := newFixture(t, contracts.StatusProposed)
	ctx := context.Background()
	for _, c := range casts {
		if _, err := agg.Cast(ctx, "p1", fmt.Sprintf("u%d", c.User), c.Value); err != nil {
			t.Fatalf("cast: %v", err)
		}
	}
	tally, err := agg.Tally(ctx, "p1")
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	return tally
}
