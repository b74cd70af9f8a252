package contracts

import (
	"sort"
	"time"
)

// Vote is one user's boolean vote on a proposal.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	UserID     string    `json:"user_id"`
	Value      bool      `json:"value"`
	CastAt     time.Time `json:"cast_at"`
}

// Tally is the aggregated view of a proposal's votes.
type Tally struct {
	Yes    int      `json:"yes"`
	No     int      `json:"no"`
	Voters []string `json:"voters"`
}

// Total returns the number of distinct voters.
func (t Tally) Total() int {
	return t.Yes + t.No
}

// NewTally aggregates votes. The last vote per user wins, so the input must
// already be deduplicated by (proposal, user) as the store guarantees.
func NewTally(votes []Vote) Tally {
	t := Tally{Voters: make([]string, 0, len(votes))}
	for _, v := range votes {
		if v.Value {
			t.Yes++
		} else {
			t.No++
		}
		t.Voters = append(t.Voters, v.UserID)
	}
	sort.Strings(t.Voters)
	return t
}
