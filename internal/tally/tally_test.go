package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func vote(user, target string) Ballot {
	return Ballot{UserID: user, VoteFor: &target}
}

func abstain(user string) Ballot {
	return Ballot{UserID: user}
}

func TestTally(t *testing.T) {
	tests := []struct {
		name           string
		ballots        []Ballot
		deadlinePassed bool
		want           Outcome
		winner         string
		tied           []string
	}{
		{
			name:    "clear majority",
			ballots: []Ballot{vote("a", "a"), vote("b", "a"), vote("c", "b")},
			want:    OutcomeWinner,
			winner:  "a",
		},
		{
			name:    "two-two split is a tie",
			ballots: []Ballot{vote("a", "a"), vote("b", "a"), vote("c", "c"), vote("d", "c")},
			want:    OutcomeTie,
			tied:    []string{"a", "c"},
		},
		{
			name:    "missing vote before deadline",
			ballots: []Ballot{vote("a", "a"), vote("b", "a"), abstain("c")},
			want:    OutcomeIncomplete,
		},
		{
			name:           "missing vote after deadline still settles",
			ballots:        []Ballot{vote("a", "a"), vote("b", "a"), abstain("c")},
			deadlinePassed: true,
			want:           OutcomeWinner,
			winner:         "a",
		},
		{
			name:           "nobody voted ties everyone",
			ballots:        []Ballot{abstain("b"), abstain("a")},
			deadlinePassed: true,
			want:           OutcomeTie,
			tied:           []string{"a", "b"},
		},
		{
			name:    "each votes for self",
			ballots: []Ballot{vote("a", "a"), vote("b", "b")},
			want:    OutcomeTie,
			tied:    []string{"a", "b"},
		},
		{
			name:    "vote for outsider is ignored",
			ballots: []Ballot{vote("a", "zed"), vote("b", "b"), vote("c", "b")},
			want:    OutcomeWinner,
			winner:  "b",
		},
		{
			name:           "no participants",
			deadlinePassed: true,
			want:           OutcomeIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Tally(tt.ballots, tt.deadlinePassed)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.winner, res.Winner)
			assert.Equal(t, tt.tied, res.Tied)
		})
	}
}

func TestTallyCounts(t *testing.T) {
	res := Tally([]Ballot{vote("a", "b"), vote("b", "b"), abstain("c")}, true)
	assert.Equal(t, map[string]int{"a": 0, "b": 2, "c": 0}, res.Counts)
	assert.Equal(t, 2, res.Voted)
	assert.Equal(t, 3, res.Total)
}
