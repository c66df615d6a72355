package tally

import "sort"

type Outcome string

const (
	OutcomeWinner     Outcome = "winner"
	OutcomeTie        Outcome = "tie"
	OutcomeIncomplete Outcome = "incomplete"
)

// Ballot is one participant's vote. VoteFor is nil until they vote.
type Ballot struct {
	UserID  string
	VoteFor *string
}

type Result struct {
	Outcome Outcome        `json:"outcome"`
	Winner  string         `json:"winner,omitempty"`
	Tied    []string       `json:"tied,omitempty"`
	Counts  map[string]int `json:"counts"`
	Voted   int            `json:"voted"`
	Total   int            `json:"total"`
}

// Tally counts votes among participants. Every participant starts as a
// candidate with zero votes; votes naming anyone else are ignored. While some
// participants have not voted and the deadline has not passed the result is
// Incomplete. A shared highest count is always a Tie, never a silent pick.
func Tally(ballots []Ballot, deadlinePassed bool) Result {
	res := Result{
		Counts: make(map[string]int, len(ballots)),
		Total:  len(ballots),
	}
	for _, b := range ballots {
		res.Counts[b.UserID] = 0
	}
	for _, b := range ballots {
		if b.VoteFor == nil {
			continue
		}
		res.Voted++
		if _, ok := res.Counts[*b.VoteFor]; ok {
			res.Counts[*b.VoteFor]++
		}
	}

	if len(ballots) == 0 || (res.Voted < res.Total && !deadlinePassed) {
		res.Outcome = OutcomeIncomplete
		return res
	}

	best := -1
	var leaders []string
	for candidate, n := range res.Counts {
		switch {
		case n > best:
			best = n
			leaders = []string{candidate}
		case n == best:
			leaders = append(leaders, candidate)
		}
	}
	sort.Strings(leaders)

	if len(leaders) == 1 {
		res.Outcome = OutcomeWinner
		res.Winner = leaders[0]
		return res
	}
	res.Outcome = OutcomeTie
	res.Tied = leaders
	return res
}
