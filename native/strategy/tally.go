package strategy

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// Verdict is the resolution of a tally round against a threshold.
type Verdict uint8

const (
	// VerdictOpen means neither side has strictly exceeded the threshold yet.
	VerdictOpen Verdict = iota
	// VerdictAccepted means the supporting weight strictly exceeds the threshold.
	VerdictAccepted
	// VerdictRejected means the opposing weight strictly exceeds the threshold.
	VerdictRejected
)

// VoteTally accumulates weighted for/against votes for one in-flight proposal
// and records who has voted in the current round. Vote records are tagged with
// the round they were cast in, so Reset is O(1): it bumps the round counter
// and stale entries lose by comparison instead of being rewritten.
type VoteTally struct {
	Round        uint64            `json:"round"`
	VotesFor     *big.Int          `json:"votesFor"`
	VotesAgainst *big.Int          `json:"votesAgainst"`
	VotedRound   map[string]uint64 `json:"votedRound,omitempty"`
}

// NewVoteTally returns a tally opened at round one with zeroed totals.
func NewVoteTally() *VoteTally {
	return &VoteTally{
		Round:        1,
		VotesFor:     big.NewInt(0),
		VotesAgainst: big.NewInt(0),
		VotedRound:   make(map[string]uint64),
	}
}

// Clone returns a deep copy of the tally.
func (t *VoteTally) Clone() *VoteTally {
	if t == nil {
		return nil
	}
	clone := &VoteTally{
		Round:        t.Round,
		VotesFor:     big.NewInt(0),
		VotesAgainst: big.NewInt(0),
		VotedRound:   make(map[string]uint64, len(t.VotedRound)),
	}
	if t.VotesFor != nil {
		clone.VotesFor.Set(t.VotesFor)
	}
	if t.VotesAgainst != nil {
		clone.VotesAgainst.Set(t.VotesAgainst)
	}
	for voter, round := range t.VotedRound {
		clone.VotedRound[voter] = round
	}
	return clone
}

func (t *VoteTally) normalize() {
	if t.Round == 0 {
		t.Round = 1
	}
	if t.VotesFor == nil {
		t.VotesFor = big.NewInt(0)
	}
	if t.VotesAgainst == nil {
		t.VotesAgainst = big.NewInt(0)
	}
	if t.VotedRound == nil {
		t.VotedRound = make(map[string]uint64)
	}
}

// Cast records a weighted vote for the current round. A zero weight still
// blocks replay but can never cross a threshold on its own.
func (t *VoteTally) Cast(voter [20]byte, support bool, weight *big.Int) error {
	if t == nil {
		return fmt.Errorf("%w: tally must not be nil", ErrValidation)
	}
	t.normalize()
	key := hex.EncodeToString(voter[:])
	if round, ok := t.VotedRound[key]; ok && round == t.Round {
		return fmt.Errorf("%w: %s already voted in round %d", ErrDuplicateVote, key, t.Round)
	}
	amount := big.NewInt(0)
	if weight != nil {
		if weight.Sign() < 0 {
			return fmt.Errorf("%w: negative vote weight", ErrValidation)
		}
		amount.Set(weight)
	}
	if support {
		t.VotesFor = new(big.Int).Add(t.VotesFor, amount)
	} else {
		t.VotesAgainst = new(big.Int).Add(t.VotesAgainst, amount)
	}
	t.VotedRound[key] = t.Round
	return nil
}

// HasVoted reports whether the address already voted in the current round.
func (t *VoteTally) HasVoted(voter [20]byte) bool {
	if t == nil || t.VotedRound == nil {
		return false
	}
	round, ok := t.VotedRound[hex.EncodeToString(voter[:])]
	return ok && round == t.Round && t.Round > 0
}

// Outcome resolves the tally against the threshold. Crossing is strict: a
// total equal to the threshold keeps the round open.
func (t *VoteTally) Outcome(threshold *big.Int) Verdict {
	if t == nil || threshold == nil {
		return VerdictOpen
	}
	t.normalize()
	if t.VotesFor.Cmp(threshold) > 0 {
		return VerdictAccepted
	}
	if t.VotesAgainst.Cmp(threshold) > 0 {
		return VerdictRejected
	}
	return VerdictOpen
}

// Reset starts a fresh round. Existing vote records stay in place but no
// longer match the round counter, so every participant may vote again.
func (t *VoteTally) Reset() {
	if t == nil {
		return
	}
	t.normalize()
	t.Round++
	t.VotesFor = big.NewInt(0)
	t.VotesAgainst = big.NewInt(0)
}
