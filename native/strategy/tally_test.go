package strategy

import (
	"errors"
	"math/big"
	"testing"
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func TestVoteTallyDuplicateVote(t *testing.T) {
	tally := NewVoteTally()
	voter := testAddr(1)
	if err := tally.Cast(voter, true, big.NewInt(10)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	err := tally.Cast(voter, false, big.NewInt(10))
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if tally.VotesFor.Cmp(big.NewInt(10)) != 0 || tally.VotesAgainst.Sign() != 0 {
		t.Fatalf("rejected revote must not change totals: for=%s against=%s", tally.VotesFor, tally.VotesAgainst)
	}
}

func TestVoteTallyStrictThreshold(t *testing.T) {
	tally := NewVoteTally()
	threshold := big.NewInt(70)
	if err := tally.Cast(testAddr(1), true, big.NewInt(40)); err != nil {
		t.Fatal(err)
	}
	if err := tally.Cast(testAddr(2), true, big.NewInt(30)); err != nil {
		t.Fatal(err)
	}
	// Exactly at the threshold keeps the round open.
	if got := tally.Outcome(threshold); got != VerdictOpen {
		t.Fatalf("outcome at threshold = %d, want open", got)
	}
	if err := tally.Cast(testAddr(3), true, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	if got := tally.Outcome(threshold); got != VerdictAccepted {
		t.Fatalf("outcome above threshold = %d, want accepted", got)
	}
}

func TestVoteTallyRejectOutcome(t *testing.T) {
	tally := NewVoteTally()
	if err := tally.Cast(testAddr(1), false, big.NewInt(80)); err != nil {
		t.Fatal(err)
	}
	if got := tally.Outcome(big.NewInt(70)); got != VerdictRejected {
		t.Fatalf("outcome = %d, want rejected", got)
	}
}

func TestVoteTallyResetReopensVoting(t *testing.T) {
	tally := NewVoteTally()
	voter := testAddr(7)
	if err := tally.Cast(voter, true, big.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	if !tally.HasVoted(voter) {
		t.Fatal("voter should be recorded for the current round")
	}
	tally.Reset()
	if tally.HasVoted(voter) {
		t.Fatal("reset must clear the voted flag for the new round")
	}
	if tally.VotesFor.Sign() != 0 || tally.VotesAgainst.Sign() != 0 {
		t.Fatal("reset must zero the totals")
	}
	if err := tally.Cast(voter, false, big.NewInt(5)); err != nil {
		t.Fatalf("revote after reset: %v", err)
	}
}

func TestVoteTallyZeroWeightBlocksReplayOnly(t *testing.T) {
	tally := NewVoteTally()
	voter := testAddr(9)
	if err := tally.Cast(voter, true, big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if got := tally.Outcome(big.NewInt(0)); got != VerdictOpen {
		t.Fatalf("zero weight must not cross a zero threshold strictly, got %d", got)
	}
	if err := tally.Cast(voter, true, big.NewInt(1)); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("zero-weight vote must still block replay, got %v", err)
	}
}

func TestVoteTallyNegativeWeight(t *testing.T) {
	tally := NewVoteTally()
	if err := tally.Cast(testAddr(1), true, big.NewInt(-1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for negative weight, got %v", err)
	}
}

func TestVoteTallyCloneIndependence(t *testing.T) {
	tally := NewVoteTally()
	if err := tally.Cast(testAddr(1), true, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	clone := tally.Clone()
	clone.VotesFor.Add(clone.VotesFor, big.NewInt(5))
	clone.VotedRound["ff"] = 1
	if tally.VotesFor.Cmp(big.NewInt(10)) != 0 {
		t.Fatal("mutating the clone leaked into the original totals")
	}
	if _, ok := tally.VotedRound["ff"]; ok {
		t.Fatal("mutating the clone leaked into the original vote records")
	}
}
