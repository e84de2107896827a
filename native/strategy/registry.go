package strategy

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
)

// WeightScale is the fixed-point unit for voting weights and milestone
// percentages: one whole equals 10^18.
var WeightScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// NormalizeContributions converts raw contribution amounts into voting
// weights scaled so the weights sum to WeightScale exactly. The integer
// division leaves a remainder of at most len(contribs)-1 units; it is
// assigned to the largest contributor, ties broken by lowest address, so the
// result is deterministic for any iteration order.
func NormalizeContributions(contribs map[[20]byte]*big.Int) (map[[20]byte]*big.Int, error) {
	if len(contribs) == 0 {
		return nil, fmt.Errorf("%w: no contributions", ErrValidation)
	}
	total := big.NewInt(0)
	addrs := make([][20]byte, 0, len(contribs))
	for addr, amount := range contribs {
		if amount == nil || amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative contribution", ErrValidation)
		}
		total.Add(total, amount)
		addrs = append(addrs, addr)
	}
	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: total contribution is zero", ErrValidation)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})

	weights := make(map[[20]byte]*big.Int, len(addrs))
	assigned := big.NewInt(0)
	largest := addrs[0]
	for _, addr := range addrs {
		weight := new(big.Int).Mul(contribs[addr], WeightScale)
		weight.Div(weight, total)
		weights[addr] = weight
		assigned.Add(assigned, weight)
		if contribs[addr].Cmp(contribs[largest]) > 0 {
			largest = addr
		}
	}
	if remainder := new(big.Int).Sub(WeightScale, assigned); remainder.Sign() > 0 {
		weights[largest] = new(big.Int).Add(weights[largest], remainder)
	}
	return weights, nil
}

// SortedParticipants materialises a deterministic participant list from the
// supplied weights, ordered by address.
func SortedParticipants(weights map[[20]byte]*big.Int) []*Participant {
	addrs := make([][20]byte, 0, len(weights))
	for addr := range weights {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	participants := make([]*Participant, 0, len(addrs))
	for _, addr := range addrs {
		weight := big.NewInt(0)
		if w := weights[addr]; w != nil {
			weight.Set(w)
		}
		participants = append(participants, &Participant{Address: addr, Weight: weight})
	}
	return participants
}
