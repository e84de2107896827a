package strategy

import (
	"fmt"
	"math/big"
)

// Status is the shared lifecycle enum used by recipients, milestone plans and
// individual milestones. The valid transitions differ per entity and are
// enforced by the engine, not by the type.
type Status uint8

const (
	StatusNone Status = iota
	StatusPending
	StatusAccepted
	StatusRejected
	StatusAppealed
	StatusInReview
	StatusCanceled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCanceled
}

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusAppealed:
		return "appealed"
	case StatusInReview:
		return "inReview"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ProjectState gates which operations are legal for a strategy instance.
// Executed and Rejected are terminal.
type ProjectState uint8

const (
	ProjectStateNone ProjectState = iota
	ProjectStateActive
	ProjectStateExecuted
	ProjectStateRejected
)

func (s ProjectState) Valid() bool {
	return s <= ProjectStateRejected
}

func (s ProjectState) String() string {
	switch s {
	case ProjectStateNone:
		return "none"
	case ProjectStateActive:
		return "active"
	case ProjectStateExecuted:
		return "executed"
	case ProjectStateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Participant pairs a contributor address with its normalized voting weight.
// Weights are fixed at project creation and sum to WeightScale exactly.
type Participant struct {
	Address [20]byte `json:"address"`
	Weight  *big.Int `json:"weight"`
}

// Clone returns a deep copy of the participant.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Weight != nil {
		clone.Weight = new(big.Int).Set(p.Weight)
	} else {
		clone.Weight = big.NewInt(0)
	}
	return &clone
}

// Milestone is a percentage share of a recipient's grant, released
// independently once its submission vote passes.
type Milestone struct {
	// Percentage is the WeightScale-scaled share of the grant this milestone
	// releases. The shares of an accepted plan sum to WeightScale exactly.
	Percentage *big.Int   `json:"percentage"`
	Metadata   []byte     `json:"metadata,omitempty"`
	Status     Status     `json:"status"`
	Tally      *VoteTally `json:"tally,omitempty"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Percentage != nil {
		clone.Percentage = new(big.Int).Set(m.Percentage)
	} else {
		clone.Percentage = big.NewInt(0)
	}
	if len(m.Metadata) > 0 {
		clone.Metadata = append([]byte(nil), m.Metadata...)
	}
	clone.Tally = m.Tally.Clone()
	return &clone
}

// Validate ensures the milestone definition is sane prior to persistence. The
// sum-to-one-whole check across a plan happens at review-commit time, not here.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrValidation)
	}
	if m.Percentage == nil || m.Percentage.Sign() <= 0 {
		return fmt.Errorf("%w: milestone percentage must be positive", ErrValidation)
	}
	if m.Percentage.Cmp(WeightScale) > 0 {
		return fmt.Errorf("%w: milestone percentage exceeds one whole unit", ErrValidation)
	}
	return nil
}

// Recipient is the party proposed to receive and execute the project's
// granted funds. The record is created Pending by a registration call and
// either promoted to Accepted or deleted by the recipient review vote.
type Recipient struct {
	ID        [32]byte `json:"id"`
	Address   [20]byte `json:"address"`
	ProfileID [32]byte `json:"profileId"`
	Status    Status   `json:"status"`
	// MilestonesReview tracks the review status of the recipient's milestone
	// plan; Accepted means the plan below is binding.
	MilestonesReview Status       `json:"milestonesReview"`
	GrantAmount      *big.Int     `json:"grantAmount"`
	Metadata         []byte       `json:"metadata,omitempty"`
	Milestones       []*Milestone `json:"milestones,omitempty"`
	// OfferedMilestones is the candidate plan currently under vote. It is
	// replaced wholesale by a new offer and discarded on rejection.
	OfferedMilestones []*Milestone `json:"offeredMilestones,omitempty"`
	// NextMilestone points at the next milestone due for payout. Payouts are
	// strictly sequential regardless of acceptance order.
	NextMilestone int        `json:"nextMilestone"`
	ReviewTally   *VoteTally `json:"reviewTally"`
	OfferTally    *VoteTally `json:"offerTally"`
}

// Clone returns a deep copy of the recipient so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Recipient) Clone() *Recipient {
	if r == nil {
		return nil
	}
	clone := *r
	if r.GrantAmount != nil {
		clone.GrantAmount = new(big.Int).Set(r.GrantAmount)
	} else {
		clone.GrantAmount = big.NewInt(0)
	}
	if len(r.Metadata) > 0 {
		clone.Metadata = append([]byte(nil), r.Metadata...)
	}
	clone.Milestones = cloneMilestones(r.Milestones)
	clone.OfferedMilestones = cloneMilestones(r.OfferedMilestones)
	clone.ReviewTally = r.ReviewTally.Clone()
	clone.OfferTally = r.OfferTally.Clone()
	return &clone
}

func cloneMilestones(list []*Milestone) []*Milestone {
	if len(list) == 0 {
		return nil
	}
	out := make([]*Milestone, len(list))
	for i, ms := range list {
		out[i] = ms.Clone()
	}
	return out
}

// Project is the per-strategy context: registry, supplies, tallies and the
// top-level state machine. One project record exists per escrow instance; no
// process-wide singletons.
type Project struct {
	ID     [32]byte     `json:"id"`
	PoolID [32]byte     `json:"poolId"`
	State  ProjectState `json:"state"`
	// TotalSupply is the sum of all participant weights, fixed at creation.
	TotalSupply *big.Int `json:"totalSupply"`
	// CurrentSupply mirrors the remaining pool value and only ever decreases
	// as milestones are paid or the project is aborted.
	CurrentSupply         *big.Int       `json:"currentSupply"`
	Participants          []*Participant `json:"participants"`
	AcceptedCount         uint32         `json:"acceptedCount"`
	MaxRecipients         uint32         `json:"maxRecipients"`
	ReviewThresholdPct    uint64         `json:"reviewThresholdPct"`
	MilestoneThresholdPct uint64         `json:"milestoneThresholdPct"`
	AbortTally            *VoteTally     `json:"abortTally"`
	CreatedAt             int64          `json:"createdAt"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(p.TotalSupply)
	} else {
		clone.TotalSupply = big.NewInt(0)
	}
	if p.CurrentSupply != nil {
		clone.CurrentSupply = new(big.Int).Set(p.CurrentSupply)
	} else {
		clone.CurrentSupply = big.NewInt(0)
	}
	if len(p.Participants) > 0 {
		clone.Participants = make([]*Participant, len(p.Participants))
		for i, part := range p.Participants {
			clone.Participants[i] = part.Clone()
		}
	}
	clone.AbortTally = p.AbortTally.Clone()
	return &clone
}

// ParticipantWeight returns the normalized weight recorded for the address, or
// zero when the address is not a participant.
func (p *Project) ParticipantWeight(addr [20]byte) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	for _, part := range p.Participants {
		if part != nil && part.Address == addr {
			if part.Weight == nil {
				return big.NewInt(0)
			}
			return new(big.Int).Set(part.Weight)
		}
	}
	return big.NewInt(0)
}

// Threshold converts a percentage into absolute weight units. A tally passes
// only when the accumulated weight strictly exceeds this value.
func (p *Project) Threshold(pct uint64) *big.Int {
	if p == nil || p.TotalSupply == nil {
		return big.NewInt(0)
	}
	threshold := new(big.Int).Mul(p.TotalSupply, new(big.Int).SetUint64(pct))
	return threshold.Div(threshold, big.NewInt(100))
}
