package strategy

import (
	"fmt"
	"math/big"

	"grantpool/core/types"
)

// canActForRecipient reports whether the caller may act on the recipient's
// behalf: the payout address itself, a holder of the executor capability, or
// an owner/member of the recipient's profile.
func (e *Engine) canActForRecipient(projectID [32]byte, recipient *Recipient, caller [20]byte) (bool, error) {
	if caller == recipient.Address {
		return true, nil
	}
	executor, err := e.roles.HasCapability(caller, ExecutorCapability(projectID))
	if err != nil {
		return false, err
	}
	if executor {
		return true, nil
	}
	if e.profiles == nil {
		return false, nil
	}
	return e.profiles.IsOwnerOrMember(recipient.ProfileID, caller)
}

// OfferMilestones proposes a milestone plan for an accepted recipient. Any
// in-flight offer is replaced and its tally reset. The proposer's own weight
// is cast as an immediate accept vote; for a non-participant proposer that
// weight is zero and only blocks replay.
func (e *Engine) OfferMilestones(projectID, recipientID [32]byte, caller [20]byte, milestones []*Milestone) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return err
	}
	if recipient.Status != StatusAccepted {
		return fmt.Errorf("%w: recipient is %s", ErrInvalidState, recipient.Status)
	}
	if recipient.MilestonesReview == StatusAccepted {
		return fmt.Errorf("%w: milestone plan already locked", ErrInvalidState)
	}

	participant, err := e.isParticipant(projectID, caller)
	if err != nil {
		return err
	}
	if !participant {
		allowed, err := e.canActForRecipient(projectID, recipient, caller)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: caller may not offer milestones", ErrUnauthorized)
		}
	}

	if len(milestones) == 0 {
		return fmt.Errorf("%w: milestone plan must not be empty", ErrValidation)
	}
	offered := make([]*Milestone, len(milestones))
	for i, ms := range milestones {
		if err := ms.Validate(); err != nil {
			return err
		}
		clone := ms.Clone()
		clone.Status = StatusNone
		clone.Tally = NewVoteTally()
		offered[i] = clone
	}

	var pending []*types.Event
	if len(recipient.OfferedMilestones) > 0 {
		recipient.OfferTally.Reset()
		pending = append(pending, NewMilestonesResetEvent(projectID, recipientID))
	}
	recipient.OfferedMilestones = offered
	pending = append(pending, NewMilestonesOfferedEvent(projectID, recipientID, len(offered)))

	// Self-vote: the proposer spends its weight on its own offer.
	weight := project.ParticipantWeight(caller)
	if err := recipient.OfferTally.Cast(caller, true, weight); err != nil {
		return err
	}
	return e.resolveOffer(project, recipient, pending...)
}

// ReviewOfferedMilestones casts the caller's weight for or against the
// in-flight milestone offer.
func (e *Engine) ReviewOfferedMilestones(projectID, recipientID [32]byte, caller [20]byte, verdict Status) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	if err := requireVerdict(verdict); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(projectID, caller); err != nil {
		return err
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return err
	}
	if recipient.Status != StatusAccepted {
		return fmt.Errorf("%w: recipient is %s", ErrInvalidState, recipient.Status)
	}
	if len(recipient.OfferedMilestones) == 0 {
		return fmt.Errorf("%w: no milestone offer in flight", ErrInvalidState)
	}

	weight := project.ParticipantWeight(caller)
	if err := recipient.OfferTally.Cast(caller, verdict == StatusAccepted, weight); err != nil {
		return err
	}
	return e.resolveOffer(project, recipient)
}

// resolveOffer applies the offer tally outcome and persists the recipient.
// The sum-to-one-whole check happens before any commit, so a malformed plan
// aborts the entire operation with the review status unchanged. Events in
// pending are held back until the persist succeeds: an aborted operation
// must not have been observed at all.
func (e *Engine) resolveOffer(project *Project, recipient *Recipient, pending ...*types.Event) error {
	switch recipient.OfferTally.Outcome(project.Threshold(project.MilestoneThresholdPct)) {
	case VerdictAccepted:
		total := big.NewInt(0)
		for _, ms := range recipient.OfferedMilestones {
			total.Add(total, ms.Percentage)
		}
		if total.Cmp(WeightScale) != 0 {
			return fmt.Errorf("%w: milestone percentages sum to %s, want %s", ErrValidation, total, WeightScale)
		}
		recipient.Milestones = recipient.OfferedMilestones
		recipient.OfferedMilestones = nil
		recipient.MilestonesReview = StatusAccepted
		recipient.NextMilestone = 0
		recipient.OfferTally.Reset()
		if err := e.state.RecipientPut(project.ID, recipient); err != nil {
			return err
		}
		e.emitAll(pending)
		e.emit(NewMilestonesReviewedEvent(project.ID, recipient.ID, StatusAccepted))
	case VerdictRejected:
		recipient.OfferedMilestones = nil
		recipient.OfferTally.Reset()
		if err := e.state.RecipientPut(project.ID, recipient); err != nil {
			return err
		}
		e.emitAll(pending)
		e.emit(NewMilestonesReviewedEvent(project.ID, recipient.ID, StatusRejected))
	default:
		if err := e.state.RecipientPut(project.ID, recipient); err != nil {
			return err
		}
		e.emitAll(pending)
	}
	return nil
}

// SubmitMilestone records evidence for a milestone of the locked plan and
// opens (or reopens) its submission vote. A submitter that also holds the
// participant capability immediately backs the submission with its own
// weight.
func (e *Engine) SubmitMilestone(projectID, recipientID [32]byte, caller [20]byte, index int, evidence []byte) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return err
	}
	if recipient.Status != StatusAccepted {
		return fmt.Errorf("%w: recipient is %s", ErrInvalidState, recipient.Status)
	}
	if recipient.MilestonesReview != StatusAccepted {
		return fmt.Errorf("%w: milestone plan not locked", ErrInvalidState)
	}
	if index < 0 || index >= len(recipient.Milestones) {
		return fmt.Errorf("%w: milestone index %d out of bounds", ErrValidation, index)
	}
	milestone := recipient.Milestones[index]
	if milestone.Status == StatusAccepted {
		return fmt.Errorf("%w: milestone already accepted", ErrInvalidState)
	}

	participant, err := e.isParticipant(projectID, caller)
	if err != nil {
		return err
	}
	if !participant {
		allowed, err := e.canActForRecipient(projectID, recipient, caller)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: caller may not submit milestones", ErrUnauthorized)
		}
	}

	// A resubmission starts a fresh vote round; stale ballots are discarded.
	milestone.Tally = NewVoteTally()
	milestone.Metadata = append([]byte(nil), evidence...)
	milestone.Status = StatusPending
	submitted := NewMilestoneSubmittedEvent(projectID, recipientID, index)

	if participant {
		weight := project.ParticipantWeight(caller)
		if err := milestone.Tally.Cast(caller, true, weight); err != nil {
			return err
		}
		return e.resolveSubmission(project, recipient, index, submitted)
	}
	if err := e.state.RecipientPut(projectID, recipient); err != nil {
		return err
	}
	e.emit(submitted)
	return nil
}

// ReviewSubmittedMilestone casts the caller's weight for or against a pending
// milestone submission. Acceptance triggers the payout path; rejection clears
// the submission so the recipient can resubmit.
func (e *Engine) ReviewSubmittedMilestone(projectID, recipientID [32]byte, caller [20]byte, index int, verdict Status) error {
	if err := e.requireDeps(); err != nil {
		return err
	}
	if err := requireVerdict(verdict); err != nil {
		return err
	}
	project, err := e.loadActiveProject(projectID)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(projectID, caller); err != nil {
		return err
	}
	recipient, err := e.loadRecipient(projectID, recipientID)
	if err != nil {
		return err
	}
	if recipient.Status != StatusAccepted {
		return fmt.Errorf("%w: recipient is %s", ErrInvalidState, recipient.Status)
	}
	if index < 0 || index >= len(recipient.Milestones) {
		return fmt.Errorf("%w: milestone index %d out of bounds", ErrValidation, index)
	}
	milestone := recipient.Milestones[index]
	if milestone.Status != StatusPending {
		return fmt.Errorf("%w: milestone is %s, want pending", ErrInvalidState, milestone.Status)
	}

	weight := project.ParticipantWeight(caller)
	if err := milestone.Tally.Cast(caller, verdict == StatusAccepted, weight); err != nil {
		return err
	}
	return e.resolveSubmission(project, recipient, index,
		NewSubmittedMilestoneReviewedEvent(projectID, recipientID, index, verdict))
}

// resolveSubmission applies the submission tally outcome. On acceptance the
// milestone is marked Accepted and the payout pipeline (allocate, distribute)
// runs; every internal transition commits before the ledger transfer fires.
// Events in pending are held back until the persist succeeds.
func (e *Engine) resolveSubmission(project *Project, recipient *Recipient, index int, pending ...*types.Event) error {
	milestone := recipient.Milestones[index]
	switch milestone.Tally.Outcome(project.Threshold(project.MilestoneThresholdPct)) {
	case VerdictAccepted:
		milestone.Status = StatusAccepted
		milestone.Tally.Reset()
		pending = append(pending, NewMilestoneStatusChangedEvent(project.ID, recipient.ID, index, StatusAccepted))
		return e.distribute(project, recipient, pending)
	case VerdictRejected:
		milestone.Status = StatusRejected
		milestone.Tally.Reset()
		if err := e.state.RecipientPut(project.ID, recipient); err != nil {
			return err
		}
		e.emitAll(pending)
		e.emit(NewMilestoneStatusChangedEvent(project.ID, recipient.ID, index, StatusRejected))
		return nil
	default:
		if err := e.state.RecipientPut(project.ID, recipient); err != nil {
			return err
		}
		e.emitAll(pending)
		return nil
	}
}

// allocate computes the payout for an accepted milestone and verifies the
// internal accounting can cover it. Self-invoked only.
func (e *Engine) allocate(project *Project, recipient *Recipient, milestone *Milestone) (*big.Int, error) {
	payout := new(big.Int).Mul(recipient.GrantAmount, milestone.Percentage)
	payout.Div(payout, WeightScale)
	info, err := e.ledger.PoolInfo(project.PoolID)
	if err != nil {
		return nil, err
	}
	balance := big.NewInt(0)
	if info.Balance != nil {
		balance.Set(info.Balance)
	}
	if payout.Cmp(balance) > 0 || payout.Cmp(project.CurrentSupply) > 0 {
		return nil, fmt.Errorf("%w: payout %s exceeds remaining pool", ErrCapacity, payout)
	}
	return payout, nil
}

// distribute pays the milestone at the next-due pointer, never an arbitrary
// accepted one, and drains consecutively accepted milestones so an
// out-of-order acceptance is paid the moment the pointer reaches it. Payout
// order is therefore strictly sequential. Self-invoked only.
func (e *Engine) distribute(project *Project, recipient *Recipient, pending []*types.Event) error {
	type payout struct {
		index  int
		amount *big.Int
	}
	var payouts []payout
	for recipient.NextMilestone < len(recipient.Milestones) {
		due := recipient.Milestones[recipient.NextMilestone]
		if due.Status != StatusAccepted {
			break
		}
		amount, err := e.allocate(project, recipient, due)
		if err != nil {
			return err
		}
		project.CurrentSupply = new(big.Int).Sub(project.CurrentSupply, amount)
		payouts = append(payouts, payout{index: recipient.NextMilestone, amount: amount})
		recipient.NextMilestone++
	}
	if recipient.NextMilestone == len(recipient.Milestones) && len(recipient.Milestones) > 0 {
		project.State = ProjectStateExecuted
	}

	// Commit the advanced pointer, the reduced supply and the terminal state
	// before any value moves; a transfer hook calling back in sees only
	// post-transition state.
	if err := e.state.RecipientPut(project.ID, recipient); err != nil {
		return err
	}
	if err := e.state.ProjectPut(project); err != nil {
		return err
	}
	e.emitAll(pending)
	for _, p := range payouts {
		if p.amount.Sign() == 0 {
			continue
		}
		if err := e.ledger.Transfer(project.PoolID, recipient.Address, p.amount); err != nil {
			return err
		}
		e.emit(NewMilestonePaidEvent(project.ID, recipient.ID, p.index, p.amount))
	}
	return nil
}
