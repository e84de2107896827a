package strategy

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"grantpool/core/types"
)

const (
	EventTypeRecipientStatusChanged   = "strategy.recipient.statusChanged"
	EventTypeMilestonesOffered        = "strategy.milestones.offered"
	EventTypeMilestonesReviewed       = "strategy.milestones.reviewed"
	EventTypeMilestonesReset          = "strategy.milestones.reset"
	EventTypeMilestoneSubmitted       = "strategy.milestone.submitted"
	EventTypeSubmittedMilestoneReview = "strategy.milestone.reviewed"
	EventTypeMilestoneStatusChanged   = "strategy.milestone.statusChanged"
	EventTypeMilestonePaid            = "strategy.milestone.paid"
	EventTypeProjectRejected          = "strategy.project.rejected"
	EventTypeProjectRejectDeclined    = "strategy.project.rejectDeclined"
)

func baseAttributes(projectID, recipientID [32]byte) map[string]string {
	return map[string]string{
		"project":   hex.EncodeToString(projectID[:]),
		"recipient": hex.EncodeToString(recipientID[:]),
	}
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// NewRecipientStatusChangedEvent reports a recipient lifecycle transition.
func NewRecipientStatusChangedEvent(projectID, recipientID [32]byte, status Status) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["status"] = status.String()
	return &types.Event{Type: EventTypeRecipientStatusChanged, Attributes: attrs}
}

// NewMilestonesOfferedEvent reports a new candidate milestone plan.
func NewMilestonesOfferedEvent(projectID, recipientID [32]byte, count int) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["milestones"] = strconv.Itoa(count)
	return &types.Event{Type: EventTypeMilestonesOffered, Attributes: attrs}
}

// NewMilestonesReviewedEvent reports the resolution of a milestone offer.
func NewMilestonesReviewedEvent(projectID, recipientID [32]byte, status Status) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["status"] = status.String()
	return &types.Event{Type: EventTypeMilestonesReviewed, Attributes: attrs}
}

// NewMilestonesResetEvent reports that an in-flight offer was replaced.
func NewMilestonesResetEvent(projectID, recipientID [32]byte) *types.Event {
	return &types.Event{Type: EventTypeMilestonesReset, Attributes: baseAttributes(projectID, recipientID)}
}

// NewMilestoneSubmittedEvent reports evidence submitted for a milestone.
func NewMilestoneSubmittedEvent(projectID, recipientID [32]byte, index int) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["milestone"] = strconv.Itoa(index)
	return &types.Event{Type: EventTypeMilestoneSubmitted, Attributes: attrs}
}

// NewSubmittedMilestoneReviewedEvent reports a ballot on a pending milestone.
func NewSubmittedMilestoneReviewedEvent(projectID, recipientID [32]byte, index int, verdict Status) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["milestone"] = strconv.Itoa(index)
	attrs["verdict"] = verdict.String()
	return &types.Event{Type: EventTypeSubmittedMilestoneReview, Attributes: attrs}
}

// NewMilestoneStatusChangedEvent reports a milestone status transition.
func NewMilestoneStatusChangedEvent(projectID, recipientID [32]byte, index int, status Status) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["milestone"] = strconv.Itoa(index)
	attrs["status"] = status.String()
	return &types.Event{Type: EventTypeMilestoneStatusChanged, Attributes: attrs}
}

// NewMilestonePaidEvent reports a milestone payout leaving the pool.
func NewMilestonePaidEvent(projectID, recipientID [32]byte, index int, amount *big.Int) *types.Event {
	attrs := baseAttributes(projectID, recipientID)
	attrs["milestone"] = strconv.Itoa(index)
	attrs["amount"] = formatAmount(amount)
	return &types.Event{Type: EventTypeMilestonePaid, Attributes: attrs}
}

// NewProjectRejectedEvent reports a passed abort vote and the swept balance.
func NewProjectRejectedEvent(projectID [32]byte, refunded *big.Int) *types.Event {
	return &types.Event{Type: EventTypeProjectRejected, Attributes: map[string]string{
		"project":  hex.EncodeToString(projectID[:]),
		"refunded": formatAmount(refunded),
	}}
}

// NewProjectRejectDeclinedEvent reports a declined abort vote.
func NewProjectRejectDeclinedEvent(projectID [32]byte) *types.Event {
	return &types.Event{Type: EventTypeProjectRejectDeclined, Attributes: map[string]string{
		"project": hex.EncodeToString(projectID[:]),
	}}
}
