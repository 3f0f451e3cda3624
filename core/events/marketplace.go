package events

import (
	"strconv"

	"gigvault/core/types"
)

const (
	TypeBidSubmitted      = "bid.submitted"
	TypeBidWithdrawn      = "bid.withdrawn"
	TypeBidRejected       = "bid.rejected"
	TypeBidAccepted       = "bid.accepted"
	TypeContractCreated   = "contract.created"
	TypeEscrowDeposited   = "escrow.deposited"
	TypeEscrowRefunded    = "escrow.refunded"
	TypeMilestoneApproved = "milestone.approved"
	TypeMilestoneReleased = "milestone.released"
	TypeMilestonePartial  = "milestone.partially_released"
	TypeDisputeOpened     = "dispute.opened"
	TypeDisputeResolved   = "dispute.resolved"
	TypeProjectQuarantine = "project.quarantined"
)

// BidAccepted is emitted after the accept transaction commits, alongside the
// contract it created.
type BidAccepted struct {
	ProjectID    types.ID
	BidID        types.ID
	ContractID   types.ID
	Assignee     types.AccountRef
	Price        types.Amount
	RejectedBids []types.ID
}

func (BidAccepted) EventType() string { return TypeBidAccepted }

// Event renders the canonical attribute payload.
func (e BidAccepted) Event() *types.Event {
	attrs := map[string]string{
		"projectId":  e.ProjectID.String(),
		"bidId":      e.BidID.String(),
		"contractId": e.ContractID.String(),
		"assignee":   e.Assignee.String(),
		"price":      strconv.FormatInt(int64(e.Price), 10),
	}
	return &types.Event{Type: TypeBidAccepted, Attributes: attrs}
}

// EscrowDeposited is emitted when client funds land in a project escrow.
type EscrowDeposited struct {
	ProjectID     types.ID
	ClientID      types.ID
	Amount        types.Amount
	EscrowBalance types.Amount
	TransactionID types.ID
}

func (EscrowDeposited) EventType() string { return TypeEscrowDeposited }

func (e EscrowDeposited) Event() *types.Event {
	return &types.Event{Type: TypeEscrowDeposited, Attributes: map[string]string{
		"projectId":     e.ProjectID.String(),
		"clientId":      e.ClientID.String(),
		"amount":        strconv.FormatInt(int64(e.Amount), 10),
		"escrowBalance": strconv.FormatInt(int64(e.EscrowBalance), 10),
		"transactionId": e.TransactionID.String(),
	}}
}

// MilestoneReleased is emitted when a milestone share moves from escrow to the
// assignee.
type MilestoneReleased struct {
	ProjectID     types.ID
	MilestoneID   types.ID
	Amount        types.Amount
	Cumulative    types.Amount
	Partial       bool
	TransactionID types.ID
}

func (e MilestoneReleased) EventType() string {
	if e.Partial {
		return TypeMilestonePartial
	}
	return TypeMilestoneReleased
}

func (e MilestoneReleased) Event() *types.Event {
	return &types.Event{Type: e.EventType(), Attributes: map[string]string{
		"projectId":     e.ProjectID.String(),
		"milestoneId":   e.MilestoneID.String(),
		"amount":        strconv.FormatInt(int64(e.Amount), 10),
		"cumulative":    strconv.FormatInt(int64(e.Cumulative), 10),
		"transactionId": e.TransactionID.String(),
	}}
}

// DisputeOpened is emitted when a project transitions to disputed.
type DisputeOpened struct {
	DisputeID   types.ID
	ProjectID   types.ID
	InitiatorID types.ID
	Reason      string
}

func (DisputeOpened) EventType() string { return TypeDisputeOpened }

func (e DisputeOpened) Event() *types.Event {
	return &types.Event{Type: TypeDisputeOpened, Attributes: map[string]string{
		"disputeId":   e.DisputeID.String(),
		"projectId":   e.ProjectID.String(),
		"initiatorId": e.InitiatorID.String(),
		"reason":      e.Reason,
	}}
}

// DisputeResolved is emitted after an admin resolution settles.
type DisputeResolved struct {
	DisputeID    types.ID
	ProjectID    types.ID
	AdminID      types.ID
	Outcome      string
	Transactions []types.ID
}

func (DisputeResolved) EventType() string { return TypeDisputeResolved }

func (e DisputeResolved) Event() *types.Event {
	attrs := map[string]string{
		"disputeId": e.DisputeID.String(),
		"projectId": e.ProjectID.String(),
		"adminId":   e.AdminID.String(),
		"outcome":   e.Outcome,
	}
	for i, id := range e.Transactions {
		attrs["transactionId."+strconv.Itoa(i)] = id.String()
	}
	return &types.Event{Type: TypeDisputeResolved, Attributes: attrs}
}

// ProjectQuarantined is emitted when an invariant violation freezes a project.
type ProjectQuarantined struct {
	ProjectID types.ID
	Reason    string
}

func (ProjectQuarantined) EventType() string { return TypeProjectQuarantine }

func (e ProjectQuarantined) Event() *types.Event {
	return &types.Event{Type: TypeProjectQuarantine, Attributes: map[string]string{
		"projectId": e.ProjectID.String(),
		"reason":    e.Reason,
	}}
}
