// Package bids implements the bid lifecycle and the bid-to-contract
// transition. Acceptance is the critical path: it must reject every sibling,
// flip the project in progress and create the contract with pre-computed
// milestone shares in one store transaction, so at most one bid per project
// can ever win.
package bids

import (
	"strings"

	"gigvault/core/fault"
	"gigvault/core/types"
)

// BidStatus is the lifecycle state of a bid. Pending is the only mutable
// state; accept, reject and withdraw are terminal.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidWithdrawn BidStatus = "withdrawn"
)

// Valid reports whether the status is known.
func (s BidStatus) Valid() bool {
	switch s {
	case BidPending, BidAccepted, BidRejected, BidWithdrawn:
		return true
	default:
		return false
	}
}

// AutoRejectReason marks sibling bids rejected when a competitor is accepted.
const AutoRejectReason = "auto_rejected_on_competitor_acceptance"

// Bid is a proposer's offer on an open project.
type Bid struct {
	ID              types.ID         `json:"id"`
	ProjectID       types.ID         `json:"project_id"`
	Proposer        types.AccountRef `json:"proposer"`
	Price           types.Amount     `json:"price"`
	ETADays         int              `json:"eta_days"`
	Pitch           string           `json:"pitch,omitempty"`
	Status          BidStatus        `json:"status"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	ContractID      types.ID         `json:"contract_id,omitempty"`
	CreatedAt       int64            `json:"created_at"`
	UpdatedAt       int64            `json:"updated_at"`
}

// Validate checks the submission-time fields.
func (b Bid) Validate() error {
	if err := b.Proposer.Validate(); err != nil {
		return err
	}
	if b.ProjectID.IsZero() {
		return fault.InvalidState("bid requires a project id")
	}
	if b.Price <= 0 {
		return fault.InvalidState("bid price must be positive")
	}
	if b.ETADays < 0 {
		return fault.InvalidState("bid eta cannot be negative")
	}
	if strings.TrimSpace(b.Pitch) == "" {
		return fault.InvalidState("bid requires a pitch")
	}
	return nil
}
