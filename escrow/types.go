// Package escrow implements the contract and milestone core of the
// marketplace: the documents describing users, teams, projects, contracts and
// milestones, the milestone state machine, and the engine that moves client
// money from wallet to escrow to assignee under a single store transaction
// per operation.
package escrow

import (
	"fmt"
	"strings"

	"gigvault/core/types"
)

// Role classifies marketplace users.
type Role string

const (
	RoleStudent Role = "student"
	RoleClient  Role = "client"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is supported.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleClient, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is a marketplace account holding a wallet in integer minor units.
// InitialBalance records the wallet's seed so reconciliation can compare the
// ledger delta against the stored balance.
type User struct {
	ID             types.ID     `json:"id"`
	Role           Role         `json:"role"`
	WalletBalance  types.Amount `json:"wallet_balance"`
	InitialBalance types.Amount `json:"initial_balance"`
	Verified       bool         `json:"verified"`
}

// TeamMemberRole tags a member inside a team.
type TeamMemberRole string

const (
	TeamLead   TeamMemberRole = "lead"
	TeamMember TeamMemberRole = "member"
)

// TeamMembership links a user into a team.
type TeamMembership struct {
	UserID types.ID       `json:"user_id"`
	Role   TeamMemberRole `json:"role"`
}

// Team is an opaque payee: payouts land on the team wallet and intra-team
// distribution stays outside the core.
type Team struct {
	ID                types.ID         `json:"id"`
	OwnerUserID       types.ID         `json:"owner_user_id"`
	TeamWalletBalance types.Amount     `json:"team_wallet_balance"`
	InitialBalance    types.Amount     `json:"initial_balance"`
	Members           []TeamMembership `json:"members"`
}

// Validate checks the structural team invariants.
func (t *Team) Validate() error {
	if t == nil {
		return fmt.Errorf("nil team")
	}
	if t.OwnerUserID.IsZero() {
		return fmt.Errorf("team owner required")
	}
	if t.TeamWalletBalance < 0 {
		return fmt.Errorf("team wallet must be non-negative")
	}
	for _, m := range t.Members {
		if m.UserID == t.OwnerUserID {
			return nil
		}
	}
	return fmt.Errorf("team owner must be a member")
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
	ProjectDisputed   ProjectStatus = "disputed"
)

// Valid reports whether the status value is supported.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectDraft, ProjectOpen, ProjectInProgress, ProjectCompleted, ProjectCancelled, ProjectDisputed:
		return true
	default:
		return false
	}
}

// PlannedMilestone is a milestone definition attached to a project before any
// contract exists. Shares are computed from these percentages at contract
// creation and never recomputed afterwards.
type PlannedMilestone struct {
	Title   string        `json:"title"`
	Percent types.Percent `json:"percentage"`
	DueDate int64         `json:"due_date"`
}

// Project is a client's posting. EscrowBalance is the project's pseudo-account
// and is mutated only through the ledger.
type Project struct {
	ID            types.ID           `json:"id"`
	ClientID      types.ID           `json:"client_id"`
	Title         string             `json:"title"`
	Status        ProjectStatus      `json:"status"`
	EscrowBalance types.Amount       `json:"escrow_balance"`
	AcceptedBidID types.ID           `json:"accepted_bid_id,omitempty"`
	Assignee      *types.AccountRef  `json:"assignee,omitempty"`
	BidCount      int                `json:"bid_count"`
	BidIDs        []types.ID         `json:"bid_ids,omitempty"`
	Milestones    []PlannedMilestone `json:"milestones,omitempty"`
	Quarantined   bool               `json:"quarantined"`
	CreatedAt     int64              `json:"created_at"`
}

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
	ContractDisputed  ContractStatus = "disputed"
)

// Contract binds an accepted bid to a project. TotalAmount equals the
// accepted bid's price at creation time and is immutable; only Status and
// ClosedAt ever change.
type Contract struct {
	ID            types.ID         `json:"id"`
	ProjectID     types.ID         `json:"project_id"`
	AcceptedBidID types.ID         `json:"accepted_bid_id"`
	ClientID      types.ID         `json:"client_id"`
	Assignee      types.AccountRef `json:"assignee"`
	TotalAmount   types.Amount     `json:"total_amount"`
	Status        ContractStatus   `json:"status"`
	MilestoneIDs  []types.ID       `json:"milestone_ids"`
	StartedAt     int64            `json:"started_at"`
	ClosedAt      int64            `json:"closed_at,omitempty"`
}

// MilestoneStatus is the state machine position of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneReleased   MilestoneStatus = "released"
	MilestoneCancelled  MilestoneStatus = "cancelled"
)

// Valid reports whether the status value is supported.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneSubmitted, MilestoneApproved, MilestoneReleased, MilestoneCancelled:
		return true
	default:
		return false
	}
}

// Milestone is a payable slice of a contract. Share is precomputed at
// contract creation with the remainder-to-last rule so every release of the
// same milestone observes the same amount.
type Milestone struct {
	ID                 types.ID        `json:"id"`
	ContractID         types.ID        `json:"contract_id"`
	ProjectID          types.ID        `json:"project_id"`
	Order              int             `json:"order"`
	Title              string          `json:"title"`
	Percent            types.Percent   `json:"percentage"`
	Share              types.Amount    `json:"share"`
	Status             MilestoneStatus `json:"status"`
	DueDate            int64           `json:"due_date,omitempty"`
	ReleasedAmount     *types.Amount   `json:"released_amount,omitempty"`
	CumulativeReleased types.Amount    `json:"cumulative_released"`
	RejectionCount     int             `json:"rejection_count"`
	Feedback           string          `json:"feedback,omitempty"`
	Artifacts          []string        `json:"artifacts,omitempty"`
	UpdatedAt          int64           `json:"updated_at"`
}

// Remaining returns the unreleased part of the milestone's share.
func (m *Milestone) Remaining() types.Amount {
	return m.Share - m.CumulativeReleased
}

// SanitizeProject validates a project document before persistence.
func SanitizeProject(p *Project) error {
	if p == nil {
		return fmt.Errorf("nil project")
	}
	if p.ClientID.IsZero() {
		return fmt.Errorf("project client required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid project status %q", p.Status)
	}
	if p.EscrowBalance < 0 {
		return fmt.Errorf("project escrow must be non-negative")
	}
	if len(p.Milestones) > 0 {
		var sum types.Percent
		for i, pm := range p.Milestones {
			if strings.TrimSpace(pm.Title) == "" {
				return fmt.Errorf("milestone %d title required", i+1)
			}
			if !pm.Percent.Valid() || pm.Percent == 0 {
				return fmt.Errorf("milestone %d percentage out of range", i+1)
			}
			sum += pm.Percent
		}
		if sum != types.PercentFull {
			return fmt.Errorf("milestone percentages must sum to 100%%")
		}
	}
	return nil
}
