// Package dispute implements the dispute coordinator: freezing an in-progress
// project, recording an admin resolution and driving the escrow engine's
// admin operations to settle the money.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gigvault/core/events"
	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/escrow"
	"gigvault/outbox"
	"gigvault/storage"
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// OutcomeKind names a resolution.
type OutcomeKind string

const (
	OutcomeRefundClient      OutcomeKind = "refund_client"
	OutcomeReleaseToAssignee OutcomeKind = "release_to_assignee"
	OutcomeSplit             OutcomeKind = "split"
)

// Outcome is an admin's resolution decision. Exactly the fields for its kind
// are read.
type Outcome struct {
	Kind           OutcomeKind  `json:"kind"`
	Amount         types.Amount `json:"amount,omitempty"`
	MilestoneID    types.ID     `json:"milestone_id,omitempty"`
	ClientAmount   types.Amount `json:"client_amount,omitempty"`
	AssigneeAmount types.Amount `json:"assignee_amount,omitempty"`
}

// Validate checks the outcome's fields for its kind.
func (o Outcome) Validate() error {
	switch o.Kind {
	case OutcomeRefundClient:
		if o.Amount <= 0 {
			return fault.InvalidState("refund outcome requires a positive amount")
		}
	case OutcomeReleaseToAssignee:
		if o.MilestoneID.IsZero() {
			return fault.InvalidState("release outcome requires a milestone id")
		}
	case OutcomeSplit:
		if o.ClientAmount < 0 || o.AssigneeAmount < 0 || o.ClientAmount+o.AssigneeAmount <= 0 {
			return fault.InvalidState("split outcome requires non-negative amounts summing above zero")
		}
	default:
		return fault.InvalidState(fmt.Sprintf("unknown dispute outcome %q", o.Kind))
	}
	return nil
}

// Dispute is the persisted record of a frozen project awaiting resolution.
type Dispute struct {
	ID             types.ID    `json:"id"`
	ProjectID      types.ID    `json:"project_id"`
	ContractID     types.ID    `json:"contract_id,omitempty"`
	InitiatorID    types.ID    `json:"initiator_id"`
	Reason         string      `json:"reason"`
	Status         Status      `json:"status"`
	Outcome        OutcomeKind `json:"outcome,omitempty"`
	ResolvedBy     types.ID    `json:"resolved_by,omitempty"`
	TransactionIDs []types.ID  `json:"transaction_ids,omitempty"`
	OpenedAt       int64       `json:"opened_at"`
	ResolvedAt     int64       `json:"resolved_at,omitempty"`
}

// Auditor records dispute resolutions for the audit trail.
type Auditor interface {
	Record(ctx context.Context, projectID, actorID, kind, detail string) error
}

// Coordinator freezes projects and settles disputes through the escrow
// engine's admin surface.
type Coordinator struct {
	store      *storage.Store
	escrow     *escrow.Engine
	emitter    events.Emitter
	log        *slog.Logger
	auditor    Auditor
	nowFn      func() int64
	maxRetries int
}

// NewCoordinator wires a coordinator to the store and escrow engine.
func NewCoordinator(store *storage.Store, esc *escrow.Engine) *Coordinator {
	return &Coordinator{
		store:      store,
		escrow:     esc,
		emitter:    events.NoopEmitter{},
		log:        slog.Default(),
		nowFn:      func() int64 { return time.Now().Unix() },
		maxRetries: storage.DefaultMaxAttempts,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetLogger overrides the coordinator logger.
func (c *Coordinator) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// SetAuditor wires the audit sink for resolutions.
func (c *Coordinator) SetAuditor(a Auditor) { c.auditor = a }

// SetNowFunc overrides the clock. Primarily for deterministic tests.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

func (c *Coordinator) now() int64 { return c.nowFn() }

type disputeEvent struct {
	evt *types.Event
}

func (ev disputeEvent) EventType() string {
	if ev.evt == nil {
		return ""
	}
	return ev.evt.Type
}

func (ev disputeEvent) Event() *types.Event { return ev.evt }

func (c *Coordinator) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	c.emitter.Emit(disputeEvent{evt: evt})
}

func getDispute(tx *storage.Tx, id types.ID) (*Dispute, error) {
	var d Dispute
	found, err := tx.Get(storage.Disputes, id.String(), &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("dispute", id.String())
	}
	return &d, nil
}

// Open freezes an in-progress project. Only the client, a member of the
// assignee, or an admin may open a dispute. Release operations are refused
// while the project is disputed.
func (c *Coordinator) Open(ctx context.Context, projectID, initiatorID types.ID, reason string) (Dispute, error) {
	if reason == "" {
		return Dispute{}, fault.InvalidState("dispute requires a reason")
	}
	var snapshot Dispute
	var emitted *types.Event
	err := c.store.RunInTx(ctx, c.maxRetries, func(tx *storage.Tx) error {
		var p escrow.Project
		found, err := tx.Get(storage.Projects, projectID.String(), &p)
		if err != nil {
			return err
		}
		if !found {
			return fault.NotFound("project", projectID.String())
		}
		if p.Quarantined {
			return fmt.Errorf("%w: project %s", fault.ErrQuarantined, projectID)
		}
		if p.Status != escrow.ProjectInProgress {
			return fault.InvalidState(fmt.Sprintf("cannot dispute a %s project", p.Status))
		}
		allowed, err := mayOpen(tx, &p, initiatorID)
		if err != nil {
			return err
		}
		if !allowed {
			return fault.Forbidden("only the client, the assignee or an admin may open a dispute")
		}

		var contractID types.ID
		var contract escrow.Contract
		var bid struct {
			ContractID types.ID `json:"contract_id"`
		}
		if ok, err := tx.Get(storage.Bids, p.AcceptedBidID.String(), &bid); err != nil {
			return err
		} else if ok {
			contractID = bid.ContractID
		}
		if !contractID.IsZero() {
			if ok, err := tx.Get(storage.Contracts, contractID.String(), &contract); err != nil {
				return err
			} else if ok {
				contract.Status = escrow.ContractDisputed
				if err := tx.Set(storage.Contracts, contractID.String(), contract); err != nil {
					return err
				}
			}
		}

		now := c.now()
		d := Dispute{
			ID:          types.NewID(),
			ProjectID:   projectID,
			ContractID:  contractID,
			InitiatorID: initiatorID,
			Reason:      reason,
			Status:      StatusOpen,
			OpenedAt:    now,
		}
		if err := tx.Set(storage.Disputes, d.ID.String(), d); err != nil {
			return err
		}
		if err := tx.Update(storage.Projects, projectID.String(), map[string]any{
			"status": string(escrow.ProjectDisputed),
		}); err != nil {
			return err
		}

		evt := events.DisputeOpened{
			DisputeID:   d.ID,
			ProjectID:   projectID,
			InitiatorID: initiatorID,
			Reason:      reason,
		}.Event()
		if _, err := outbox.Append(tx, evt, now); err != nil {
			return err
		}
		emitted = evt
		snapshot = d
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	c.emit(emitted)
	return snapshot, nil
}

func mayOpen(tx *storage.Tx, p *escrow.Project, actorID types.ID) (bool, error) {
	if p.ClientID == actorID {
		return true, nil
	}
	var u escrow.User
	found, err := tx.Get(storage.Users, actorID.String(), &u)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fault.NotFound("user", actorID.String())
	}
	if u.Role == escrow.RoleAdmin {
		return true, nil
	}
	if p.Assignee == nil {
		return false, nil
	}
	switch p.Assignee.Kind {
	case types.AccountUser:
		return p.Assignee.ID == actorID, nil
	case types.AccountTeam:
		var team escrow.Team
		found, err := tx.Get(storage.Teams, p.Assignee.ID.String(), &team)
		if err != nil || !found {
			return false, err
		}
		if team.OwnerUserID == actorID {
			return true, nil
		}
		for _, m := range team.Members {
			if m.UserID == actorID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Resolve settles an open dispute. The money moves through the escrow
// engine's admin operations with dispute-scoped idempotency keys, so a crashed
// resolution can be retried safely; the dispute flips to resolved only in the
// final transaction.
func (c *Coordinator) Resolve(ctx context.Context, disputeID, adminID types.ID, outcome Outcome) ([]types.ID, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}

	// Validate the dispute and actor before any money moves.
	var d Dispute
	err := c.store.RunInTx(ctx, c.maxRetries, func(tx *storage.Tx) error {
		dp, err := getDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if dp.Status == StatusResolved {
			return fault.InvalidState("dispute already resolved")
		}
		var u escrow.User
		found, err := tx.Get(storage.Users, adminID.String(), &u)
		if err != nil {
			return err
		}
		if !found {
			return fault.NotFound("user", adminID.String())
		}
		if u.Role != escrow.RoleAdmin {
			return fault.Forbidden("only admins resolve disputes")
		}
		d = *dp
		return nil
	})
	if err != nil {
		return nil, err
	}

	var txIDs []types.ID
	finalStatus := escrow.ProjectCompleted
	finalContract := escrow.ContractCompleted
	switch outcome.Kind {
	case OutcomeRefundClient:
		receipt, err := c.escrow.Refund(ctx, d.ProjectID, outcome.Amount, adminID, "dispute:"+disputeID.String())
		if err != nil {
			return nil, err
		}
		txIDs = append(txIDs, receipt.TransactionID)
		finalStatus = escrow.ProjectCancelled
		finalContract = escrow.ContractCancelled
	case OutcomeReleaseToAssignee:
		receipt, err := c.escrow.AdminRelease(ctx, d.ProjectID, outcome.MilestoneID, adminID)
		if err != nil {
			return nil, err
		}
		txIDs = append(txIDs, receipt.TransactionID)
	case OutcomeSplit:
		if outcome.ClientAmount > 0 {
			receipt, err := c.escrow.Refund(ctx, d.ProjectID, outcome.ClientAmount, adminID, "dispute:"+disputeID.String())
			if err != nil {
				return nil, err
			}
			txIDs = append(txIDs, receipt.TransactionID)
		}
		if outcome.AssigneeAmount > 0 {
			id, err := c.escrow.AdminPayout(ctx, d.ProjectID, outcome.AssigneeAmount, adminID, "dispute:"+disputeID.String())
			if err != nil {
				return nil, err
			}
			txIDs = append(txIDs, id)
		}
	}

	if err := c.escrow.CancelOpenMilestones(ctx, d.ProjectID, adminID, finalContract); err != nil {
		return nil, err
	}

	var emitted *types.Event
	err = c.store.RunInTx(ctx, c.maxRetries, func(tx *storage.Tx) error {
		dp, err := getDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if dp.Status == StatusResolved {
			return fault.InvalidState("dispute already resolved")
		}
		now := c.now()
		dp.Status = StatusResolved
		dp.Outcome = outcome.Kind
		dp.ResolvedBy = adminID
		dp.TransactionIDs = txIDs
		dp.ResolvedAt = now
		if err := tx.Set(storage.Disputes, disputeID.String(), dp); err != nil {
			return err
		}
		if err := tx.Update(storage.Projects, dp.ProjectID.String(), map[string]any{
			"status": string(finalStatus),
		}); err != nil {
			return err
		}

		evt := events.DisputeResolved{
			DisputeID:    disputeID,
			ProjectID:    dp.ProjectID,
			AdminID:      adminID,
			Outcome:      string(outcome.Kind),
			Transactions: txIDs,
		}.Event()
		if _, err := outbox.Append(tx, evt, now); err != nil {
			return err
		}
		emitted = evt
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.emit(emitted)
	if c.auditor != nil {
		detail := fmt.Sprintf("dispute %s resolved as %s", disputeID, outcome.Kind)
		if err := c.auditor.Record(ctx, d.ProjectID.String(), adminID.String(), "dispute_resolved", detail); err != nil {
			c.log.Error("audit record failed", "dispute", disputeID, "err", err)
		}
	}
	return txIDs, nil
}
