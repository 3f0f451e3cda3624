package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gigvault/core/events"
	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/ledger"
	"gigvault/outbox"
	"gigvault/storage"
)

// DefaultMinDeposit is the smallest accepted deposit in minor units.
const DefaultMinDeposit types.Amount = 100

// Auditor records critical audit events for manual inspection. Implementations
// must not be called inside a store transaction.
type Auditor interface {
	RecordCritical(ctx context.Context, projectID, kind, detail string) error
}

// Engine is the escrow service: deposits, milestone transitions, releases and
// refunds. Every operation runs in a single store transaction with bounded
// conflict retries; the only writer of escrow balances is the ledger.
type Engine struct {
	store      *storage.Store
	emitter    events.Emitter
	log        *slog.Logger
	auditor    Auditor
	nowFn      func() int64
	maxRetries int
	minDeposit types.Amount
	devTopUp   bool
}

// NewEngine creates an escrow engine with a no-op emitter and default limits.
func NewEngine(store *storage.Store) *Engine {
	return &Engine{
		store:      store,
		emitter:    events.NoopEmitter{},
		log:        slog.Default(),
		nowFn:      func() int64 { return time.Now().Unix() },
		maxRetries: storage.DefaultMaxAttempts,
		minDeposit: DefaultMinDeposit,
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log
	}
}

// SetAuditor wires the critical-audit sink used on invariant violations.
func (e *Engine) SetAuditor(a Auditor) { e.auditor = a }

// SetNowFunc overrides the clock. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetMaxRetries bounds store conflict retries.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries = n
	}
}

// SetMinDeposit overrides the minimum accepted deposit.
func (e *Engine) SetMinDeposit(min types.Amount) {
	if min > 0 {
		e.minDeposit = min
	}
}

// EnableDevTopUp switches on the test-only wallet top-up during deposits.
// Never enable in production.
func (e *Engine) EnableDevTopUp() { e.devTopUp = true }

func (e *Engine) now() int64 { return e.nowFn() }

type escrowEvent struct {
	evt *types.Event
}

func (ev escrowEvent) EventType() string {
	if ev.evt == nil {
		return ""
	}
	return ev.evt.Type
}

func (ev escrowEvent) Event() *types.Event { return ev.evt }

func (e *Engine) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

// --- document helpers ---

func loadProject(tx *storage.Tx, id types.ID) (*Project, error) {
	var p Project
	found, err := tx.Get(storage.Projects, id.String(), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("project", id.String())
	}
	return &p, nil
}

func loadUser(tx *storage.Tx, id types.ID) (*User, error) {
	var u User
	found, err := tx.Get(storage.Users, id.String(), &u)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("user", id.String())
	}
	return &u, nil
}

func loadContract(tx *storage.Tx, id types.ID) (*Contract, error) {
	var c Contract
	found, err := tx.Get(storage.Contracts, id.String(), &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("contract", id.String())
	}
	return &c, nil
}

func loadMilestone(tx *storage.Tx, id types.ID) (*Milestone, error) {
	var m Milestone
	found, err := tx.Get(storage.Milestones, id.String(), &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("milestone", id.String())
	}
	return &m, nil
}

func ensureWritable(p *Project) error {
	if p.Quarantined {
		return fmt.Errorf("%w: project %s", fault.ErrQuarantined, p.ID)
	}
	return nil
}

func requireClient(p *Project, actorID types.ID) error {
	if p.ClientID != actorID {
		return fault.Forbidden("actor is not the project client")
	}
	return nil
}

func requireAdmin(tx *storage.Tx, actorID types.ID) error {
	u, err := loadUser(tx, actorID)
	if err != nil {
		return err
	}
	if u.Role != RoleAdmin {
		return fault.Forbidden("actor is not an admin")
	}
	return nil
}

// isAssignee reports whether the actor is the project's assignee: the assigned
// user, or any member of the assigned team.
func isAssignee(tx *storage.Tx, p *Project, actorID types.ID) (bool, error) {
	if p.Assignee == nil {
		return false, nil
	}
	switch p.Assignee.Kind {
	case types.AccountUser:
		return p.Assignee.ID == actorID, nil
	case types.AccountTeam:
		var team Team
		found, err := tx.Get(storage.Teams, p.Assignee.ID.String(), &team)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fault.NotFound("team", p.Assignee.ID.String())
		}
		if team.OwnerUserID == actorID {
			return true, nil
		}
		for _, m := range team.Members {
			if m.UserID == actorID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// run executes fn with bounded conflict retries, quarantining the project when
// fn surfaces an invariant violation.
func (e *Engine) run(ctx context.Context, projectID types.ID, fn func(tx *storage.Tx) error) error {
	err := e.store.RunInTx(ctx, e.maxRetries, fn)
	if err != nil && errors.Is(err, fault.ErrInvariantViolation) {
		e.quarantine(ctx, projectID, err.Error())
	}
	return err
}

// quarantine freezes a project after an invariant violation. The flag blocks
// every further write until manual inspection clears it.
func (e *Engine) quarantine(ctx context.Context, projectID types.ID, reason string) {
	e.log.Error("invariant violation, quarantining project", "project", projectID, "reason", reason)
	err := e.store.RunInTx(ctx, e.maxRetries, func(tx *storage.Tx) error {
		if _, err := loadProject(tx, projectID); err != nil {
			return err
		}
		return tx.Update(storage.Projects, projectID.String(), map[string]any{"quarantined": true})
	})
	if err != nil {
		e.log.Error("quarantine write failed", "project", projectID, "err", err)
	}
	if e.auditor != nil {
		if err := e.auditor.RecordCritical(ctx, projectID.String(), "invariant_violation", reason); err != nil {
			e.log.Error("audit record failed", "project", projectID, "err", err)
		}
	}
	e.emit(events.ProjectQuarantined{ProjectID: projectID, Reason: reason}.Event())
}

// --- operations ---

// DepositReceipt reports the outcome of a deposit.
type DepositReceipt struct {
	EscrowBalance types.Amount
	TransactionID types.ID
}

// Deposit moves amount from the client's wallet into the project escrow.
// nonce scopes the idempotency key; retrying with the same nonce after an
// unknown commit outcome is safe.
func (e *Engine) Deposit(ctx context.Context, projectID, clientID types.ID, amount types.Amount, nonce string) (DepositReceipt, error) {
	if amount < e.minDeposit {
		return DepositReceipt{}, fault.InvalidState(fmt.Sprintf("deposit below minimum of %d", e.minDeposit))
	}
	if nonce == "" {
		nonce = types.NewID().String()
	}
	var receipt DepositReceipt
	var emitted *types.Event
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireClient(p, clientID); err != nil {
			return err
		}
		if p.Status != ProjectOpen && p.Status != ProjectInProgress {
			return fault.InvalidState(fmt.Sprintf("cannot deposit into %s project", p.Status))
		}
		u, err := loadUser(tx, clientID)
		if err != nil {
			return err
		}
		if u.WalletBalance < amount {
			if !e.devTopUp {
				return fmt.Errorf("%w: wallet holds %d, deposit needs %d", fault.ErrInsufficientFunds, u.WalletBalance, amount)
			}
			// Test-only mode: seed the missing funds so local flows can
			// run without a funding gateway.
			shortfall := int64(amount - u.WalletBalance)
			if err := tx.Increment(storage.Users, clientID.String(), "wallet_balance", shortfall); err != nil {
				return err
			}
			if err := tx.Increment(storage.Users, clientID.String(), "initial_balance", shortfall); err != nil {
				return err
			}
		}
		now := e.now()
		entry, applied, err := ledger.Post(tx, ledger.Entry{
			ID:        ledger.EntryID(projectID, "deposit", "", nonce),
			ProjectID: projectID,
			From:      types.UserAccount(clientID),
			To:        types.EscrowAccount(projectID),
			Amount:    amount,
			Type:      ledger.TypeEscrowFund,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		receipt = DepositReceipt{EscrowBalance: p.EscrowBalance, TransactionID: entry.ID}
		if applied {
			receipt.EscrowBalance += amount
			evt := events.EscrowDeposited{
				ProjectID:     projectID,
				ClientID:      clientID,
				Amount:        amount,
				EscrowBalance: receipt.EscrowBalance,
				TransactionID: entry.ID,
			}.Event()
			if _, err := outbox.Append(tx, evt, now); err != nil {
				return err
			}
			emitted = evt
		}
		return nil
	})
	if err != nil {
		return DepositReceipt{}, err
	}
	e.emit(emitted)
	return receipt, nil
}

// StartMilestone moves a pending milestone into progress. Caller must be the
// assignee and the contract must be active.
func (e *Engine) StartMilestone(ctx context.Context, projectID, milestoneID, actorID types.ID) (Milestone, error) {
	return e.transition(ctx, projectID, milestoneID, func(tx *storage.Tx, p *Project, m *Milestone) error {
		ok, err := isAssignee(tx, p, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbidden("only the assignee may start a milestone")
		}
		c, err := loadContract(tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.Status != ContractActive {
			return fault.InvalidState(fmt.Sprintf("contract is %s", c.Status))
		}
		return m.applyStart(e.now())
	})
}

// SubmitMilestone hands work to the client for review, optionally recording
// artifact references.
func (e *Engine) SubmitMilestone(ctx context.Context, projectID, milestoneID, actorID types.ID, artifacts []string) (Milestone, error) {
	return e.transition(ctx, projectID, milestoneID, func(tx *storage.Tx, p *Project, m *Milestone) error {
		ok, err := isAssignee(tx, p, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbidden("only the assignee may submit a milestone")
		}
		return m.applySubmit(artifacts, e.now())
	})
}

// RejectMilestone bounces submitted work back to the assignee with feedback.
func (e *Engine) RejectMilestone(ctx context.Context, projectID, milestoneID, actorID types.ID, feedback string) (Milestone, error) {
	return e.transition(ctx, projectID, milestoneID, func(tx *storage.Tx, p *Project, m *Milestone) error {
		if err := requireClient(p, actorID); err != nil {
			return err
		}
		return m.applyReject(feedback, e.now())
	})
}

// ApproveMilestone accepts submitted work. Approving an already-approved
// milestone is a no-op that returns the current snapshot.
func (e *Engine) ApproveMilestone(ctx context.Context, projectID, milestoneID, actorID types.ID) (Milestone, error) {
	return e.transition(ctx, projectID, milestoneID, func(tx *storage.Tx, p *Project, m *Milestone) error {
		if err := requireClient(p, actorID); err != nil {
			return err
		}
		if m.Status == MilestoneApproved {
			return nil
		}
		return m.applyApprove(e.now())
	})
}

// transition wraps the shared load/validate/persist sequence of milestone
// moves that do not touch money.
func (e *Engine) transition(ctx context.Context, projectID, milestoneID types.ID, fn func(tx *storage.Tx, p *Project, m *Milestone) error) (Milestone, error) {
	var snapshot Milestone
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		m, err := loadMilestone(tx, milestoneID)
		if err != nil {
			return err
		}
		if m.ProjectID != projectID {
			return fault.NotFound("milestone", milestoneID.String())
		}
		if err := fn(tx, p, m); err != nil {
			return err
		}
		if err := tx.Set(storage.Milestones, milestoneID.String(), m); err != nil {
			return err
		}
		snapshot = *m
		return nil
	})
	if err != nil {
		return Milestone{}, err
	}
	return snapshot, nil
}

// ReleaseReceipt reports a full or partial release.
type ReleaseReceipt struct {
	Amount          types.Amount
	Cumulative      types.Amount
	TransactionID   types.ID
	MilestoneStatus MilestoneStatus
	ContractStatus  ContractStatus
}

// ReleaseMilestone pays the milestone's remaining share from escrow to the
// assignee. Re-calling after a completed release is a no-op returning the
// original receipt.
func (e *Engine) ReleaseMilestone(ctx context.Context, projectID, milestoneID, actorID types.ID) (ReleaseReceipt, error) {
	var receipt ReleaseReceipt
	var emittedEvents []*types.Event
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		emittedEvents = emittedEvents[:0]
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireClient(p, actorID); err != nil {
			return err
		}
		m, err := loadMilestone(tx, milestoneID)
		if err != nil {
			return err
		}
		if m.ProjectID != projectID {
			return fault.NotFound("milestone", milestoneID.String())
		}
		c, err := loadContract(tx, m.ContractID)
		if err != nil {
			return err
		}

		entryID := ledger.EntryID(projectID, "release", milestoneID, "")
		if m.Status == MilestoneReleased {
			// Idempotent replay: return the original receipt.
			var entry ledger.Entry
			if found, err := tx.Get(storage.Transactions, entryID.String(), &entry); err != nil {
				return err
			} else if found {
				receipt.TransactionID = entry.ID
				receipt.Amount = entry.Amount
			}
			receipt.Cumulative = m.CumulativeReleased
			receipt.MilestoneStatus = m.Status
			receipt.ContractStatus = c.Status
			return nil
		}
		if p.Status != ProjectInProgress {
			return fault.InvalidState(fmt.Sprintf("cannot release while project is %s", p.Status))
		}
		if m.Status != MilestoneApproved {
			return fault.InvalidState(fmt.Sprintf("cannot release milestone in status %s", m.Status))
		}
		if p.Assignee == nil {
			return fmt.Errorf("%w: project %s in progress without assignee", fault.ErrInvariantViolation, projectID)
		}
		amount := m.Remaining()
		if amount <= 0 {
			return fmt.Errorf("%w: approved milestone %s has no remaining share", fault.ErrInvariantViolation, milestoneID)
		}

		now := e.now()
		entry, _, err := ledger.Post(tx, ledger.Entry{
			ID:        entryID,
			ProjectID: projectID,
			From:      types.EscrowAccount(projectID),
			To:        *p.Assignee,
			Amount:    amount,
			Type:      ledger.TypeMilestoneRelease,
			Metadata:  map[string]string{"milestone_id": milestoneID.String()},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		m.CumulativeReleased += amount
		if err := m.applyRelease(now); err != nil {
			return err
		}
		if err := tx.Set(storage.Milestones, milestoneID.String(), m); err != nil {
			return err
		}

		contractStatus, err := e.maybeCompleteContract(tx, p, c, m, now)
		if err != nil {
			return err
		}

		evt := events.MilestoneReleased{
			ProjectID:     projectID,
			MilestoneID:   milestoneID,
			Amount:        amount,
			Cumulative:    m.CumulativeReleased,
			TransactionID: entry.ID,
		}.Event()
		if _, err := outbox.Append(tx, evt, now); err != nil {
			return err
		}
		emittedEvents = append(emittedEvents, evt)

		receipt = ReleaseReceipt{
			Amount:          amount,
			Cumulative:      m.CumulativeReleased,
			TransactionID:   entry.ID,
			MilestoneStatus: m.Status,
			ContractStatus:  contractStatus,
		}
		return nil
	})
	if err != nil {
		return ReleaseReceipt{}, err
	}
	for _, evt := range emittedEvents {
		e.emit(evt)
	}
	return receipt, nil
}

// maybeCompleteContract closes the contract and the project once every
// milestone has been released or cancelled.
func (e *Engine) maybeCompleteContract(tx *storage.Tx, p *Project, c *Contract, justReleased *Milestone, now int64) (ContractStatus, error) {
	for _, id := range c.MilestoneIDs {
		if id == justReleased.ID {
			continue
		}
		m, err := loadMilestone(tx, id)
		if err != nil {
			return c.Status, err
		}
		if m.Status != MilestoneReleased && m.Status != MilestoneCancelled {
			return c.Status, nil
		}
	}
	c.Status = ContractCompleted
	c.ClosedAt = now
	if err := tx.Set(storage.Contracts, c.ID.String(), c); err != nil {
		return c.Status, err
	}
	if err := tx.Update(storage.Projects, p.ID.String(), map[string]any{
		"status": string(ProjectCompleted),
	}); err != nil {
		return c.Status, err
	}
	return ContractCompleted, nil
}

// PartialRelease pays floor(share*percent/100) of the milestone's share. The
// milestone stays approved until the cumulative released equals the share,
// then transitions to released. Cumulative payouts never exceed the share.
func (e *Engine) PartialRelease(ctx context.Context, projectID, milestoneID types.ID, percent int64, actorID types.ID) (ReleaseReceipt, error) {
	if percent <= 0 || percent > 100 {
		return ReleaseReceipt{}, fault.InvalidState("percent must be in (0, 100]")
	}
	var receipt ReleaseReceipt
	var emittedEvents []*types.Event
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		emittedEvents = emittedEvents[:0]
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireClient(p, actorID); err != nil {
			return err
		}
		if p.Status != ProjectInProgress {
			return fault.InvalidState(fmt.Sprintf("cannot release while project is %s", p.Status))
		}
		m, err := loadMilestone(tx, milestoneID)
		if err != nil {
			return err
		}
		if m.ProjectID != projectID {
			return fault.NotFound("milestone", milestoneID.String())
		}
		if m.Status != MilestoneApproved {
			return fault.InvalidState(fmt.Sprintf("cannot partially release milestone in status %s", m.Status))
		}
		if p.Assignee == nil {
			return fmt.Errorf("%w: project %s in progress without assignee", fault.ErrInvariantViolation, projectID)
		}
		c, err := loadContract(tx, m.ContractID)
		if err != nil {
			return err
		}

		amount := types.Amount(int64(m.Share) * percent / 100)
		if amount <= 0 {
			return fault.InvalidState("partial release amount rounds to zero")
		}
		if m.CumulativeReleased+amount > m.Share {
			return fault.InvalidState(fmt.Sprintf("partial release of %d would exceed share %d (already released %d)",
				amount, m.Share, m.CumulativeReleased))
		}

		now := e.now()
		// The key is derived from the cumulative base so a retry of the
		// same step replays while a subsequent step posts fresh.
		entryID := ledger.EntryID(projectID, "partial", milestoneID, strconv.FormatInt(int64(m.CumulativeReleased), 10))
		entry, _, err := ledger.Post(tx, ledger.Entry{
			ID:        entryID,
			ProjectID: projectID,
			From:      types.EscrowAccount(projectID),
			To:        *p.Assignee,
			Amount:    amount,
			Type:      ledger.TypeMilestoneRelease,
			Metadata:  map[string]string{"milestone_id": milestoneID.String(), "partial": "true"},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		m.CumulativeReleased += amount
		contractStatus := c.Status
		if m.CumulativeReleased == m.Share {
			if err := m.applyRelease(now); err != nil {
				return err
			}
		} else {
			m.UpdatedAt = now
		}
		if err := tx.Set(storage.Milestones, milestoneID.String(), m); err != nil {
			return err
		}
		if m.Status == MilestoneReleased {
			contractStatus, err = e.maybeCompleteContract(tx, p, c, m, now)
			if err != nil {
				return err
			}
		}

		evt := events.MilestoneReleased{
			ProjectID:     projectID,
			MilestoneID:   milestoneID,
			Amount:        amount,
			Cumulative:    m.CumulativeReleased,
			Partial:       m.Status != MilestoneReleased,
			TransactionID: entry.ID,
		}.Event()
		if _, err := outbox.Append(tx, evt, now); err != nil {
			return err
		}
		emittedEvents = append(emittedEvents, evt)

		receipt = ReleaseReceipt{
			Amount:          amount,
			Cumulative:      m.CumulativeReleased,
			TransactionID:   entry.ID,
			MilestoneStatus: m.Status,
			ContractStatus:  contractStatus,
		}
		return nil
	})
	if err != nil {
		return ReleaseReceipt{}, err
	}
	for _, evt := range emittedEvents {
		e.emit(evt)
	}
	return receipt, nil
}

// RefundReceipt reports an escrow refund to the client.
type RefundReceipt struct {
	EscrowBalance types.Amount
	TransactionID types.ID
}

// Refund returns escrowed funds to the project client. Admin only; invoked by
// the dispute coordinator.
func (e *Engine) Refund(ctx context.Context, projectID types.ID, amount types.Amount, actorID types.ID, nonce string) (RefundReceipt, error) {
	if amount <= 0 {
		return RefundReceipt{}, fault.InvalidState("refund amount must be positive")
	}
	if nonce == "" {
		nonce = types.NewID().String()
	}
	var receipt RefundReceipt
	var emitted *types.Event
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireAdmin(tx, actorID); err != nil {
			return err
		}
		now := e.now()
		entry, applied, err := ledger.Post(tx, ledger.Entry{
			ID:        ledger.EntryID(projectID, "refund", "", nonce),
			ProjectID: projectID,
			From:      types.EscrowAccount(projectID),
			To:        types.UserAccount(p.ClientID),
			Amount:    amount,
			Type:      ledger.TypeRefund,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		receipt = RefundReceipt{EscrowBalance: p.EscrowBalance, TransactionID: entry.ID}
		if applied {
			receipt.EscrowBalance -= amount
			evt := &types.Event{Type: events.TypeEscrowRefunded, Attributes: map[string]string{
				"projectId":     projectID.String(),
				"amount":        strconv.FormatInt(int64(amount), 10),
				"transactionId": entry.ID.String(),
			}}
			if _, err := outbox.Append(tx, evt, now); err != nil {
				return err
			}
			emitted = evt
		}
		return nil
	})
	if err != nil {
		return RefundReceipt{}, err
	}
	e.emit(emitted)
	return receipt, nil
}

// AdminRelease pays a milestone's remaining share to the assignee during
// dispute resolution, regardless of where the milestone sits in its normal
// lifecycle. Requires a disputed project and an admin actor.
func (e *Engine) AdminRelease(ctx context.Context, projectID, milestoneID, actorID types.ID) (ReleaseReceipt, error) {
	var receipt ReleaseReceipt
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireAdmin(tx, actorID); err != nil {
			return err
		}
		if p.Status != ProjectDisputed {
			return fault.InvalidState(fmt.Sprintf("admin release requires a disputed project, not %s", p.Status))
		}
		if p.Assignee == nil {
			return fmt.Errorf("%w: disputed project %s without assignee", fault.ErrInvariantViolation, projectID)
		}
		m, err := loadMilestone(tx, milestoneID)
		if err != nil {
			return err
		}
		if m.ProjectID != projectID {
			return fault.NotFound("milestone", milestoneID.String())
		}
		if m.Status == MilestoneReleased || m.Status == MilestoneCancelled {
			return fault.InvalidState(fmt.Sprintf("cannot resolve release on %s milestone", m.Status))
		}
		amount := m.Remaining()
		if amount <= 0 {
			return fmt.Errorf("%w: milestone %s has no remaining share", fault.ErrInvariantViolation, milestoneID)
		}

		now := e.now()
		entry, _, err := ledger.Post(tx, ledger.Entry{
			ID:        ledger.EntryID(projectID, "dispute-release", milestoneID, ""),
			ProjectID: projectID,
			From:      types.EscrowAccount(projectID),
			To:        *p.Assignee,
			Amount:    amount,
			Type:      ledger.TypeMilestoneRelease,
			Metadata:  map[string]string{"milestone_id": milestoneID.String(), "resolution": "true"},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		// Dispute override: the milestone may not have passed approval, so
		// the normal transition table does not apply here.
		share := m.Share
		m.CumulativeReleased = share
		m.Status = MilestoneReleased
		m.ReleasedAmount = &share
		m.UpdatedAt = now
		if err := tx.Set(storage.Milestones, milestoneID.String(), m); err != nil {
			return err
		}

		receipt = ReleaseReceipt{
			Amount:          amount,
			Cumulative:      m.CumulativeReleased,
			TransactionID:   entry.ID,
			MilestoneStatus: m.Status,
		}
		return nil
	})
	if err != nil {
		return ReleaseReceipt{}, err
	}
	return receipt, nil
}

// AdminPayout moves escrowed funds to the assignee outside any milestone,
// for split dispute resolutions. Requires a disputed project and an admin
// actor.
func (e *Engine) AdminPayout(ctx context.Context, projectID types.ID, amount types.Amount, actorID types.ID, nonce string) (types.ID, error) {
	if amount <= 0 {
		return "", fault.InvalidState("payout amount must be positive")
	}
	if nonce == "" {
		nonce = types.NewID().String()
	}
	var txID types.ID
	err := e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireAdmin(tx, actorID); err != nil {
			return err
		}
		if p.Status != ProjectDisputed {
			return fault.InvalidState(fmt.Sprintf("admin payout requires a disputed project, not %s", p.Status))
		}
		if p.Assignee == nil {
			return fmt.Errorf("%w: disputed project %s without assignee", fault.ErrInvariantViolation, projectID)
		}
		entry, _, err := ledger.Post(tx, ledger.Entry{
			ID:        ledger.EntryID(projectID, "dispute-payout", "", nonce),
			ProjectID: projectID,
			From:      types.EscrowAccount(projectID),
			To:        *p.Assignee,
			Amount:    amount,
			Type:      ledger.TypeAdjustment,
			Metadata:  map[string]string{"resolution": "true"},
			CreatedAt: e.now(),
		})
		if err != nil {
			return err
		}
		txID = entry.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// CancelOpenMilestones voids every unreleased milestone of a contract and
// closes the contract with the given final status. Used by the dispute
// coordinator when a resolution settles the project.
func (e *Engine) CancelOpenMilestones(ctx context.Context, projectID types.ID, actorID types.ID, final ContractStatus) error {
	if final != ContractCompleted && final != ContractCancelled {
		return fault.InvalidState(fmt.Sprintf("contract cannot close as %s", final))
	}
	return e.run(ctx, projectID, func(tx *storage.Tx) error {
		p, err := loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := ensureWritable(p); err != nil {
			return err
		}
		if err := requireAdmin(tx, actorID); err != nil {
			return err
		}
		if p.AcceptedBidID.IsZero() {
			return nil
		}
		contractID, err := contractIDForProject(tx, p)
		if err != nil {
			return err
		}
		c, err := loadContract(tx, contractID)
		if err != nil {
			return err
		}
		now := e.now()
		for _, id := range c.MilestoneIDs {
			m, err := loadMilestone(tx, id)
			if err != nil {
				return err
			}
			if m.Status == MilestoneReleased || m.Status == MilestoneCancelled {
				continue
			}
			if err := m.applyCancel(now); err != nil {
				return err
			}
			if err := tx.Set(storage.Milestones, id.String(), m); err != nil {
				return err
			}
		}
		c.Status = final
		c.ClosedAt = now
		return tx.Set(storage.Contracts, c.ID.String(), c)
	})
}

// contractIDForProject resolves the single contract of a project via its
// accepted bid.
func contractIDForProject(tx *storage.Tx, p *Project) (types.ID, error) {
	var bid struct {
		ContractID types.ID `json:"contract_id"`
	}
	found, err := tx.Get(storage.Bids, p.AcceptedBidID.String(), &bid)
	if err != nil {
		return "", err
	}
	if !found || bid.ContractID.IsZero() {
		return "", fault.NotFound("contract for project", p.ID.String())
	}
	return bid.ContractID, nil
}
