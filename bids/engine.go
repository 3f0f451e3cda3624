package bids

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

// Engine is the bid service.
type Engine struct {
	store      *storage.Store
	emitter    events.Emitter
	log        *slog.Logger
	nowFn      func() int64
	maxRetries int
}

// NewEngine creates a bid engine with a no-op emitter.
func NewEngine(store *storage.Store) *Engine {
	return &Engine{
		store:      store,
		emitter:    events.NoopEmitter{},
		log:        slog.Default(),
		nowFn:      func() int64 { return time.Now().Unix() },
		maxRetries: storage.DefaultMaxAttempts,
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

func (e *Engine) now() int64 { return e.nowFn() }

type bidEvent struct {
	evt *types.Event
}

func (ev bidEvent) EventType() string {
	if ev.evt == nil {
		return ""
	}
	return ev.evt.Type
}

func (ev bidEvent) Event() *types.Event { return ev.evt }

func (e *Engine) emit(evt *types.Event) {
	if evt == nil {
		return
	}
	e.emitter.Emit(bidEvent{evt: evt})
}

func getProject(tx *storage.Tx, id types.ID) (*escrow.Project, error) {
	var p escrow.Project
	found, err := tx.Get(storage.Projects, id.String(), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("project", id.String())
	}
	return &p, nil
}

func getBid(tx *storage.Tx, id types.ID) (*Bid, error) {
	var b Bid
	found, err := tx.Get(storage.Bids, id.String(), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("bid", id.String())
	}
	return &b, nil
}

func getUser(tx *storage.Tx, id types.ID) (*escrow.User, error) {
	var u escrow.User
	found, err := tx.Get(storage.Users, id.String(), &u)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("user", id.String())
	}
	return &u, nil
}

func getTeam(tx *storage.Tx, id types.ID) (*escrow.Team, error) {
	var team escrow.Team
	found, err := tx.Get(storage.Teams, id.String(), &team)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fault.NotFound("team", id.String())
	}
	return &team, nil
}

// actsForProposer reports whether the actor may act on behalf of the proposer
// account: the user themselves, or any member of the proposing team.
func actsForProposer(tx *storage.Tx, proposer types.AccountRef, actorID types.ID) (bool, error) {
	switch proposer.Kind {
	case types.AccountUser:
		return proposer.ID == actorID, nil
	case types.AccountTeam:
		team, err := getTeam(tx, proposer.ID)
		if err != nil {
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
		return false, nil
	default:
		return false, nil
	}
}

// Submit records a pending bid on an open project. Exactly one live
// (pending or accepted) bid per proposer and project is allowed.
func (e *Engine) Submit(ctx context.Context, bid Bid, actorID types.ID) (Bid, error) {
	if err := bid.Validate(); err != nil {
		return Bid{}, err
	}
	var snapshot Bid
	err := e.store.RunInTx(ctx, e.maxRetries, func(tx *storage.Tx) error {
		p, err := getProject(tx, bid.ProjectID)
		if err != nil {
			return err
		}
		if p.Quarantined {
			return fmt.Errorf("%w: project %s", fault.ErrQuarantined, p.ID)
		}
		if p.Status != escrow.ProjectOpen {
			return fault.InvalidState(fmt.Sprintf("project is %s, not open for bids", p.Status))
		}
		ok, err := actsForProposer(tx, bid.Proposer, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbidden("actor cannot bid for this proposer")
		}
		actor, err := getUser(tx, actorID)
		if err != nil {
			return err
		}
		if actor.Role != escrow.RoleStudent {
			return fault.Forbidden("only students may bid")
		}
		if bid.Proposer.Kind == types.AccountUser && bid.Proposer.ID == p.ClientID {
			return fault.Forbidden("cannot bid on own project")
		}
		for _, id := range p.BidIDs {
			existing, err := getBid(tx, id)
			if err != nil {
				return err
			}
			if existing.Proposer.Equal(bid.Proposer) &&
				(existing.Status == BidPending || existing.Status == BidAccepted) {
				return fault.InvalidState("proposer already has a live bid on this project")
			}
		}

		now := e.now()
		bid.ID = types.NewID()
		bid.Status = BidPending
		bid.CreatedAt = now
		bid.UpdatedAt = now
		if err := tx.Set(storage.Bids, bid.ID.String(), bid); err != nil {
			return err
		}
		if err := tx.Update(storage.Projects, p.ID.String(), map[string]any{
			"bid_count": p.BidCount + 1,
			"bid_ids":   append(p.BidIDs, bid.ID),
		}); err != nil {
			return err
		}
		snapshot = bid
		return nil
	})
	if err != nil {
		return Bid{}, err
	}
	e.emit(&types.Event{Type: events.TypeBidSubmitted, Attributes: map[string]string{
		"bidId":     snapshot.ID.String(),
		"projectId": snapshot.ProjectID.String(),
		"proposer":  snapshot.Proposer.String(),
	}})
	return snapshot, nil
}

// Withdraw retracts a pending bid.
func (e *Engine) Withdraw(ctx context.Context, bidID, actorID types.ID) (Bid, error) {
	var snapshot Bid
	err := e.store.RunInTx(ctx, e.maxRetries, func(tx *storage.Tx) error {
		b, err := getBid(tx, bidID)
		if err != nil {
			return err
		}
		p, err := getProject(tx, b.ProjectID)
		if err != nil {
			return err
		}
		if p.Quarantined {
			return fmt.Errorf("%w: project %s", fault.ErrQuarantined, p.ID)
		}
		ok, err := actsForProposer(tx, b.Proposer, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbidden("only the proposer may withdraw a bid")
		}
		if b.Status != BidPending {
			return fault.InvalidState(fmt.Sprintf("cannot withdraw %s bid", b.Status))
		}
		b.Status = BidWithdrawn
		b.UpdatedAt = e.now()
		if err := tx.Set(storage.Bids, bidID.String(), b); err != nil {
			return err
		}
		if err := tx.Increment(storage.Projects, p.ID.String(), "bid_count", -1); err != nil {
			return err
		}
		snapshot = *b
		return nil
	})
	if err != nil {
		return Bid{}, err
	}
	e.emit(&types.Event{Type: events.TypeBidWithdrawn, Attributes: map[string]string{
		"bidId":     snapshot.ID.String(),
		"projectId": snapshot.ProjectID.String(),
	}})
	return snapshot, nil
}

// Reject declines a pending bid with an optional reason.
func (e *Engine) Reject(ctx context.Context, bidID, actorID types.ID, reason string) (Bid, error) {
	var snapshot Bid
	err := e.store.RunInTx(ctx, e.maxRetries, func(tx *storage.Tx) error {
		b, err := getBid(tx, bidID)
		if err != nil {
			return err
		}
		p, err := getProject(tx, b.ProjectID)
		if err != nil {
			return err
		}
		if p.Quarantined {
			return fmt.Errorf("%w: project %s", fault.ErrQuarantined, p.ID)
		}
		if p.ClientID != actorID {
			return fault.Forbidden("only the project client may reject bids")
		}
		if b.Status != BidPending {
			return fault.InvalidState(fmt.Sprintf("cannot reject %s bid", b.Status))
		}
		b.Status = BidRejected
		b.RejectionReason = reason
		b.UpdatedAt = e.now()
		if err := tx.Set(storage.Bids, bidID.String(), b); err != nil {
			return err
		}
		snapshot = *b
		return nil
	})
	if err != nil {
		return Bid{}, err
	}
	e.emit(&types.Event{Type: events.TypeBidRejected, Attributes: map[string]string{
		"bidId":     snapshot.ID.String(),
		"projectId": snapshot.ProjectID.String(),
	}})
	return snapshot, nil
}

// AcceptResult is the outcome of a successful acceptance.
type AcceptResult struct {
	Contract     escrow.Contract
	Milestones   []escrow.Milestone
	RejectedBids []types.ID
}

// Accept awards the project to one bid. Inside a single transaction it
// re-verifies preconditions, rejects every sibling pending bid, flips the
// project in progress and creates the contract with its milestones. A
// competing accept that committed first makes this one fail with an
// invalid-state error after the conflict retry re-reads the project.
func (e *Engine) Accept(ctx context.Context, bidID, actorID types.ID) (AcceptResult, error) {
	var result AcceptResult
	var emitted *types.Event
	err := e.store.RunInTx(ctx, e.maxRetries, func(tx *storage.Tx) error {
		result = AcceptResult{}
		b, err := getBid(tx, bidID)
		if err != nil {
			return err
		}
		p, err := getProject(tx, b.ProjectID)
		if err != nil {
			return err
		}
		if p.Quarantined {
			return fmt.Errorf("%w: project %s", fault.ErrQuarantined, p.ID)
		}
		if p.ClientID != actorID {
			return fault.Forbidden("only the project client may accept a bid")
		}
		if p.Status != escrow.ProjectOpen || !p.AcceptedBidID.IsZero() {
			return fault.InvalidState("bid no longer acceptable")
		}
		if b.Status != BidPending {
			return fault.InvalidState("bid no longer acceptable")
		}

		now := e.now()
		contract, milestones, err := buildContract(p, b, now)
		if err != nil {
			return err
		}

		b.Status = BidAccepted
		b.ContractID = contract.ID
		b.UpdatedAt = now
		if err := tx.Set(storage.Bids, bidID.String(), b); err != nil {
			return err
		}

		for _, id := range p.BidIDs {
			if id == bidID {
				continue
			}
			sibling, err := getBid(tx, id)
			if err != nil {
				return err
			}
			if sibling.Status != BidPending {
				continue
			}
			sibling.Status = BidRejected
			sibling.RejectionReason = AutoRejectReason
			sibling.UpdatedAt = now
			if err := tx.Set(storage.Bids, id.String(), sibling); err != nil {
				return err
			}
			result.RejectedBids = append(result.RejectedBids, id)
		}

		for _, m := range milestones {
			if err := tx.Set(storage.Milestones, m.ID.String(), m); err != nil {
				return err
			}
		}
		if err := tx.Set(storage.Contracts, contract.ID.String(), contract); err != nil {
			return err
		}
		if err := tx.Update(storage.Projects, p.ID.String(), map[string]any{
			"status":          string(escrow.ProjectInProgress),
			"accepted_bid_id": b.ID,
			"assignee":        b.Proposer,
		}); err != nil {
			return err
		}

		evt := events.BidAccepted{
			ProjectID:    p.ID,
			BidID:        b.ID,
			ContractID:   contract.ID,
			Assignee:     b.Proposer,
			Price:        b.Price,
			RejectedBids: result.RejectedBids,
		}.Event()
		if _, err := outbox.Append(tx, evt, now); err != nil {
			return err
		}
		emitted = evt

		result.Contract = contract
		result.Milestones = milestones
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	e.emit(emitted)
	return result, nil
}

// buildContract materialises the contract and its milestones from the
// project's plan. With no plan, the whole price is a single implicit
// milestone. Shares are pre-computed here so every later release divides the
// same way.
func buildContract(p *escrow.Project, b *Bid, now int64) (escrow.Contract, []escrow.Milestone, error) {
	contractID := types.NewID()

	plan := p.Milestones
	if len(plan) == 0 {
		plan = []escrow.PlannedMilestone{{Title: "full delivery", Percent: types.PercentFull}}
	}
	percents := make([]types.Percent, len(plan))
	for i, pm := range plan {
		percents[i] = pm.Percent
	}
	shares, err := types.SplitShares(b.Price, percents)
	if err != nil {
		return escrow.Contract{}, nil, err
	}

	milestones := make([]escrow.Milestone, len(plan))
	ids := make([]types.ID, len(plan))
	for i, pm := range plan {
		id := types.NewID()
		ids[i] = id
		milestones[i] = escrow.Milestone{
			ID:         id,
			ContractID: contractID,
			ProjectID:  p.ID,
			Order:      i + 1,
			Title:      pm.Title,
			Percent:    pm.Percent,
			Share:      shares[i],
			Status:     escrow.MilestonePending,
			DueDate:    pm.DueDate,
			UpdatedAt:  now,
		}
	}

	contract := escrow.Contract{
		ID:            contractID,
		ProjectID:     p.ID,
		AcceptedBidID: b.ID,
		ClientID:      p.ClientID,
		Assignee:      b.Proposer,
		TotalAmount:   b.Price,
		Status:        escrow.ContractActive,
		MilestoneIDs:  ids,
		StartedAt:     now,
	}
	return contract, milestones, nil
}
