package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gigvault/core/events"
	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/ledger"
	"gigvault/storage"
)

type capturingEmitter struct {
	types []string
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.types = append(c.types, evt.EventType())
}

type capturingAuditor struct {
	kinds []string
}

func (c *capturingAuditor) RecordCritical(_ context.Context, _, kind, _ string) error {
	c.kinds = append(c.kinds, kind)
	return nil
}

type fixture struct {
	store        *storage.Store
	engine       *Engine
	emitter      *capturingEmitter
	auditor      *capturingAuditor
	client       types.ID
	student      types.ID
	admin        types.ID
	projectID    types.ID
	contractID   types.ID
	milestoneIDs []types.ID
}

// newFixture seeds an in-progress project with an active contract assigned to
// a student, one pending milestone per share, and a funded client wallet.
func newFixture(t *testing.T, clientWallet types.Amount, shares []types.Amount) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.Open(storage.NewMemDB()),
		emitter: &capturingEmitter{},
		auditor: &capturingAuditor{},
		client:  types.NewID(),
		student: types.NewID(),
		admin:   types.NewID(),
	}
	t.Cleanup(func() { f.store.Close() })

	f.projectID = types.NewID()
	f.contractID = types.NewID()
	bidID := types.NewID()
	assignee := types.UserAccount(f.student)

	var total types.Amount
	for _, s := range shares {
		total += s
	}

	tx := f.store.Begin()
	require.NoError(t, tx.Set(storage.Users, f.client.String(), User{
		ID: f.client, Role: RoleClient, WalletBalance: clientWallet, InitialBalance: clientWallet,
	}))
	require.NoError(t, tx.Set(storage.Users, f.student.String(), User{
		ID: f.student, Role: RoleStudent,
	}))
	require.NoError(t, tx.Set(storage.Users, f.admin.String(), User{
		ID: f.admin, Role: RoleAdmin,
	}))
	for i, share := range shares {
		id := types.NewID()
		f.milestoneIDs = append(f.milestoneIDs, id)
		require.NoError(t, tx.Set(storage.Milestones, id.String(), Milestone{
			ID: id, ContractID: f.contractID, ProjectID: f.projectID,
			Order: i, Share: share, Status: MilestonePending,
		}))
	}
	require.NoError(t, tx.Set(storage.Contracts, f.contractID.String(), Contract{
		ID: f.contractID, ProjectID: f.projectID, AcceptedBidID: bidID,
		ClientID: f.client, Assignee: assignee, TotalAmount: total,
		Status: ContractActive, MilestoneIDs: f.milestoneIDs, StartedAt: 1,
	}))
	require.NoError(t, tx.Set(storage.Bids, bidID.String(), map[string]any{
		"id": bidID.String(), "project_id": f.projectID.String(), "contract_id": f.contractID.String(),
	}))
	require.NoError(t, tx.Set(storage.Projects, f.projectID.String(), Project{
		ID: f.projectID, ClientID: f.client, Title: "course platform backend",
		Status: ProjectInProgress, AcceptedBidID: bidID, Assignee: &assignee,
		BidCount: 1, CreatedAt: 1,
	}))
	require.NoError(t, tx.Commit())

	f.engine = NewEngine(f.store)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetAuditor(f.auditor)
	f.engine.SetNowFunc(func() int64 { return 42 })
	return f
}

func (f *fixture) balance(t *testing.T, account types.AccountRef) types.Amount {
	t.Helper()
	b, err := ledger.BalanceOf(f.store, account)
	require.NoError(t, err)
	return b
}

func (f *fixture) milestone(t *testing.T, id types.ID) Milestone {
	t.Helper()
	var m Milestone
	found, err := f.store.Get(storage.Milestones, id.String(), &m)
	require.NoError(t, err)
	require.True(t, found)
	return m
}

func (f *fixture) project(t *testing.T) Project {
	t.Helper()
	var p Project
	found, err := f.store.Get(storage.Projects, f.projectID.String(), &p)
	require.NoError(t, err)
	require.True(t, found)
	return p
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()

	receipt, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)
	require.Equal(t, types.Amount(1000), receipt.EscrowBalance)
	require.False(t, receipt.TransactionID.IsZero())

	require.Equal(t, types.Amount(0), f.balance(t, types.UserAccount(f.client)))
	require.Equal(t, types.Amount(1000), f.balance(t, types.EscrowAccount(f.projectID)))
	require.Contains(t, f.emitter.types, events.TypeEscrowDeposited)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 50, "n1")
	require.ErrorIs(t, err, fault.ErrInvalidState)

	_, err = f.engine.Deposit(ctx, f.projectID, f.student, 500, "n2")
	require.ErrorIs(t, err, fault.ErrForbidden)

	_, err = f.engine.Deposit(ctx, f.projectID, f.client, 2000, "n3")
	require.ErrorIs(t, err, fault.ErrInsufficientFunds)
	require.Equal(t, types.Amount(1000), f.balance(t, types.UserAccount(f.client)))
}

func TestDepositIdempotentRetry(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()

	first, err := f.engine.Deposit(ctx, f.projectID, f.client, 400, "pay-1")
	require.NoError(t, err)
	second, err := f.engine.Deposit(ctx, f.projectID, f.client, 400, "pay-1")
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, types.Amount(400), f.balance(t, types.EscrowAccount(f.projectID)))

	// A fresh nonce is a second deposit.
	_, err = f.engine.Deposit(ctx, f.projectID, f.client, 400, "pay-2")
	require.NoError(t, err)
	require.Equal(t, types.Amount(800), f.balance(t, types.EscrowAccount(f.projectID)))
}

func TestDevTopUpKeepsLedgerReconcilable(t *testing.T) {
	f := newFixture(t, 0, []types.Amount{1000})
	f.engine.EnableDevTopUp()
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 500, "n1")
	require.NoError(t, err)
	require.Equal(t, types.Amount(0), f.balance(t, types.UserAccount(f.client)))
	require.Equal(t, types.Amount(500), f.balance(t, types.EscrowAccount(f.projectID)))

	mismatches, err := ledger.Reconcile(f.store)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestMilestoneHappyPath(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)

	m, err := f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	require.Equal(t, MilestoneInProgress, m.Status)

	m, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, []string{"https://git.example/repo/pull/7"})
	require.NoError(t, err)
	require.Equal(t, MilestoneSubmitted, m.Status)
	require.Equal(t, []string{"https://git.example/repo/pull/7"}, m.Artifacts)

	m, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	require.Equal(t, MilestoneApproved, m.Status)

	receipt, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	require.Equal(t, types.Amount(1000), receipt.Amount)
	require.Equal(t, MilestoneReleased, receipt.MilestoneStatus)
	require.Equal(t, ContractCompleted, receipt.ContractStatus)

	require.Equal(t, types.Amount(0), f.balance(t, types.EscrowAccount(f.projectID)))
	require.Equal(t, types.Amount(1000), f.balance(t, types.UserAccount(f.student)))
	require.Equal(t, ProjectCompleted, f.project(t).Status)
	require.Contains(t, f.emitter.types, events.TypeMilestoneReleased)

	mismatches, err := ledger.Reconcile(f.store)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestMilestoneAuthorization(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.StartMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrForbidden)

	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.client, nil)
	require.ErrorIs(t, err, fault.ErrForbidden)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)

	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.student)
	require.ErrorIs(t, err, fault.ErrForbidden)
	_, err = f.engine.RejectMilestone(ctx, f.projectID, mid, f.student, "nope")
	require.ErrorIs(t, err, fault.ErrForbidden)
}

func TestRejectAndResubmit(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)

	m, err := f.engine.RejectMilestone(ctx, f.projectID, mid, f.client, "tests are failing")
	require.NoError(t, err)
	require.Equal(t, MilestoneInProgress, m.Status)
	require.Equal(t, 1, m.RejectionCount)
	require.Equal(t, "tests are failing", m.Feedback)

	m, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	require.Equal(t, MilestoneSubmitted, m.Status)
}

func TestApproveIdempotent(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	m, err := f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	require.Equal(t, MilestoneApproved, m.Status)
}

func TestReleaseRequiresApprovedAndFunds(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrInvalidState)

	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	// Approved but escrow unfunded.
	_, err = f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrInsufficientFunds)
	require.Equal(t, MilestoneApproved, f.milestone(t, mid).Status)
}

func TestReleaseIdempotentRetry(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)
	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	first, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	second, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, first.Amount, second.Amount)
	require.Equal(t, types.Amount(1000), f.balance(t, types.UserAccount(f.student)))
}

func TestThreeMilestoneRounding(t *testing.T) {
	// 1000 split 33/33/34 settles as 330, 330 and a final 340.
	f := newFixture(t, 1000, []types.Amount{330, 330, 340})
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)

	for i, mid := range f.milestoneIDs {
		_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
		require.NoError(t, err)
		_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
		require.NoError(t, err)
		_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
		require.NoError(t, err)
		receipt, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
		require.NoError(t, err)
		if i < len(f.milestoneIDs)-1 {
			require.Equal(t, ContractActive, receipt.ContractStatus)
		} else {
			require.Equal(t, ContractCompleted, receipt.ContractStatus)
		}
	}

	require.Equal(t, types.Amount(0), f.balance(t, types.EscrowAccount(f.projectID)))
	require.Equal(t, types.Amount(1000), f.balance(t, types.UserAccount(f.student)))
	require.Equal(t, ProjectCompleted, f.project(t).Status)
}

func TestPartialRelease(t *testing.T) {
	f := newFixture(t, 600, []types.Amount{600})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 600, "n1")
	require.NoError(t, err)
	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	first, err := f.engine.PartialRelease(ctx, f.projectID, mid, 50, f.client)
	require.NoError(t, err)
	require.Equal(t, types.Amount(300), first.Amount)
	require.Equal(t, MilestoneApproved, first.MilestoneStatus)

	// A second 60% would overshoot the share.
	_, err = f.engine.PartialRelease(ctx, f.projectID, mid, 60, f.client)
	require.ErrorIs(t, err, fault.ErrInvalidState)

	second, err := f.engine.PartialRelease(ctx, f.projectID, mid, 50, f.client)
	require.NoError(t, err)
	require.Equal(t, types.Amount(300), second.Amount)
	require.Equal(t, types.Amount(600), second.Cumulative)
	require.Equal(t, MilestoneReleased, second.MilestoneStatus)
	require.Equal(t, ContractCompleted, second.ContractStatus)
	require.NotEqual(t, first.TransactionID, second.TransactionID)

	require.Equal(t, types.Amount(600), f.balance(t, types.UserAccount(f.student)))
	m := f.milestone(t, mid)
	require.NotNil(t, m.ReleasedAmount)
	require.Equal(t, types.Amount(600), *m.ReleasedAmount)
}

func TestPartialThenFullRelease(t *testing.T) {
	f := newFixture(t, 600, []types.Amount{600})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 600, "n1")
	require.NoError(t, err)
	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	_, err = f.engine.PartialRelease(ctx, f.projectID, mid, 25, f.client)
	require.NoError(t, err)

	receipt, err := f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	require.Equal(t, types.Amount(450), receipt.Amount)
	require.Equal(t, types.Amount(600), receipt.Cumulative)
	require.Equal(t, MilestoneReleased, receipt.MilestoneStatus)
	require.Equal(t, types.Amount(600), f.balance(t, types.UserAccount(f.student)))
}

func TestReleaseFrozenWhileDisputed(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)
	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	tx := f.store.Begin()
	require.NoError(t, tx.Update(storage.Projects, f.projectID.String(), map[string]any{
		"status": string(ProjectDisputed),
	}))
	require.NoError(t, tx.Commit())

	_, err = f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrInvalidState)
	_, err = f.engine.PartialRelease(ctx, f.projectID, mid, 50, f.client)
	require.ErrorIs(t, err, fault.ErrInvalidState)
	require.Equal(t, types.Amount(1000), f.balance(t, types.EscrowAccount(f.projectID)))
}

func TestRefund(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)

	_, err = f.engine.Refund(ctx, f.projectID, 400, f.client, "r1")
	require.ErrorIs(t, err, fault.ErrForbidden)

	receipt, err := f.engine.Refund(ctx, f.projectID, 400, f.admin, "r1")
	require.NoError(t, err)
	require.Equal(t, types.Amount(600), receipt.EscrowBalance)
	require.Equal(t, types.Amount(400), f.balance(t, types.UserAccount(f.client)))

	// Retrying the same refund nonce does not move money twice.
	again, err := f.engine.Refund(ctx, f.projectID, 400, f.admin, "r1")
	require.NoError(t, err)
	require.Equal(t, receipt.TransactionID, again.TransactionID)
	require.Equal(t, types.Amount(600), f.balance(t, types.EscrowAccount(f.projectID)))
}

func TestInvariantViolationQuarantinesProject(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{1000})
	ctx := context.Background()
	mid := f.milestoneIDs[0]

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)

	// Corrupt the milestone so release trips the cumulative check.
	tx := f.store.Begin()
	require.NoError(t, tx.Update(storage.Milestones, mid.String(), map[string]any{
		"status": string(MilestoneApproved), "cumulative_released": 1000,
	}))
	require.NoError(t, tx.Commit())

	_, err = f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrInvariantViolation)

	p := f.project(t)
	require.True(t, p.Quarantined)
	require.Contains(t, f.auditor.kinds, "invariant_violation")
	require.Contains(t, f.emitter.types, events.TypeProjectQuarantine)

	// Every further write is refused until the flag clears.
	_, err = f.engine.Deposit(ctx, f.projectID, f.client, 100, "n2")
	require.ErrorIs(t, err, fault.ErrQuarantined)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.ErrorIs(t, err, fault.ErrQuarantined)
}

func TestCancelOpenMilestones(t *testing.T) {
	f := newFixture(t, 1000, []types.Amount{500, 500})
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, f.projectID, f.client, 1000, "n1")
	require.NoError(t, err)

	// Release the first milestone, leave the second pending.
	mid := f.milestoneIDs[0]
	_, err = f.engine.StartMilestone(ctx, f.projectID, mid, f.student)
	require.NoError(t, err)
	_, err = f.engine.SubmitMilestone(ctx, f.projectID, mid, f.student, nil)
	require.NoError(t, err)
	_, err = f.engine.ApproveMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)
	_, err = f.engine.ReleaseMilestone(ctx, f.projectID, mid, f.client)
	require.NoError(t, err)

	require.ErrorIs(t, f.engine.CancelOpenMilestones(ctx, f.projectID, f.client, ContractCancelled), fault.ErrForbidden)
	require.NoError(t, f.engine.CancelOpenMilestones(ctx, f.projectID, f.admin, ContractCancelled))

	require.Equal(t, MilestoneReleased, f.milestone(t, f.milestoneIDs[0]).Status)
	require.Equal(t, MilestoneCancelled, f.milestone(t, f.milestoneIDs[1]).Status)

	var c Contract
	found, err := f.store.Get(storage.Contracts, f.contractID.String(), &c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ContractCancelled, c.Status)
}
