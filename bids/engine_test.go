package bids

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/escrow"
	"gigvault/storage"
)

type fixture struct {
	store     *storage.Store
	engine    *Engine
	client    types.ID
	studentA  types.ID
	studentB  types.ID
	projectID types.ID
}

func newFixture(t *testing.T, plan []escrow.PlannedMilestone) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.Open(storage.NewMemDB()),
		client:    types.NewID(),
		studentA:  types.NewID(),
		studentB:  types.NewID(),
		projectID: types.NewID(),
	}
	t.Cleanup(func() { f.store.Close() })

	tx := f.store.Begin()
	require.NoError(t, tx.Set(storage.Users, f.client.String(), escrow.User{
		ID: f.client, Role: escrow.RoleClient,
	}))
	require.NoError(t, tx.Set(storage.Users, f.studentA.String(), escrow.User{
		ID: f.studentA, Role: escrow.RoleStudent,
	}))
	require.NoError(t, tx.Set(storage.Users, f.studentB.String(), escrow.User{
		ID: f.studentB, Role: escrow.RoleStudent,
	}))
	require.NoError(t, tx.Set(storage.Projects, f.projectID.String(), escrow.Project{
		ID: f.projectID, ClientID: f.client, Title: "marketplace backend",
		Status: escrow.ProjectOpen, Milestones: plan, CreatedAt: 1,
	}))
	require.NoError(t, tx.Commit())

	f.engine = NewEngine(f.store)
	f.engine.SetNowFunc(func() int64 { return 42 })
	return f
}

func (f *fixture) submit(t *testing.T, proposer types.AccountRef, actor types.ID, price types.Amount) Bid {
	t.Helper()
	b, err := f.engine.Submit(context.Background(), Bid{
		ProjectID: f.projectID, Proposer: proposer, Price: price,
		ETADays: 14, Pitch: "I have built this before",
	}, actor)
	require.NoError(t, err)
	return b
}

func (f *fixture) project(t *testing.T) escrow.Project {
	t.Helper()
	var p escrow.Project
	found, err := f.store.Get(storage.Projects, f.projectID.String(), &p)
	require.NoError(t, err)
	require.True(t, found)
	return p
}

func (f *fixture) bid(t *testing.T, id types.ID) Bid {
	t.Helper()
	var b Bid
	found, err := f.store.Get(storage.Bids, id.String(), &b)
	require.NoError(t, err)
	require.True(t, found)
	return b
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)

	b := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)
	require.Equal(t, BidPending, b.Status)
	require.False(t, b.ID.IsZero())

	p := f.project(t)
	require.Equal(t, 1, p.BidCount)
	require.Equal(t, []types.ID{b.ID}, p.BidIDs)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Clients cannot bid and students cannot bid for others.
	_, err := f.engine.Submit(ctx, Bid{
		ProjectID: f.projectID, Proposer: types.UserAccount(f.client),
		Price: 100, Pitch: "x",
	}, f.client)
	require.ErrorIs(t, err, fault.ErrForbidden)

	_, err = f.engine.Submit(ctx, Bid{
		ProjectID: f.projectID, Proposer: types.UserAccount(f.studentA),
		Price: 100, Pitch: "x",
	}, f.studentB)
	require.ErrorIs(t, err, fault.ErrForbidden)

	_, err = f.engine.Submit(ctx, Bid{
		ProjectID: f.projectID, Proposer: types.UserAccount(f.studentA),
		Price: 0, Pitch: "x",
	}, f.studentA)
	require.ErrorIs(t, err, fault.ErrInvalidState)

	// One live bid per proposer and project.
	f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)
	_, err = f.engine.Submit(ctx, Bid{
		ProjectID: f.projectID, Proposer: types.UserAccount(f.studentA),
		Price: 900, Pitch: "lower offer",
	}, f.studentA)
	require.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestSubmitRequiresOpenProject(t *testing.T) {
	f := newFixture(t, nil)

	tx := f.store.Begin()
	require.NoError(t, tx.Update(storage.Projects, f.projectID.String(), map[string]any{
		"status": string(escrow.ProjectDraft),
	}))
	require.NoError(t, tx.Commit())

	_, err := f.engine.Submit(context.Background(), Bid{
		ProjectID: f.projectID, Proposer: types.UserAccount(f.studentA),
		Price: 100, Pitch: "x",
	}, f.studentA)
	require.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)

	_, err := f.engine.Withdraw(ctx, b.ID, f.studentB)
	require.ErrorIs(t, err, fault.ErrForbidden)

	withdrawn, err := f.engine.Withdraw(ctx, b.ID, f.studentA)
	require.NoError(t, err)
	require.Equal(t, BidWithdrawn, withdrawn.Status)
	require.Equal(t, 0, f.project(t).BidCount)

	_, err = f.engine.Withdraw(ctx, b.ID, f.studentA)
	require.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	b := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)

	_, err := f.engine.Reject(ctx, b.ID, f.studentA, "no")
	require.ErrorIs(t, err, fault.ErrForbidden)

	rejected, err := f.engine.Reject(ctx, b.ID, f.client, "budget too high")
	require.NoError(t, err)
	require.Equal(t, BidRejected, rejected.Status)
	require.Equal(t, "budget too high", rejected.RejectionReason)

	// A rejected proposer may bid again.
	f.submit(t, types.UserAccount(f.studentA), f.studentA, 800)
}

func TestAcceptCreatesContract(t *testing.T) {
	plan := []escrow.PlannedMilestone{
		{Title: "design", Percent: types.PercentFromPoints(33)},
		{Title: "build", Percent: types.PercentFromPoints(33)},
		{Title: "ship", Percent: types.PercentFromPoints(34)},
	}
	f := newFixture(t, plan)
	ctx := context.Background()

	winner := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)
	loser := f.submit(t, types.UserAccount(f.studentB), f.studentB, 1200)

	result, err := f.engine.Accept(ctx, winner.ID, f.client)
	require.NoError(t, err)

	require.Equal(t, escrow.ContractActive, result.Contract.Status)
	require.Equal(t, types.Amount(1000), result.Contract.TotalAmount)
	require.Equal(t, types.UserAccount(f.studentA), result.Contract.Assignee)
	require.Len(t, result.Milestones, 3)
	require.Equal(t, types.Amount(330), result.Milestones[0].Share)
	require.Equal(t, types.Amount(330), result.Milestones[1].Share)
	require.Equal(t, types.Amount(340), result.Milestones[2].Share)
	require.Equal(t, []types.ID{loser.ID}, result.RejectedBids)

	p := f.project(t)
	require.Equal(t, escrow.ProjectInProgress, p.Status)
	require.Equal(t, winner.ID, p.AcceptedBidID)
	require.NotNil(t, p.Assignee)
	require.Equal(t, types.UserAccount(f.studentA), *p.Assignee)

	require.Equal(t, BidAccepted, f.bid(t, winner.ID).Status)
	autoRejected := f.bid(t, loser.ID)
	require.Equal(t, BidRejected, autoRejected.Status)
	require.Equal(t, AutoRejectReason, autoRejected.RejectionReason)
}

func TestAcceptImplicitMilestone(t *testing.T) {
	f := newFixture(t, nil)
	b := f.submit(t, types.UserAccount(f.studentA), f.studentA, 750)

	result, err := f.engine.Accept(context.Background(), b.ID, f.client)
	require.NoError(t, err)
	require.Len(t, result.Milestones, 1)
	require.Equal(t, types.Amount(750), result.Milestones[0].Share)
	require.Equal(t, types.PercentFull, result.Milestones[0].Percent)
}

func TestAcceptIsExclusive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)
	second := f.submit(t, types.UserAccount(f.studentB), f.studentB, 900)

	_, err := f.engine.Accept(ctx, first.ID, f.client)
	require.NoError(t, err)

	// The competitor's bid was auto-rejected; accepting it now fails.
	_, err = f.engine.Accept(ctx, second.ID, f.client)
	require.ErrorIs(t, err, fault.ErrInvalidState)

	// And the losing proposer cannot withdraw a settled bid either.
	_, err = f.engine.Withdraw(ctx, second.ID, f.studentB)
	require.ErrorIs(t, err, fault.ErrInvalidState)
}

func TestAcceptAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	b := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)

	_, err := f.engine.Accept(context.Background(), b.ID, f.studentB)
	require.ErrorIs(t, err, fault.ErrForbidden)
}

// Competing accepts racing through the store: the loser's transaction reads
// the project before the winner commits, conflicts on commit, and the retry
// observes the project already in progress.
func TestAcceptRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.submit(t, types.UserAccount(f.studentA), f.studentA, 1000)
	b := f.submit(t, types.UserAccount(f.studentB), f.studentB, 900)

	done := make(chan error, 2)
	go func() {
		_, err := f.engine.Accept(ctx, a.ID, f.client)
		done <- err
	}()
	go func() {
		_, err := f.engine.Accept(ctx, b.ID, f.client)
		done <- err
	}()
	errA, errB := <-done, <-done

	var won, lost int
	for _, err := range []error{errA, errB} {
		switch {
		case err == nil:
			won++
		default:
			require.ErrorIs(t, err, fault.ErrInvalidState)
			lost++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	p := f.project(t)
	require.Equal(t, escrow.ProjectInProgress, p.Status)
	require.False(t, p.AcceptedBidID.IsZero())
}
