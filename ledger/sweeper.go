package ledger

import (
	"context"
	"log/slog"
	"time"

	"gigvault/core/types"
	"gigvault/storage"
)

// Mismatch reports an account whose stored balance disagrees with the balance
// recomputed from the transaction log.
type Mismatch struct {
	Account  types.AccountRef
	Stored   types.Amount
	Computed types.Amount
}

// Reconcile recomputes every account balance from the ledger and compares it
// against the stored value. An entry's applied effect is never unwound, so
// both settled and reversed entries count; a reversal is compensated by its
// settled mirror. The read is a best-effort snapshot; Reconcile never writes.
func Reconcile(store *storage.Store) ([]Mismatch, error) {
	ids, err := store.List(storage.Transactions)
	if err != nil {
		return nil, err
	}
	deltas := make(map[types.AccountRef]types.Amount)
	for _, id := range ids {
		var entry Entry
		found, err := store.Get(storage.Transactions, id, &entry)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if entry.Status != StatusSettled && entry.Status != StatusReversed {
			continue
		}
		deltas[entry.From] -= entry.Amount
		deltas[entry.To] += entry.Amount
	}

	var mismatches []Mismatch
	for account, delta := range deltas {
		stored, err := BalanceOf(store, account)
		if err != nil {
			// Accounts can be deleted out from under a snapshot read.
			continue
		}
		initial, err := initialBalanceOf(store, account)
		if err != nil {
			continue
		}
		computed := initial + delta
		if computed != stored {
			mismatches = append(mismatches, Mismatch{Account: account, Stored: stored, Computed: computed})
		}
	}
	return mismatches, nil
}

func initialBalanceOf(store *storage.Store, account types.AccountRef) (types.Amount, error) {
	slot, err := slotFor(account)
	if err != nil {
		return 0, err
	}
	if account.Kind == types.AccountEscrow {
		// Escrows start empty; every escrow balance change is ledgered.
		return 0, nil
	}
	doc := make(map[string]any)
	found, err := store.Get(slot.collection, account.ID.String(), &doc)
	if err != nil || !found {
		return 0, err
	}
	raw, ok := doc["initial_balance"]
	if !ok {
		return 0, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, nil
	}
	return types.Amount(int64(v)), nil
}

// Sweeper periodically reconciles balances against the ledger and logs any
// drift as critical. It holds no locks and performs no writes.
type Sweeper struct {
	store    *storage.Store
	interval time.Duration
	log      *slog.Logger
	onDrift  func(Mismatch)
}

// NewSweeper builds a sweeper. onDrift may be nil; it is invoked once per
// mismatch, typically to bump a metric.
func NewSweeper(store *storage.Store, interval time.Duration, log *slog.Logger, onDrift func(Mismatch)) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval, log: log, onDrift: onDrift}
}

// Run blocks until ctx is cancelled, reconciling once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	mismatches, err := Reconcile(s.store)
	if err != nil {
		s.log.Error("ledger reconciliation failed", "err", err)
		return
	}
	for _, m := range mismatches {
		s.log.Error("ledger balance drift",
			"account", m.Account.String(),
			"stored", int64(m.Stored),
			"computed", int64(m.Computed),
		)
		if s.onDrift != nil {
			s.onDrift(m)
		}
	}
}
