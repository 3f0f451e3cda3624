// Package ledger implements the append-only transaction log behind every
// balance change in the marketplace. All mutations of user wallets, team
// wallets and project escrows flow through Post inside a caller-supplied
// store transaction, keeping the log and the balances it implies atomic.
package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"gigvault/core/fault"
	"gigvault/core/types"
	"gigvault/storage"
)

// EntryType classifies a ledger movement.
type EntryType string

const (
	TypeEscrowFund       EntryType = "escrow_fund"
	TypeMilestoneRelease EntryType = "milestone_release"
	TypeRefund           EntryType = "refund"
	TypeAdjustment       EntryType = "adjustment"
	TypeWithdrawal       EntryType = "withdrawal"
)

// Valid reports whether the entry type is supported.
func (t EntryType) Valid() bool {
	switch t {
	case TypeEscrowFund, TypeMilestoneRelease, TypeRefund, TypeAdjustment, TypeWithdrawal:
		return true
	default:
		return false
	}
}

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusSettled  EntryStatus = "settled"
	StatusReversed EntryStatus = "reversed"
)

// Entry is a single double-entry movement. Entries are append-only; the only
// in-place mutation ever applied is flipping Status to reversed when a mirror
// refund is posted.
type Entry struct {
	ID        types.ID          `json:"id"`
	ProjectID types.ID          `json:"project_id"`
	From      types.AccountRef  `json:"from"`
	To        types.AccountRef  `json:"to"`
	Amount    types.Amount      `json:"amount"`
	Type      EntryType         `json:"type"`
	Status    EntryStatus       `json:"status"`
	Reverses  types.ID          `json:"reverses,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// sameContent reports whether two entries describe the identical movement,
// ignoring settlement bookkeeping.
func (e Entry) sameContent(other Entry) bool {
	return e.ProjectID == other.ProjectID &&
		e.From.Equal(other.From) &&
		e.To.Equal(other.To) &&
		e.Amount == other.Amount &&
		e.Type == other.Type
}

// EntryID derives the idempotency key for a movement as a content hash of
// (project, intent, milestone, nonce). Retrying an operation with the same
// inputs therefore reuses the same entry id.
func EntryID(projectID types.ID, intent string, milestoneID types.ID, nonce string) types.ID {
	payload := strings.Join([]string{
		projectID.String(), intent, milestoneID.String(), nonce,
	}, "\x00")
	sum := blake3.Sum256([]byte(payload))
	return types.ID(hex.EncodeToString(sum[:16]))
}

// balanceSlot locates the document and field that carry an account's balance.
type balanceSlot struct {
	collection storage.Collection
	field      string
}

func slotFor(account types.AccountRef) (balanceSlot, error) {
	switch account.Kind {
	case types.AccountUser:
		return balanceSlot{storage.Users, "wallet_balance"}, nil
	case types.AccountTeam:
		return balanceSlot{storage.Teams, "team_wallet_balance"}, nil
	case types.AccountEscrow:
		return balanceSlot{storage.Projects, "escrow_balance"}, nil
	default:
		return balanceSlot{}, fmt.Errorf("ledger: unsupported account kind %q", account.Kind)
	}
}

func readBalance(tx *storage.Tx, account types.AccountRef) (types.Amount, error) {
	slot, err := slotFor(account)
	if err != nil {
		return 0, err
	}
	doc := make(map[string]any)
	found, err := tx.Get(slot.collection, account.ID.String(), &doc)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fault.NotFound(string(slot.collection), account.ID.String())
	}
	raw, ok := doc[slot.field]
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return types.Amount(int64(v)), nil
	default:
		return 0, fmt.Errorf("ledger: balance field %q has unexpected type %T", slot.field, raw)
	}
}

// Post appends an entry and applies the two balance changes it implies within
// the same transaction. Posting an entry whose id already exists with
// identical contents is a no-op that returns the stored entry and applied
// false; the same id with different contents is an invariant violation. A
// movement that would drive the source balance negative fails with
// insufficient funds and leaves no staged state behind.
func Post(tx *storage.Tx, entry Entry) (Entry, bool, error) {
	if entry.ID.IsZero() {
		return Entry{}, false, fmt.Errorf("ledger: entry id required")
	}
	if entry.Amount <= 0 {
		return Entry{}, false, fault.InvalidState("ledger entry amount must be positive")
	}
	if !entry.Type.Valid() {
		return Entry{}, false, fault.InvalidState(fmt.Sprintf("unknown ledger entry type %q", entry.Type))
	}
	if err := entry.From.Validate(); err != nil {
		return Entry{}, false, err
	}
	if err := entry.To.Validate(); err != nil {
		return Entry{}, false, err
	}
	if entry.From.Equal(entry.To) {
		return Entry{}, false, fault.InvalidState("ledger entry must move funds between two distinct accounts")
	}

	var existing Entry
	found, err := tx.Get(storage.Transactions, entry.ID.String(), &existing)
	if err != nil {
		return Entry{}, false, err
	}
	if found {
		if existing.sameContent(entry) {
			// Replay of an applied movement: success, no new effect.
			return existing, false, nil
		}
		return Entry{}, false, fmt.Errorf("%w: ledger entry %s replayed with different contents", fault.ErrInvariantViolation, entry.ID)
	}

	fromBalance, err := readBalance(tx, entry.From)
	if err != nil {
		return Entry{}, false, err
	}
	if fromBalance < entry.Amount {
		return Entry{}, false, fmt.Errorf("%w: %s holds %d, needs %d", fault.ErrInsufficientFunds, entry.From, fromBalance, entry.Amount)
	}
	if _, err := readBalance(tx, entry.To); err != nil {
		return Entry{}, false, err
	}

	fromSlot, _ := slotFor(entry.From)
	toSlot, _ := slotFor(entry.To)
	if err := tx.Increment(fromSlot.collection, entry.From.ID.String(), fromSlot.field, -int64(entry.Amount)); err != nil {
		return Entry{}, false, err
	}
	if err := tx.Increment(toSlot.collection, entry.To.ID.String(), toSlot.field, int64(entry.Amount)); err != nil {
		return Entry{}, false, err
	}

	entry.Status = StatusSettled
	if err := tx.Set(storage.Transactions, entry.ID.String(), entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Reverse posts a mirror refund entry for a settled movement and marks the
// original as reversed. The mirror id derives from the original id so the
// reversal itself is idempotent.
func Reverse(tx *storage.Tx, entryID types.ID, reason string, createdAt int64) (Entry, error) {
	var original Entry
	found, err := tx.Get(storage.Transactions, entryID.String(), &original)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fault.NotFound("transaction", entryID.String())
	}
	if original.Status == StatusReversed {
		mirrorID := EntryID(original.ProjectID, "reverse", "", entryID.String())
		var mirror Entry
		if ok, err := tx.Get(storage.Transactions, mirrorID.String(), &mirror); err == nil && ok {
			return mirror, nil
		}
		return Entry{}, fault.InvalidState(fmt.Sprintf("entry %s already reversed", entryID))
	}
	if original.Status != StatusSettled {
		return Entry{}, fault.InvalidState(fmt.Sprintf("entry %s is not settled", entryID))
	}

	mirror := Entry{
		ID:        EntryID(original.ProjectID, "reverse", "", entryID.String()),
		ProjectID: original.ProjectID,
		From:      original.To,
		To:        original.From,
		Amount:    original.Amount,
		Type:      TypeRefund,
		Reverses:  original.ID,
		Metadata:  map[string]string{"reason": reason},
		CreatedAt: createdAt,
	}
	posted, _, err := Post(tx, mirror)
	if err != nil {
		return Entry{}, err
	}
	original.Status = StatusReversed
	if err := tx.Set(storage.Transactions, original.ID.String(), original); err != nil {
		return Entry{}, err
	}
	return posted, nil
}

// BalanceOf reads an account balance outside any transaction, best-effort
// fresh.
func BalanceOf(store *storage.Store, account types.AccountRef) (types.Amount, error) {
	slot, err := slotFor(account)
	if err != nil {
		return 0, err
	}
	doc := make(map[string]any)
	found, err := store.Get(slot.collection, account.ID.String(), &doc)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fault.NotFound(string(slot.collection), account.ID.String())
	}
	raw, ok := doc[slot.field]
	if !ok {
		return 0, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("ledger: balance field %q has unexpected type %T", slot.field, raw)
	}
	return types.Amount(int64(v)), nil
}
