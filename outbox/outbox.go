// Package outbox implements the post-commit notification pattern: service
// transactions append an envelope document in the same store transaction as
// the state change, and a separate relay loop delivers pending envelopes to
// registered webhooks. Core correctness never depends on delivery.
package outbox

import (
	"sort"

	"gigvault/core/types"
	"gigvault/storage"
)

// Envelope is a pending notification written inside a service transaction.
type Envelope struct {
	ID         types.ID          `json:"id"`
	Seq        int64             `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"created_at"`
	Delivered  bool              `json:"delivered"`
	Attempts   int               `json:"attempts"`
}

// Append stages an envelope for the given event inside tx. The sequence is the
// caller's clock; envelopes are delivered in (seq, id) order.
func Append(tx *storage.Tx, event *types.Event, seq int64) (types.ID, error) {
	if event == nil {
		return "", nil
	}
	id := types.NewID()
	env := Envelope{
		ID:         id,
		Seq:        seq,
		Type:       event.Type,
		Attributes: event.Attributes,
		CreatedAt:  seq,
	}
	if err := tx.Set(storage.Outbox, id.String(), env); err != nil {
		return "", err
	}
	return id, nil
}

// Pending returns undelivered envelopes ordered by sequence.
func Pending(store *storage.Store, limit int) ([]Envelope, error) {
	ids, err := store.List(storage.Outbox)
	if err != nil {
		return nil, err
	}
	var pending []Envelope
	for _, id := range ids {
		var env Envelope
		found, err := store.Get(storage.Outbox, id, &env)
		if err != nil {
			return nil, err
		}
		if !found || env.Delivered {
			continue
		}
		pending = append(pending, env)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Seq != pending[j].Seq {
			return pending[i].Seq < pending[j].Seq
		}
		return pending[i].ID < pending[j].ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkDelivered flags an envelope as delivered and records the attempt count.
func MarkDelivered(store *storage.Store, id types.ID, attempts int) error {
	tx := store.Begin()
	var env Envelope
	found, err := tx.Get(storage.Outbox, id.String(), &env)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !found {
		tx.Rollback()
		return nil
	}
	if err := tx.Update(storage.Outbox, id.String(), map[string]any{
		"delivered": true,
		"attempts":  attempts,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordAttempt bumps the attempt counter on a still-pending envelope.
func RecordAttempt(store *storage.Store, id types.ID, attempts int) error {
	tx := store.Begin()
	var env Envelope
	found, err := tx.Get(storage.Outbox, id.String(), &env)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !found {
		tx.Rollback()
		return nil
	}
	if err := tx.Update(storage.Outbox, id.String(), map[string]any{
		"attempts": attempts,
	}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
