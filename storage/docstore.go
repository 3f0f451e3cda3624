package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gigvault/core/fault"
)

// Collection names the logical document collections persisted by the core.
type Collection string

const (
	Users        Collection = "users"
	Teams        Collection = "teams"
	Projects     Collection = "projects"
	Bids         Collection = "bids"
	Contracts    Collection = "contracts"
	Milestones   Collection = "milestones"
	Transactions Collection = "transactions"
	Disputes     Collection = "disputes"
	Outbox       Collection = "outbox"
)

// envelope wraps every stored document with the bookkeeping the optimistic
// concurrency control needs.
type envelope struct {
	Version   uint64          `json:"version"`
	UpdatedAt int64           `json:"updatedAt"`
	Body      json.RawMessage `json:"body"`
}

// Store is the transactional document store every other component persists
// through. Writers stage changes in a Tx; commit applies them atomically and
// fails with a conflict when any document read by the Tx changed since it was
// read. Server timestamps are strictly monotonic per store.
type Store struct {
	mu     sync.Mutex
	db     Database
	lastTS int64
}

// Open wraps a key-value backend in a document store.
func Open(db Database) *Store {
	return &Store{db: db}
}

// Close releases the underlying backend.
func (s *Store) Close() { s.db.Close() }

// serverTimestamp returns a timestamp strictly greater than any previously
// committed one. Callers must hold s.mu.
func (s *Store) serverTimestamp() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

func docKey(collection Collection, id string) []byte {
	return []byte(string(collection) + "/" + id)
}

func (s *Store) load(collection Collection, id string) (*envelope, error) {
	raw, err := s.db.Get(docKey(collection, id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("storage: corrupt document %s/%s: %w", collection, id, err)
	}
	return &env, nil
}

// Get reads a document outside any transaction. Returns false when absent.
func (s *Store) Get(collection Collection, id string, dest any) (bool, error) {
	env, err := s.load(collection, id)
	if err != nil || env == nil {
		return false, err
	}
	if dest != nil {
		if err := json.Unmarshal(env.Body, dest); err != nil {
			return false, err
		}
	}
	return true, nil
}

// List returns every document id in a collection, in lexicographic order.
func (s *Store) List(collection Collection) ([]string, error) {
	prefix := string(collection) + "/"
	keys, err := s.db.Keys([]byte(prefix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids, nil
}

// Begin starts a logical transaction. The Tx stages writes in memory and
// records the version of every document it reads; Commit re-validates those
// versions under the store lock.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:  s,
		reads:  make(map[string]uint64),
		writes: make(map[string]*stagedWrite),
	}
}

type stagedWrite struct {
	deleted bool
	body    json.RawMessage
}

// Tx is a logical transaction over the document store.
type Tx struct {
	store  *Store
	reads  map[string]uint64
	writes map[string]*stagedWrite
	order  []string
	done   bool
}

var errTxFinished = errors.New("storage: transaction already finished")

func (tx *Tx) stage(key string, w *stagedWrite) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = w
}

// Get reads a document through the transaction, observing staged writes.
// Returns false when the document does not exist.
func (tx *Tx) Get(collection Collection, id string, dest any) (bool, error) {
	if tx.done {
		return false, errTxFinished
	}
	key := string(docKey(collection, id))
	if staged, ok := tx.writes[key]; ok {
		if staged.deleted {
			return false, nil
		}
		if dest != nil {
			if err := json.Unmarshal(staged.body, dest); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	env, err := tx.store.load(collection, id)
	if err != nil {
		return false, err
	}
	if env == nil {
		tx.reads[key] = 0
		return false, nil
	}
	tx.reads[key] = env.Version
	if dest != nil {
		if err := json.Unmarshal(env.Body, dest); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Set stages a full document write.
func (tx *Tx) Set(collection Collection, id string, doc any) error {
	if tx.done {
		return errTxFinished
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tx.stage(string(docKey(collection, id)), &stagedWrite{body: body})
	return nil
}

// Update stages a partial document write by merging the patch fields into the
// current document. The document must exist.
func (tx *Tx) Update(collection Collection, id string, patch map[string]any) error {
	if tx.done {
		return errTxFinished
	}
	current, err := tx.rawBody(collection, id)
	if err != nil {
		return err
	}
	merged, err := mergePatch(current, patch)
	if err != nil {
		return err
	}
	tx.stage(string(docKey(collection, id)), &stagedWrite{body: merged})
	return nil
}

// Increment stages an integer delta on a numeric top-level field. The document
// must exist; a missing field starts from zero.
func (tx *Tx) Increment(collection Collection, id, field string, delta int64) error {
	if tx.done {
		return errTxFinished
	}
	current, err := tx.rawBody(collection, id)
	if err != nil {
		return err
	}
	fields, err := decodeFields(current)
	if err != nil {
		return err
	}
	var value int64
	if raw, ok := fields[field]; ok {
		num, ok := raw.(json.Number)
		if !ok {
			return fmt.Errorf("storage: field %q of %s/%s is not numeric", field, collection, id)
		}
		value, err = num.Int64()
		if err != nil {
			return fmt.Errorf("storage: field %q of %s/%s is not an integer: %w", field, collection, id, err)
		}
	}
	fields[field] = json.Number(fmt.Sprintf("%d", value+delta))
	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	tx.stage(string(docKey(collection, id)), &stagedWrite{body: merged})
	return nil
}

// Delete stages a document removal.
func (tx *Tx) Delete(collection Collection, id string) error {
	if tx.done {
		return errTxFinished
	}
	// Record the dependency so a concurrent writer conflicts with us.
	if _, err := tx.rawBody(collection, id); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return err
	}
	tx.stage(string(docKey(collection, id)), &stagedWrite{deleted: true})
	return nil
}

func (tx *Tx) rawBody(collection Collection, id string) (json.RawMessage, error) {
	key := string(docKey(collection, id))
	if staged, ok := tx.writes[key]; ok {
		if staged.deleted {
			return nil, fault.NotFound(string(collection), id)
		}
		return staged.body, nil
	}
	env, err := tx.store.load(collection, id)
	if err != nil {
		return nil, err
	}
	if env == nil {
		tx.reads[key] = 0
		return nil, fault.NotFound(string(collection), id)
	}
	tx.reads[key] = env.Version
	return env.Body, nil
}

// Commit applies all staged writes atomically. It fails with fault.ErrConflict
// when any document the transaction read was modified by another committed
// writer in the meantime; the caller is expected to retry.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxFinished
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for key, version := range tx.reads {
		collection, id := splitKey(key)
		env, err := tx.store.load(collection, id)
		if err != nil {
			return err
		}
		var current uint64
		if env != nil {
			current = env.Version
		}
		if current != version {
			return fmt.Errorf("%w: %s changed during transaction", fault.ErrConflict, key)
		}
	}

	for _, key := range tx.order {
		staged := tx.writes[key]
		collection, id := splitKey(key)
		if staged.deleted {
			if err := tx.store.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		var version uint64
		if env, err := tx.store.load(collection, id); err != nil {
			return err
		} else if env != nil {
			version = env.Version
		}
		env := envelope{
			Version:   version + 1,
			UpdatedAt: tx.store.serverTimestamp(),
			Body:      staged.body,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := tx.store.db.Put([]byte(key), raw); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards all staged writes. Safe to call after Commit; it then has
// no effect.
func (tx *Tx) Rollback() {
	tx.done = true
	tx.writes = nil
	tx.reads = nil
	tx.order = nil
}

func splitKey(key string) (Collection, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return Collection(key[:i]), key[i+1:]
		}
	}
	return Collection(key), ""
}

func decodeFields(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	fields := make(map[string]any)
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func mergePatch(current json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	fields, err := decodeFields(current)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		fields[k] = v
	}
	return json.Marshal(fields)
}
