// Package audit persists the operational side-channel of the escrow core:
// critical audit events (invariant violations, dispute resolutions,
// quarantines) and the webhook registry consumed by the outbox relay.
package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages audit log and webhook persistence in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            severity TEXT NOT NULL,
            project_id TEXT,
            actor_id TEXT,
            kind TEXT NOT NULL,
            detail TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            envelope_id TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Entry is a single audit log row.
type Entry struct {
	Severity  string
	ProjectID string
	ActorID   string
	Kind      string
	Detail    string
	Timestamp time.Time
}

// Record appends an audit entry.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	const stmt = `INSERT INTO audit_log(severity, project_id, actor_id, kind, detail, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Severity, entry.ProjectID, entry.ActorID, entry.Kind, entry.Detail, entry.Timestamp)
	return err
}

// RecordCritical appends a critical audit entry. Used for invariant
// violations and quarantines.
func (s *Store) RecordCritical(ctx context.Context, projectID, kind, detail string) error {
	return s.Record(ctx, Entry{Severity: "critical", ProjectID: projectID, Kind: kind, Detail: detail})
}

// EntriesForProject returns the audit trail of a project, newest first.
func (s *Store) EntriesForProject(ctx context.Context, projectID string) ([]Entry, error) {
	const query = `SELECT severity, project_id, actor_id, kind, detail, occurred_at FROM audit_log WHERE project_id = ? ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Severity, &e.ProjectID, &e.ActorID, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Webhook describes a registered delivery endpoint.
type Webhook struct {
	ID        int64
	EventType string
	URL       string
	Secret    string
	Active    bool
	CreatedAt time.Time
}

// InsertWebhook registers a webhook subscription.
func (s *Store) InsertWebhook(ctx context.Context, hook Webhook) (int64, error) {
	const stmt = `INSERT INTO webhooks(event_type, url, secret, active, created_at) VALUES (?, ?, ?, ?, ?)`
	active := 0
	if hook.Active {
		active = 1
	}
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, stmt, hook.EventType, hook.URL, hook.Secret, active, hook.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// WebhooksForEvent returns active subscriptions interested in an event type.
func (s *Store) WebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	const query = `SELECT id, event_type, url, secret, active, created_at FROM webhooks WHERE event_type = ? AND active = 1`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hooks []Webhook
	for rows.Next() {
		var hook Webhook
		var active int
		if err := rows.Scan(&hook.ID, &hook.EventType, &hook.URL, &hook.Secret, &active, &hook.CreatedAt); err != nil {
			return nil, err
		}
		hook.Active = active == 1
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// Attempt captures a single webhook delivery attempt.
type Attempt struct {
	WebhookID  int64
	EnvelopeID string
	Attempt    int
	Status     string
	Error      string
	CreatedAt  time.Time
}

// InsertAttempt records a webhook delivery attempt.
func (s *Store) InsertAttempt(ctx context.Context, attempt Attempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO webhook_attempts(webhook_id, envelope_id, attempt, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EnvelopeID, attempt.Attempt, attempt.Status, attempt.Error, attempt.CreatedAt)
	return err
}
