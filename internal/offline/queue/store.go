// Package queue provides the durable, ordered, client-resident store for
// mutations waiting to be applied to the remote document store.
//
// The queue is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) so
// pending intent survives reloads, crashes and restarts.
//
// Architecture:
//   - Database file: .oms/queue.db
//   - offline_queue: one row per pending mutation, AUTOINCREMENT id is the order key
//   - id_map: temporary id -> remote id bindings created by the first CREATE
//
// Ordering uses the id rather than enqueued_at: ids are assigned in append
// order and are never reused, while wall clocks can step backwards.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// Store wraps the SQLite connection holding the mutation queue.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Mapping binds a temporary document id to the id adopted by the remote store.
type Mapping struct {
	TempID     string
	RemoteID   string
	Collection schema.Collection
	CreatedAt  time.Time
}

// Open creates or opens the queue database at path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := queue.Open(".oms/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	// A single long-lived connection serialises writers and keeps the
	// per-connection pragmas below in effect.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &Store{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return s, nil
}

// OpenAndInit opens the queue at path and makes sure the schema exists.
func OpenAndInit(ctx context.Context, path string) (*Store, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := s.InitSchemaContext(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the queue tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS offline_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		action TEXT NOT NULL,
		document_id TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',  -- JSON object
		enqueued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offline_queue_document
	    ON offline_queue(collection, document_id);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_enqueued
	    ON offline_queue(enqueued_at);

	CREATE TABLE IF NOT EXISTS id_map (
		temp_id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Append validates intent, assigns it the next id and the current time, and
// persists it. The returned id is the mutation's position in the queue.
func (s *Store) Append(intent schema.Intent) (int64, error) {
	return s.AppendContext(context.Background(), intent)
}

// AppendContext appends a mutation with context support.
func (s *Store) AppendContext(ctx context.Context, intent schema.Intent) (int64, error) {
	if err := intent.Validate(); err != nil {
		return 0, err
	}

	data, err := marshalData(intent.Data)
	if err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO offline_queue (collection, action, document_id, data, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(intent.Collection),
		string(intent.Action),
		intent.DocumentID,
		data,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned mutation id: %w", err)
	}
	return id, nil
}

// ListOrdered returns every pending mutation in enqueue order.
func (s *Store) ListOrdered() ([]schema.Mutation, error) {
	return s.ListOrderedContext(context.Background())
}

// ListOrderedContext returns every pending mutation with context support.
func (s *Store) ListOrderedContext(ctx context.Context) ([]schema.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, collection, action, document_id, data, enqueued_at
		FROM offline_queue
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// ListSince returns pending mutations enqueued at or after t, in enqueue order.
func (s *Store) ListSince(ctx context.Context, t time.Time) ([]schema.Mutation, error) {
	all, err := s.ListOrderedContext(ctx)
	if err != nil {
		return nil, err
	}

	var out []schema.Mutation
	for _, m := range all {
		if !m.EnqueuedAt.Before(t) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Get returns the pending mutation with the given id.
// Returns sql.ErrNoRows if it is not queued.
func (s *Store) Get(ctx context.Context, id int64) (*schema.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, collection, action, document_id, data, enqueued_at
		FROM offline_queue
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %d: %w", id, err)
	}
	defer rows.Close()

	muts, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, sql.ErrNoRows
	}
	return &muts[0], nil
}

// Remove deletes the mutation with the given id.
// Returns nil if it no longer exists (idempotent).
func (s *Store) Remove(id int64) error {
	return s.RemoveContext(context.Background(), id)
}

// RemoveContext deletes a mutation with context support.
func (s *Store) RemoveContext(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// Count returns the number of pending mutations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}

// Purge deletes every pending mutation and returns how many were dropped.
// Only meant for operators abandoning a queue; the sync engine never calls it.
func (s *Store) Purge(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM offline_queue`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}
	return int(n), nil
}

// Complete removes mutation id after it was applied remotely. When mapping is
// non-nil, every remaining mutation that refers to mapping.TempID (as its
// document id or anywhere in its payload) is rewritten to mapping.RemoteID in
// the same transaction, so dependent records never drain with a stale id.
func (s *Store) Complete(ctx context.Context, id int64, mapping *Mapping) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin completion of mutation %d: %w", id, err)
	}
	defer tx.Rollback()

	// Write first so the transaction takes the write lock before reading.
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}

	if mapping != nil && mapping.TempID != mapping.RemoteID {
		if err := rewriteReferences(ctx, tx, mapping.TempID, mapping.RemoteID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion of mutation %d: %w", id, err)
	}
	return nil
}

// rewriteReferences replaces from with to in document ids and payloads of
// every queued mutation that mentions it.
func rewriteReferences(ctx context.Context, tx *sql.Tx, from, to string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, document_id, data
		FROM offline_queue
		WHERE document_id = ? OR instr(data, ?) > 0
		ORDER BY id ASC
	`, from, from)
	if err != nil {
		return fmt.Errorf("failed to find references to %s: %w", from, err)
	}

	type pending struct {
		id    int64
		docID string
		data  string
	}
	var updates []pending

	for rows.Next() {
		var (
			id    int64
			docID string
			raw   string
		)
		if err := rows.Scan(&id, &docID, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan reference row: %w", err)
		}

		data, err := unmarshalData(raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("mutation %d: %w", id, err)
		}

		newData, changed := schema.RewriteReferences(data, from, to)
		if docID == from {
			docID = to
			changed = true
		}
		if !changed {
			continue
		}

		encoded, err := marshalData(newData)
		if err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, pending{id: id, docID: docID, data: encoded})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to iterate reference rows: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE offline_queue SET document_id = ?, data = ? WHERE id = ?`,
			u.docID, u.data, u.id,
		); err != nil {
			return fmt.Errorf("failed to rewrite mutation %d: %w", u.id, err)
		}
	}
	return nil
}

// SaveMapping records the remote id chosen for a temporary id. Saving the same
// temporary id twice keeps the first binding.
func (s *Store) SaveMapping(ctx context.Context, m Mapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO id_map (temp_id, collection, remote_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(temp_id) DO NOTHING
	`,
		m.TempID,
		string(m.Collection),
		m.RemoteID,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save id mapping %s: %w", m.TempID, err)
	}
	return nil
}

// LookupMapping returns the binding for tempID, if any.
func (s *Store) LookupMapping(ctx context.Context, tempID string) (*Mapping, bool, error) {
	var (
		m         Mapping
		coll      string
		createdAt string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT temp_id, collection, remote_id, created_at FROM id_map WHERE temp_id = ?
	`, tempID).Scan(&m.TempID, &coll, &m.RemoteID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up id mapping %s: %w", tempID, err)
	}

	m.Collection = schema.Collection(coll)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, true, nil
}

// scanMutations reads mutation rows in the column order used by the queries above.
func scanMutations(rows *sql.Rows) ([]schema.Mutation, error) {
	var muts []schema.Mutation
	for rows.Next() {
		var (
			m          schema.Mutation
			coll       string
			action     string
			raw        string
			enqueuedAt string
		)
		if err := rows.Scan(&m.ID, &coll, &action, &m.DocumentID, &raw, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Collection = schema.Collection(coll)
		m.Action = schema.Action(action)

		data, err := unmarshalData(raw)
		if err != nil {
			return nil, fmt.Errorf("mutation %d: %w", m.ID, err)
		}
		m.Data = data

		t, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("mutation %d: invalid enqueued_at %q: %w", m.ID, enqueuedAt, err)
		}
		m.EnqueuedAt = t

		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return muts, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal mutation data: %w", err)
	}
	return string(b), nil
}

func unmarshalData(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to parse mutation data: %w", err)
	}
	return data, nil
}
