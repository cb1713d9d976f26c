package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// SQLStore keeps documents in a single SQL table, one JSON object per row.
// It works with any SQLite-dialect database/sql driver (libSQL, ncruces).
type SQLStore struct {
	conn *sql.DB
	now  func() time.Time
}

// NewSQLStore wraps conn. Call InitSchema before first use.
func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{conn: conn, now: time.Now}
}

// InitSchema creates the documents table. Safe to call repeatedly.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *SQLStore) Close() error {
	return s.conn.Close()
}

// Merge implements Store.Merge as a read-modify-write in one transaction.
func (s *SQLStore) Merge(ctx context.Context, collection schema.Collection, id string, fields map[string]any) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		string(collection), id,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	default:
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
		}
		if current == nil {
			current = map[string]any{}
		}
	}

	deepMerge(current, fields)

	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, string(collection), id, string(encoded), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *SQLStore) Delete(ctx context.Context, collection schema.Collection, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		string(collection), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get implements Store.Get.
func (s *SQLStore) Get(ctx context.Context, collection schema.Collection, id string) (*Document, error) {
	var raw, updatedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT data, updated_at FROM documents WHERE collection = ? AND id = ?`,
		string(collection), id,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}

	doc := &Document{Collection: collection, ID: id, Fields: map[string]any{}}
	if err := json.Unmarshal([]byte(raw), &doc.Fields); err != nil {
		return nil, fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

// NewID implements Store.NewID.
func (s *SQLStore) NewID(ctx context.Context, collection schema.Collection) (string, error) {
	return NewDocumentID(), nil
}
