// Package libsql opens the remote document store on a Turso/libSQL database.
//
// It lives in its own package because the libSQL driver needs cgo; the rest
// of the sync stack builds and tests without it.
package libsql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/eliteoms/oms/internal/offline/remote"
)

// DSN builds the connection string for dbURL, adding authToken as a query
// parameter when set. Local paths are passed through as file: URLs.
func DSN(dbURL, authToken string) (string, error) {
	if dbURL == "" {
		return "", fmt.Errorf("remote url is required")
	}
	if !strings.Contains(dbURL, "://") && !strings.HasPrefix(dbURL, "file:") {
		dbURL = "file:" + dbURL
	}
	if authToken == "" {
		return dbURL, nil
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	q := u.Query()
	q.Set("authToken", authToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open connects to the libSQL database at dbURL, creates the documents table
// if needed, and returns it as a remote.SQLStore.
//
// Example:
//
//	store, err := libsql.Open(ctx, "libsql://oms-eliteoms.turso.io", token)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(ctx context.Context, dbURL, authToken string) (*remote.SQLStore, error) {
	dsn, err := DSN(dbURL, authToken)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}

	store := remote.NewSQLStore(conn)
	if err := store.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}
