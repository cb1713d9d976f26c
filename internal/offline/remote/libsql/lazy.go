package libsql

import (
	"context"
	"sync"

	"github.com/eliteoms/oms/internal/offline/remote"
	"github.com/eliteoms/oms/internal/offline/schema"
)

// LazyStore connects on first use and reconnects after a failed attempt, so a
// daemon can start while the remote database is unreachable.
type LazyStore struct {
	url   string
	token string

	mu    sync.Mutex
	store *remote.SQLStore
}

// NewLazy returns a LazyStore for dbURL. No connection is made yet.
func NewLazy(dbURL, authToken string) *LazyStore {
	return &LazyStore{url: dbURL, token: authToken}
}

func (s *LazyStore) get(ctx context.Context) (*remote.SQLStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		return s.store, nil
	}
	store, err := Open(ctx, s.url, s.token)
	if err != nil {
		return nil, err
	}
	s.store = store
	return store, nil
}

// Merge implements remote.Store.
func (s *LazyStore) Merge(ctx context.Context, collection schema.Collection, id string, fields map[string]any) error {
	store, err := s.get(ctx)
	if err != nil {
		return err
	}
	return store.Merge(ctx, collection, id, fields)
}

// Delete implements remote.Store.
func (s *LazyStore) Delete(ctx context.Context, collection schema.Collection, id string) error {
	store, err := s.get(ctx)
	if err != nil {
		return err
	}
	return store.Delete(ctx, collection, id)
}

// Get implements remote.Store.
func (s *LazyStore) Get(ctx context.Context, collection schema.Collection, id string) (*remote.Document, error) {
	store, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, collection, id)
}

// NewID implements remote.Store. Ids are generated locally, so this never
// needs a connection.
func (s *LazyStore) NewID(ctx context.Context, collection schema.Collection) (string, error) {
	return remote.NewDocumentID(), nil
}

// Close closes the connection if one was made.
func (s *LazyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

var _ remote.Store = (*LazyStore)(nil)
