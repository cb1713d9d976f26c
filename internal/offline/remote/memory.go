package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// Call records one write received by a MemoryStore.
type Call struct {
	Op         string // "merge" or "delete"
	Collection schema.Collection
	ID         string
	Fields     map[string]any
}

// FailFunc decides whether a write should fail. Returning nil lets it through.
type FailFunc func(c Call) error

// MemoryStore is an in-process Store. It records every write so callers can
// assert on order, and can be told to fail or slow down writes.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]*Document
	calls []Call
	fail  FailFunc
	delay func(c Call) time.Duration
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

func docKey(collection schema.Collection, id string) string {
	return string(collection) + "/" + id
}

// FailWhen installs fn as the failure injector. Pass nil to clear it.
func (s *MemoryStore) FailWhen(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// DelayWhen installs fn to choose a latency for each write.
func (s *MemoryStore) DelayWhen(fn func(c Call) time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = fn
}

// Calls returns a copy of the writes received so far, failed ones included.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// before records c and applies the configured delay and failure.
func (s *MemoryStore) before(ctx context.Context, c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fail, delay := s.fail, s.delay
	s.mu.Unlock()

	if delay != nil {
		if d := delay(c); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if fail != nil {
		return fail(c)
	}
	return nil
}

// Merge implements Store.Merge.
func (s *MemoryStore) Merge(ctx context.Context, collection schema.Collection, id string, fields map[string]any) error {
	if err := s.before(ctx, Call{Op: "merge", Collection: collection, ID: id, Fields: cloneFields(fields)}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(collection, id)
	doc, ok := s.docs[key]
	if !ok {
		doc = &Document{Collection: collection, ID: id, Fields: map[string]any{}}
		s.docs[key] = doc
	}
	deepMerge(doc.Fields, fields)
	doc.UpdatedAt = s.now()
	return nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(ctx context.Context, collection schema.Collection, id string) error {
	if err := s.before(ctx, Call{Op: "delete", Collection: collection, ID: id}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docKey(collection, id))
	return nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, collection schema.Collection, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey(collection, id)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return &Document{
		Collection: doc.Collection,
		ID:         doc.ID,
		Fields:     cloneFields(doc.Fields),
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// NewID implements Store.NewID.
func (s *MemoryStore) NewID(ctx context.Context, collection schema.Collection) (string, error) {
	return NewDocumentID(), nil
}

// NewDocumentID returns a 20 character random id, the shape remote stores use.
func NewDocumentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
