package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// Soft delete markers written by SOFT_DELETE mutations.
const (
	FieldSoftDeleted = "isSoftDeleted"
	FieldUpdatedAt   = "updatedAt"
)

// UnexpectedActionError is returned when a mutation carries an action the
// applier does not know. It always halts the drain.
type UnexpectedActionError struct {
	Action schema.Action
}

func (e *UnexpectedActionError) Error() string {
	return fmt.Sprintf("unknown action: %q", string(e.Action))
}

// Applier translates one queued mutation into the matching remote write.
// It keeps no state between calls.
type Applier struct {
	store Store
	now   func() time.Time
}

// NewApplier returns an Applier writing to store.
func NewApplier(store Store) *Applier {
	return &Applier{store: store, now: time.Now}
}

// Store returns the underlying remote store.
func (a *Applier) Store() Store {
	return a.store
}

// NewID allocates a remote document id for a record created offline.
func (a *Applier) NewID(ctx context.Context, collection schema.Collection) (string, error) {
	id, err := a.store.NewID(ctx, collection)
	if err != nil {
		return "", fmt.Errorf("failed to allocate %s id: %w", collection, err)
	}
	return id, nil
}

// Apply performs the remote write for m:
//
//	CREATE, UPDATE  merge m.Data into the document
//	DELETE          remove the document
//	SOFT_DELETE     merge {isSoftDeleted: true, updatedAt: now}
//
// Any other action yields *UnexpectedActionError without touching the store.
func (a *Applier) Apply(ctx context.Context, m schema.Mutation) error {
	switch m.Action {
	case schema.ActionCreate, schema.ActionUpdate:
		if err := a.store.Merge(ctx, m.Collection, m.DocumentID, m.Data); err != nil {
			return fmt.Errorf("failed to merge %s/%s: %w", m.Collection, m.DocumentID, err)
		}
	case schema.ActionDelete:
		if err := a.store.Delete(ctx, m.Collection, m.DocumentID); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", m.Collection, m.DocumentID, err)
		}
	case schema.ActionSoftDelete:
		tombstone := map[string]any{
			FieldSoftDeleted: true,
			FieldUpdatedAt:   a.now().UTC().Format(time.RFC3339),
		}
		if err := a.store.Merge(ctx, m.Collection, m.DocumentID, tombstone); err != nil {
			return fmt.Errorf("failed to soft delete %s/%s: %w", m.Collection, m.DocumentID, err)
		}
	default:
		return &UnexpectedActionError{Action: m.Action}
	}
	return nil
}
