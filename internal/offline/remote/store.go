// Package remote applies queued mutations to the shared document store.
//
// The Store interface is the narrow surface the sync engine needs from the
// remote side: merge fields into a document, delete a document, read it back,
// and allocate fresh document ids. SQLStore implements it over any
// database/sql handle (a Turso/libSQL database in production, see
// remote/libsql); MemoryStore implements it in-process for tests and
// development.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// ErrNotFound is returned by Store.Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a remote document as last written.
type Document struct {
	Collection schema.Collection `json:"collection"`
	ID         string            `json:"id"`
	Fields     map[string]any    `json:"fields"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Store is the remote document store.
//
// Every method addresses a single document and must be atomic for that
// document. Implementations are safe for concurrent use.
type Store interface {
	// Merge writes fields into the document, creating it when absent.
	//
	// Keys present in fields replace the stored values; nested objects are
	// merged key by key; keys not mentioned are preserved. Writing the same
	// fields twice leaves the document unchanged.
	//
	// Example:
	//   err := store.Merge(ctx, schema.CollectionProducts, "p-1",
	//       map[string]any{"name": "Gown"})
	Merge(ctx context.Context, collection schema.Collection, id string, fields map[string]any) error

	// Delete removes the document.
	//
	// Returns nil if the document doesn't exist (idempotent).
	Delete(ctx context.Context, collection schema.Collection, id string) error

	// Get returns the document, or ErrNotFound.
	Get(ctx context.Context, collection schema.Collection, id string) (*Document, error)

	// NewID allocates a fresh document id in the collection.
	//
	// Allocation never writes the document.
	NewID(ctx context.Context, collection schema.Collection) (string, error)
}

// deepMerge merges src into dst in place. Nested maps are merged recursively;
// every other value replaces what dst held.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// cloneValue copies maps and slices so stored documents never alias caller data.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return cloneValue(fields).(map[string]any)
}
