package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Appended int
	Mappings int
	Errors   []string
}

// mappingRecord is the JSONL form of a stored temporary id binding.
type mappingRecord struct {
	TempID     string            `json:"tempId"`
	RemoteID   string            `json:"remoteId"`
	Collection schema.Collection `json:"collection"`
}

// jsonlRecord is one line of a JSONL export: either a binding or a mutation.
type jsonlRecord struct {
	Mapping *mappingRecord `json:"mapping,omitempty"`
	schema.Mutation
}

// ExportJSONL writes every pending mutation to w, one JSON object per line,
// in enqueue order. Bindings already chosen for temporary ids the mutations
// refer to are written first as {"mapping": {...}} lines, so an import on
// another machine reuses the same remote ids. It returns the number of
// mutations written.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) (int, error) {
	muts, err := s.ListOrderedContext(ctx)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)

	seen := make(map[string]bool)
	for _, m := range muts {
		ids := schema.TemporaryIDs(m.Data)
		if schema.IsTemporaryID(m.DocumentID) {
			ids = append([]string{m.DocumentID}, ids...)
		}
		for _, tempID := range ids {
			if seen[tempID] {
				continue
			}
			seen[tempID] = true

			mapping, ok, err := s.LookupMapping(ctx, tempID)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			line := struct {
				Mapping mappingRecord `json:"mapping"`
			}{mappingRecord{TempID: mapping.TempID, RemoteID: mapping.RemoteID, Collection: mapping.Collection}}
			if err := enc.Encode(line); err != nil {
				return 0, fmt.Errorf("failed to encode id mapping %s: %w", tempID, err)
			}
		}
	}

	for _, m := range muts {
		if err := enc.Encode(m); err != nil {
			return 0, fmt.Errorf("failed to encode mutation %d: %w", m.ID, err)
		}
	}
	return len(muts), nil
}

// ExportYAML writes every pending mutation to w as a YAML sequence. It is a
// read-only view: id bindings are not included and it cannot be imported.
func (s *Store) ExportYAML(ctx context.Context, w io.Writer) (int, error) {
	muts, err := s.ListOrderedContext(ctx)
	if err != nil {
		return 0, err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()

	if muts == nil {
		muts = []schema.Mutation{}
	}
	if err := enc.Encode(muts); err != nil {
		return 0, fmt.Errorf("failed to encode queue as YAML: %w", err)
	}
	return len(muts), nil
}

// ImportJSONL reads mutations written by ExportJSONL and appends them in file
// order. Ids and timestamps from the file are discarded; the local queue
// assigns fresh ones so imported records drain after anything already queued.
// Invalid lines are recorded in the result and skipped. Mapping lines restore
// temporary id bindings; an existing local binding for the same id wins.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader) (*ImportResult, error) {
	result := &ImportResult{}
	dec := json.NewDecoder(r)

	for {
		var rec jsonlRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at record %d: %w", result.Read+result.Mappings+1, err)
		}

		if mr := rec.Mapping; mr != nil {
			if !schema.IsTemporaryID(mr.TempID) || mr.RemoteID == "" || !mr.Collection.Valid() {
				result.Errors = append(result.Errors, fmt.Sprintf("invalid id mapping %q", mr.TempID))
				continue
			}
			if err := s.SaveMapping(ctx, Mapping{TempID: mr.TempID, RemoteID: mr.RemoteID, Collection: mr.Collection}); err != nil {
				return result, err
			}
			result.Mappings++
			continue
		}

		m := rec.Mutation
		result.Read++

		if _, err := s.AppendContext(ctx, m.Intent()); err != nil {
			if errors.Is(err, schema.ErrInvalidIntent) {
				result.Errors = append(result.Errors,
					fmt.Sprintf("record %d: %v", result.Read, err))
				continue
			}
			return result, err
		}
		result.Appended++
	}

	return result, nil
}
