package queue

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteoms/oms/internal/offline/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "queue.db")
}

// openTestStore opens and initializes a queue in a temp directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func intent(coll schema.Collection, action schema.Action, id string, data map[string]any) schema.Intent {
	return schema.Intent{Collection: coll, Action: action, DocumentID: id, Data: data}
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "queue.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"offline_queue", "id_map"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	s := openTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(intent(schema.CollectionOrders, schema.ActionUpdate, "ord-1",
			map[string]any{"seq": float64(i)}))
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		if id <= last {
			t.Fatalf("Append() id = %d, want > %d", id, last)
		}
		last = id
	}
}

func TestAppend_RejectsInvalidIntent(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(intent("invoices", schema.ActionCreate, "x", nil))
	if !errors.Is(err, schema.ErrInvalidIntent) {
		t.Fatalf("Append() error = %v, want ErrInvalidIntent", err)
	}

	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
}

func TestListOrdered_PreservesEnqueueOrder(t *testing.T) {
	s := openTestStore(t)

	// Pin the clock backwards to prove ordering follows ids, not timestamps.
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time {
		step++
		return base.Add(-time.Duration(step) * time.Second)
	}

	docs := []string{"a", "b", "c", "d"}
	for _, doc := range docs {
		if _, err := s.Append(intent(schema.CollectionProducts, schema.ActionUpdate, doc, nil)); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	first, err := s.ListOrdered()
	if err != nil {
		t.Fatalf("ListOrdered() failed: %v", err)
	}
	second, err := s.ListOrdered()
	if err != nil {
		t.Fatalf("ListOrdered() failed: %v", err)
	}

	if len(first) != len(docs) {
		t.Fatalf("ListOrdered() returned %d records, want %d", len(first), len(docs))
	}
	for i, m := range first {
		if m.DocumentID != docs[i] {
			t.Errorf("record %d document = %q, want %q", i, m.DocumentID, docs[i])
		}
		if second[i].ID != m.ID {
			t.Errorf("ListOrdered() not stable at %d: %d vs %d", i, m.ID, second[i].ID)
		}
	}
}

func TestAppend_RoundTripsPayload(t *testing.T) {
	s := openTestStore(t)

	data := map[string]any{
		"name":     "Gown",
		"quantity": float64(3),
		"images":   []any{map[string]any{"url": "a.png", "isPrimary": true}},
	}
	id, err := s.Append(intent(schema.CollectionProducts, schema.ActionCreate, "temp_1", data))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	m, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if m.Collection != schema.CollectionProducts || m.Action != schema.ActionCreate {
		t.Errorf("Get() = %s, want CREATE products", m)
	}
	if m.Data["name"] != "Gown" || m.Data["quantity"] != float64(3) {
		t.Errorf("Get() data = %v", m.Data)
	}
	if m.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}

	if _, err := s.Get(context.Background(), id+100); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Append(intent(schema.CollectionCustomers, schema.ActionDelete, "c-1", nil))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("first Remove() failed: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Errorf("second Remove() failed: %v", err)
	}

	count, _ := s.Count(context.Background())
	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
}

func TestReopen_Durability(t *testing.T) {
	path := testDBPath(t)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	for _, doc := range []string{"p1", "p2", "p3"} {
		if _, err := s.Append(intent(schema.CollectionProducts, schema.ActionUpdate, doc, nil)); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := OpenAndInit(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenAndInit() failed: %v", err)
	}
	defer reopened.Close()

	muts, err := reopened.ListOrdered()
	if err != nil {
		t.Fatalf("ListOrdered() failed: %v", err)
	}
	if len(muts) != 3 {
		t.Fatalf("after reopen got %d records, want 3", len(muts))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if muts[i].DocumentID != want {
			t.Errorf("record %d = %q, want %q", i, muts[i].DocumentID, want)
		}
	}

	// New ids continue after the old ones.
	id, err := reopened.Append(intent(schema.CollectionProducts, schema.ActionUpdate, "p4", nil))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if id <= muts[2].ID {
		t.Errorf("id after reopen = %d, want > %d", id, muts[2].ID)
	}
}

func TestComplete_RewritesReferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	productID, _ := s.Append(intent(schema.CollectionProducts, schema.ActionCreate, "temp_1",
		map[string]any{"id": "temp_1", "name": "Gown"}))
	variantID, _ := s.Append(intent(schema.CollectionVariants, schema.ActionCreate, "temp_2",
		map[string]any{"productId": "temp_1", "sku": "GWN-01"}))
	updateID, _ := s.Append(intent(schema.CollectionProducts, schema.ActionUpdate, "temp_1",
		map[string]any{"name": "Evening Gown"}))
	otherID, _ := s.Append(intent(schema.CollectionProducts, schema.ActionUpdate, "temp_10",
		map[string]any{"name": "Scarf"}))

	mapping := &Mapping{TempID: "temp_1", RemoteID: "Pq8x", Collection: schema.CollectionProducts}
	if err := s.Complete(ctx, productID, mapping); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	if _, err := s.Get(ctx, productID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("completed mutation still queued: %v", err)
	}

	variant, err := s.Get(ctx, variantID)
	if err != nil {
		t.Fatalf("Get(variant) failed: %v", err)
	}
	if variant.Data["productId"] != "Pq8x" {
		t.Errorf("variant productId = %v, want Pq8x", variant.Data["productId"])
	}
	if variant.DocumentID != "temp_2" {
		t.Errorf("variant documentId = %q, want temp_2", variant.DocumentID)
	}

	update, err := s.Get(ctx, updateID)
	if err != nil {
		t.Fatalf("Get(update) failed: %v", err)
	}
	if update.DocumentID != "Pq8x" {
		t.Errorf("update documentId = %q, want Pq8x", update.DocumentID)
	}

	other, err := s.Get(ctx, otherID)
	if err != nil {
		t.Fatalf("Get(other) failed: %v", err)
	}
	if other.DocumentID != "temp_10" {
		t.Errorf("prefix match rewrote unrelated id: %q", other.DocumentID)
	}

	// Completing again is harmless.
	if err := s.Complete(ctx, productID, mapping); err != nil {
		t.Errorf("second Complete() failed: %v", err)
	}
}

func TestMapping_FirstBindingWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LookupMapping(ctx, "temp_1"); err != nil || ok {
		t.Fatalf("LookupMapping() on empty map = %v, %v", ok, err)
	}

	if err := s.SaveMapping(ctx, Mapping{TempID: "temp_1", RemoteID: "first", Collection: schema.CollectionProducts}); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}
	if err := s.SaveMapping(ctx, Mapping{TempID: "temp_1", RemoteID: "second", Collection: schema.CollectionProducts}); err != nil {
		t.Fatalf("second SaveMapping() failed: %v", err)
	}

	m, ok, err := s.LookupMapping(ctx, "temp_1")
	if err != nil || !ok {
		t.Fatalf("LookupMapping() = %v, %v", ok, err)
	}
	if m.RemoteID != "first" {
		t.Errorf("RemoteID = %q, want first", m.RemoteID)
	}
	if m.Collection != schema.CollectionProducts {
		t.Errorf("Collection = %q", m.Collection)
	}
}

func TestListSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}
	i := 0
	s.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	for _, doc := range []string{"early", "mid", "late"} {
		if _, err := s.Append(intent(schema.CollectionOrders, schema.ActionUpdate, doc, nil)); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	muts, err := s.ListSince(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListSince() failed: %v", err)
	}
	if len(muts) != 2 || muts[0].DocumentID != "mid" || muts[1].DocumentID != "late" {
		t.Errorf("ListSince() = %v", muts)
	}
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(intent(schema.CollectionSettings, schema.ActionUpdate, "sizes", nil)); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	n, err := s.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Purge() = %d, want 3", n)
	}
}

func TestExportImportJSONL(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()

	src.Append(intent(schema.CollectionProducts, schema.ActionCreate, "temp_1", map[string]any{"name": "Gown"}))
	src.Append(intent(schema.CollectionVariants, schema.ActionCreate, "temp_2", map[string]any{"productId": "temp_1"}))
	src.Append(intent(schema.CollectionOrders, schema.ActionDelete, "ord-9", nil))

	var buf bytes.Buffer
	n, err := src.ExportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("ExportJSONL() = %d, want 3", n)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 3 {
		t.Errorf("ExportJSONL() wrote %d lines, want 3", lines)
	}

	// Append one invalid record by hand.
	buf.WriteString(`{"collection":"ledger","action":"CREATE","documentId":"x"}` + "\n")

	dst := openTestStore(t)
	res, err := dst.ImportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if res.Read != 4 || res.Appended != 3 || len(res.Errors) != 1 {
		t.Errorf("ImportJSONL() = %+v", res)
	}

	muts, _ := dst.ListOrdered()
	if len(muts) != 3 {
		t.Fatalf("imported %d records, want 3", len(muts))
	}
	if muts[1].Data["productId"] != "temp_1" {
		t.Errorf("imported payload = %v", muts[1].Data)
	}
}

func TestExportImportJSONLCarriesMappings(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()

	src.Append(intent(schema.CollectionProducts, schema.ActionUpdate, "temp_1", map[string]any{"name": "Gown"}))
	src.Append(intent(schema.CollectionVariants, schema.ActionCreate, "temp_2", map[string]any{"productId": "temp_1"}))
	if err := src.SaveMapping(ctx, Mapping{TempID: "temp_1", RemoteID: "prod-abc", Collection: schema.CollectionProducts}); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}
	// Unreferenced bindings stay behind.
	if err := src.SaveMapping(ctx, Mapping{TempID: "temp_99", RemoteID: "prod-old", Collection: schema.CollectionProducts}); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}

	var buf bytes.Buffer
	n, err := src.ExportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ExportJSONL() = %d, want 2", n)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 3 {
		t.Errorf("ExportJSONL() wrote %d lines, want 3", lines)
	}

	dst := openTestStore(t)
	res, err := dst.ImportJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if res.Read != 2 || res.Appended != 2 || res.Mappings != 1 || len(res.Errors) != 0 {
		t.Errorf("ImportJSONL() = %+v", res)
	}

	m, ok, err := dst.LookupMapping(ctx, "temp_1")
	if err != nil {
		t.Fatalf("LookupMapping() failed: %v", err)
	}
	if !ok || m.RemoteID != "prod-abc" || m.Collection != schema.CollectionProducts {
		t.Errorf("LookupMapping(temp_1) = %+v, %v", m, ok)
	}
	if _, ok, _ := dst.LookupMapping(ctx, "temp_99"); ok {
		t.Error("unreferenced mapping was exported")
	}

	// A binding already present locally is kept.
	other := openTestStore(t)
	if err := other.SaveMapping(ctx, Mapping{TempID: "temp_1", RemoteID: "prod-local", Collection: schema.CollectionProducts}); err != nil {
		t.Fatalf("SaveMapping() failed: %v", err)
	}
	buf.Reset()
	if _, err := src.ExportJSONL(ctx, &buf); err != nil {
		t.Fatalf("ExportJSONL() failed: %v", err)
	}
	if _, err := other.ImportJSONL(ctx, &buf); err != nil {
		t.Fatalf("ImportJSONL() failed: %v", err)
	}
	if m, _, _ := other.LookupMapping(ctx, "temp_1"); m == nil || m.RemoteID != "prod-local" {
		t.Errorf("LookupMapping(temp_1) = %+v, want prod-local", m)
	}
}

func TestExportYAML(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(intent(schema.CollectionProducts, schema.ActionSoftDelete, "p-1", nil))

	var buf bytes.Buffer
	if _, err := s.ExportYAML(ctx, &buf); err != nil {
		t.Fatalf("ExportYAML() failed: %v", err)
	}

	var decoded []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d records, want 1", len(decoded))
	}
	if decoded[0]["action"] != "SOFT_DELETE" || decoded[0]["documentId"] != "p-1" {
		t.Errorf("decoded record = %v", decoded[0])
	}
}
