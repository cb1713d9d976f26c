package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteoms/oms/internal/offline/connectivity"
	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/remote"
	"github.com/eliteoms/oms/internal/offline/schema"
)

var quiet = log.New(io.Discard, "", 0)

type harness struct {
	path   string
	queue  *queue.Store
	remote *remote.MemoryStore
	engine *Engine
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	return openHarness(t, path, remote.NewMemoryStore(), cfg)
}

func openHarness(t *testing.T, path string, store *remote.MemoryStore, cfg *Config) *harness {
	t.Helper()

	q, err := queue.OpenAndInit(context.Background(), path)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = quiet

	h := &harness{
		path:   path,
		queue:  q,
		remote: store,
		engine: New(q, remote.NewApplier(store), cfg),
	}
	t.Cleanup(func() {
		h.engine.Close()
		h.queue.Close()
	})
	return h
}

func newMonitor(online bool) (*connectivity.Monitor, *connectivity.StaticProber) {
	prober := connectivity.NewStaticProber(online)
	return connectivity.NewMonitor(prober, &connectivity.Config{Logger: quiet}), prober
}

func (h *harness) enqueue(t *testing.T, coll schema.Collection, action schema.Action, id string, data map[string]any) int64 {
	t.Helper()
	mid, err := h.engine.QueueMutation(context.Background(), schema.Intent{
		Collection: coll, Action: action, DocumentID: id, Data: data,
	})
	require.NoError(t, err)
	return mid
}

func (h *harness) depth(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Count(context.Background())
	require.NoError(t, err)
	return n
}

func callIDs(calls []remote.Call) []string {
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	return ids
}

func TestQueueMutation_OfflineOnlyPersists(t *testing.T) {
	h := newHarness(t, nil)

	id := h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "o-1", map[string]any{"status": "shipped"})
	assert.Positive(t, id)

	h.engine.Wait()
	assert.Equal(t, 1, h.depth(t))
	assert.Empty(t, h.remote.Calls())
}

func TestQueueMutation_RejectsInvalidIntent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.QueueMutation(context.Background(), schema.Intent{
		Collection: schema.CollectionOrders, Action: schema.ActionUpdate,
	})
	assert.ErrorIs(t, err, schema.ErrInvalidIntent)
	assert.Equal(t, 0, h.depth(t))
}

func TestQueueMutation_OnlineDrainsInBackground(t *testing.T) {
	h := newHarness(t, &Config{AssumeOnline: true})

	h.enqueue(t, schema.CollectionCustomers, schema.ActionCreate, "c-1", map[string]any{"name": "Ada"})
	h.engine.Wait()

	assert.Equal(t, 0, h.depth(t))
	doc, err := h.remote.Get(context.Background(), schema.CollectionCustomers, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", doc.Fields["name"])
}

func TestFlushQueue_PreservesOrder(t *testing.T) {
	h := newHarness(t, nil)

	want := []string{"a", "b", "c", "d", "e"}
	for _, id := range want {
		h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, id, map[string]any{"name": id})
	}

	// Earlier writes are slower; order must still hold.
	h.remote.DelayWhen(func(c remote.Call) time.Duration {
		return time.Duration(len(want)-int(c.ID[0]-'a')) * 5 * time.Millisecond
	})

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrained, res.Outcome)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, want, callIDs(h.remote.Calls()))
	assert.Equal(t, 0, h.depth(t))
}

func TestFlushQueue_EmptyQueue(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrained, res.Outcome)
	assert.Zero(t, res.Applied)
}

func TestFlushQueue_HaltsOnFailure(t *testing.T) {
	h := newHarness(t, nil)

	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "A", nil)
	failing := h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "B", nil)
	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "C", nil)

	boom := errors.New("permission denied")
	h.remote.FailWhen(func(c remote.Call) error {
		if c.ID == "B" {
			return boom
		}
		return nil
	})

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err, "remote failures are reported in the result")
	assert.Equal(t, OutcomeHalted, res.Outcome)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, failing, res.FailedID)
	assert.ErrorIs(t, res.Err, boom)

	assert.Equal(t, []string{"A", "B"}, callIDs(h.remote.Calls()), "C must never be attempted")

	muts, err := h.queue.ListOrdered()
	require.NoError(t, err)
	require.Len(t, muts, 2)
	assert.Equal(t, "B", muts[0].DocumentID)
	assert.Equal(t, "C", muts[1].DocumentID)

	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Depth)
	assert.Contains(t, st.LastError, "permission denied")

	// Next trigger resumes from B once the remote recovers.
	h.remote.FailWhen(nil)
	res, err = h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrained, res.Outcome)
	assert.Equal(t, []string{"A", "B", "B", "C"}, callIDs(h.remote.Calls()))
	assert.Equal(t, 0, h.depth(t))

	st, err = h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
}

func TestFlushQueue_AtMostOneDrain(t *testing.T) {
	h := newHarness(t, nil)

	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "slow", nil)
	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "next", nil)

	release := make(chan struct{})
	h.remote.DelayWhen(func(c remote.Call) time.Duration {
		if c.ID == "slow" {
			<-release
		}
		return 0
	})

	var (
		wg    sync.WaitGroup
		first DrainResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		first, err = h.engine.FlushQueue(context.Background())
		assert.NoError(t, err)
	}()

	require.Eventually(t, h.engine.Draining, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		res, err := h.engine.FlushQueue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeBusy, res.Outcome)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, OutcomeDrained, first.Outcome)
	assert.Equal(t, []string{"slow", "next"}, callIDs(h.remote.Calls()), "each record applied exactly once")
	assert.False(t, h.engine.Draining())
}

func TestFlushQueue_PicksUpRecordsAppendedMidDrain(t *testing.T) {
	h := newHarness(t, &Config{AssumeOnline: true})

	release := make(chan struct{})
	h.remote.DelayWhen(func(c remote.Call) time.Duration {
		if c.ID == "first" {
			<-release
		}
		return 0
	})

	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "first", nil)
	require.Eventually(t, h.engine.Draining, 2*time.Second, 5*time.Millisecond)

	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "second", nil)
	close(release)
	h.engine.Wait()

	assert.Equal(t, []string{"first", "second"}, callIDs(h.remote.Calls()))
	assert.Equal(t, 0, h.depth(t))
}

func TestFlushQueue_ConcurrentCallersLeaveNothingBehind(t *testing.T) {
	h := newHarness(t, &Config{AssumeOnline: true})
	ctx := context.Background()

	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := h.queue.AppendContext(ctx, schema.Intent{
					Collection: schema.CollectionOrders,
					Action:     schema.ActionUpdate,
					DocumentID: fmt.Sprintf("o-%d-%d", w, i),
				})
				if !assert.NoError(t, err) {
					return
				}
				_, err = h.engine.FlushQueue(ctx)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	h.engine.Wait()

	// Every caller either drained or saw Busy after its append; either way
	// its record must be applied.
	assert.Equal(t, 0, h.depth(t))
	assert.Len(t, h.remote.Calls(), workers*perWorker, "each record applied exactly once")
	assert.False(t, h.engine.Draining())
}

func TestFlushQueue_UnexpectedActionHalts(t *testing.T) {
	h := newHarness(t, nil)

	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "ok", nil)
	// Records written by an older client may carry actions this one lacks.
	_, err := h.queue.RawDB().Exec(`
		INSERT INTO offline_queue (collection, action, document_id, data, enqueued_at)
		VALUES ('products', 'ARCHIVE', 'p-9', '{}', ?)
	`, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "after", nil)

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, res.Outcome)

	var unexpected *remote.UnexpectedActionError
	require.ErrorAs(t, res.Err, &unexpected)
	assert.Equal(t, schema.Action("ARCHIVE"), unexpected.Action)

	assert.Equal(t, []string{"ok"}, callIDs(h.remote.Calls()))
	assert.Equal(t, 2, h.depth(t))
}

func TestRestart_DrainsInOrderOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store := remote.NewMemoryStore()

	// First session: offline, three writes queued, then the process exits.
	q, err := queue.OpenAndInit(context.Background(), path)
	require.NoError(t, err)
	first := New(q, remote.NewApplier(store), &Config{Logger: quiet})
	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := first.QueueMutation(context.Background(), schema.Intent{
			Collection: schema.CollectionOrders, Action: schema.ActionUpdate, DocumentID: id,
			Data: map[string]any{"status": "shipped"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())
	require.NoError(t, q.Close())
	require.Empty(t, store.Calls())

	// Second session starts online.
	h := openHarness(t, path, store, nil)
	m, _ := newMonitor(true)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	h.engine.Attach(m)
	h.engine.Wait()

	assert.Equal(t, []string{"o-1", "o-2", "o-3"}, callIDs(store.Calls()))
	assert.Equal(t, 0, h.depth(t))
}

func TestAttach_FlushesOnReconnect(t *testing.T) {
	h := newHarness(t, nil)
	m, prober := newMonitor(false)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	var (
		mu     sync.Mutex
		events []Event
	)
	h.engine.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	h.engine.Attach(m)
	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "p-1", map[string]any{"price": float64(10)})
	h.engine.Wait()
	require.Equal(t, 1, h.depth(t), "offline writes stay queued")

	prober.Set(true)
	m.Refresh(context.Background())
	h.engine.Wait()

	assert.Equal(t, 0, h.depth(t))
	assert.Equal(t, []string{"p-1"}, callIDs(h.remote.Calls()))

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventEnqueued,
		EventConnectivity,
		EventDrainStarted,
		EventApplied,
		EventDrainFinished,
	}, types)
}

func TestDetach_StopsReactingToMonitor(t *testing.T) {
	h := newHarness(t, nil)
	m, _ := newMonitor(false)

	h.engine.Attach(m)
	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "p-1", nil)
	h.engine.Detach()

	m.Set(true)
	h.engine.Wait()

	assert.Equal(t, 1, h.depth(t))
	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Attached)
}

func TestTemporaryIDs_ProductBeforeVariant(t *testing.T) {
	h := newHarness(t, &Config{AssumeOnline: true})

	// The product write is slow, the variant write fast.
	h.remote.DelayWhen(func(c remote.Call) time.Duration {
		if c.Collection == schema.CollectionProducts {
			return 50 * time.Millisecond
		}
		return 0
	})

	h.enqueue(t, schema.CollectionProducts, schema.ActionCreate, "temp_1",
		map[string]any{"name": "Gown"})
	h.enqueue(t, schema.CollectionVariants, schema.ActionCreate, "temp_2",
		map[string]any{"productId": "temp_1", "sku": "GWN-S"})
	h.engine.Wait()

	calls := h.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, schema.CollectionProducts, calls[0].Collection)
	assert.Equal(t, schema.CollectionVariants, calls[1].Collection)

	productID := calls[0].ID
	variantID := calls[1].ID
	assert.False(t, schema.IsTemporaryID(productID))
	assert.False(t, schema.IsTemporaryID(variantID))

	variant, err := h.remote.Get(context.Background(), schema.CollectionVariants, variantID)
	require.NoError(t, err)
	assert.Equal(t, productID, variant.Fields["productId"])

	m, ok, err := h.queue.LookupMapping(context.Background(), "temp_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, productID, m.RemoteID)
}

func TestTemporaryIDs_ReapplyReusesRemoteID(t *testing.T) {
	h := newHarness(t, nil)

	h.enqueue(t, schema.CollectionProducts, schema.ActionCreate, "temp_1", map[string]any{"name": "Gown"})
	h.enqueue(t, schema.CollectionProducts, schema.ActionUpdate, "temp_1", map[string]any{"price": float64(80)})

	// The create fails once after its remote id has been allocated.
	attempts := 0
	h.remote.FailWhen(func(c remote.Call) error {
		if _, ok := c.Fields["name"]; ok {
			attempts++
			if attempts == 1 {
				return errors.New("timeout")
			}
		}
		return nil
	})

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeHalted, res.Outcome)
	require.Equal(t, 2, h.depth(t))

	res, err = h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeDrained, res.Outcome)

	calls := h.remote.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0].ID, calls[1].ID, "retried create must reuse the allocated id")
	assert.Equal(t, calls[0].ID, calls[2].ID, "update must follow the create to its remote id")
	assert.Equal(t, 1, h.remote.Len())

	doc, err := h.remote.Get(context.Background(), schema.CollectionProducts, calls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Gown", doc.Fields["name"])
	assert.Equal(t, float64(80), doc.Fields["price"])
}

func TestApplyTimeout(t *testing.T) {
	h := newHarness(t, &Config{ApplyTimeout: 20 * time.Millisecond})

	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "o-1", nil)
	h.remote.DelayWhen(func(c remote.Call) time.Duration { return time.Minute })

	res, err := h.engine.FlushQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.depth(t))
}

func TestStorageFailureIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "o-1", nil)
	require.NoError(t, h.queue.RawDB().Close())

	_, err := h.engine.FlushQueue(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errStorage)
	assert.False(t, h.engine.Draining(), "drain flag is released on error")
}

func TestClose_RefusesNewBackgroundDrains(t *testing.T) {
	h := newHarness(t, &Config{AssumeOnline: true})
	require.NoError(t, h.engine.Close())

	h.enqueue(t, schema.CollectionOrders, schema.ActionUpdate, "o-1", nil)
	h.engine.Wait()

	assert.Equal(t, 1, h.depth(t))
}

func TestDrainResult_String(t *testing.T) {
	tests := []struct {
		res  DrainResult
		want string
	}{
		{DrainResult{Outcome: OutcomeBusy}, "drain already in progress"},
		{DrainResult{Outcome: OutcomeDrained, Applied: 3, Duration: 1500 * time.Microsecond}, "drained 3 mutation(s) in 2ms"},
		{DrainResult{Outcome: OutcomeHalted, Applied: 1, Remaining: 2, FailedID: 7, Err: errors.New("boom")},
			"halted at mutation 7 after 1 applied (2 remaining): boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.res.String())
	}
}
