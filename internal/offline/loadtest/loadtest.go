// Package loadtest drives the sync engine with many concurrent producers.
//
// It checks the properties the queue has to keep under contention: nothing
// enqueued is lost, nothing is applied twice, and each producer's mutations
// reach the remote store in the order that producer issued them, all while
// drains run in the background.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/remote"
	"github.com/eliteoms/oms/internal/offline/schema"
)

// Config describes a load test run.
type Config struct {
	// Producers is the number of concurrent goroutines enqueueing mutations.
	Producers int

	// MutationsPerProducer is how many mutations each producer enqueues.
	MutationsPerProducer int

	// RemoteLatency is added to every remote write.
	RemoteLatency time.Duration

	// Online makes enqueues trigger background drains while producers run.
	Online bool
}

// LatencyStats captures enqueue latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Enqueued        int
	Applied         int
	Remaining       int
	Lost            int
	Duplicates      int
	OrderViolations int
	Errors          int
	Enqueue         *LatencyStats
	Elapsed         time.Duration
}

// OK reports whether the run kept every queue guarantee.
func (r *Report) OK() bool {
	return r.Lost == 0 && r.Duplicates == 0 && r.OrderViolations == 0 && r.Errors == 0 && r.Remaining == 0
}

// Run enqueues through a fresh queue at dbPath and drains to an in-memory
// remote store, then verifies what the remote store received.
func Run(ctx context.Context, dbPath string, cfg Config) (*Report, error) {
	if cfg.Producers <= 0 || cfg.MutationsPerProducer <= 0 {
		return nil, fmt.Errorf("producers and mutations per producer must be positive")
	}

	q, err := queue.OpenAndInit(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	store := remote.NewMemoryStore()
	if cfg.RemoteLatency > 0 {
		store.DelayWhen(func(remote.Call) time.Duration { return cfg.RemoteLatency })
	}

	eng := engine.New(q, remote.NewApplier(store), &engine.Config{
		AssumeOnline: cfg.Online,
		Logger:       log.New(io.Discard, "", 0),
	})
	defer eng.Close()

	start := time.Now()
	report := &Report{}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
	)
	for p := 0; p < cfg.Producers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()

			local := make([]time.Duration, 0, cfg.MutationsPerProducer)
			errs := 0
			for seq := 0; seq < cfg.MutationsPerProducer; seq++ {
				began := time.Now()
				_, err := eng.QueueMutation(ctx, schema.Intent{
					Collection: schema.CollectionOrders,
					Action:     schema.ActionUpdate,
					DocumentID: fmt.Sprintf("p%d-%d", producer, seq),
					Data: map[string]any{
						"producer": float64(producer),
						"seq":      float64(seq),
					},
				})
				local = append(local, time.Since(began))
				if err != nil {
					errs++
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			report.Errors += errs
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	report.Enqueued = len(durations) - report.Errors

	// Let background drains settle, then finish whatever is left.
	eng.Wait()
	for {
		res, err := eng.FlushQueue(ctx)
		if err != nil {
			return nil, fmt.Errorf("final drain failed: %w", err)
		}
		if res.Outcome == engine.OutcomeBusy {
			eng.Wait()
			continue
		}
		if res.Halted() {
			return nil, fmt.Errorf("final drain halted: %w", res.Err)
		}
		break
	}
	report.Elapsed = time.Since(start)

	if report.Remaining, err = q.Count(ctx); err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}

	verify(report, store.Calls(), cfg)
	report.Enqueue = computeLatencyStats(durations)
	return report, nil
}

// verify compares what the remote store saw with what producers issued.
func verify(report *Report, calls []remote.Call, cfg Config) {
	seen := make(map[string]int, len(calls))
	lastSeq := make(map[int]int, cfg.Producers)
	for p := 0; p < cfg.Producers; p++ {
		lastSeq[p] = -1
	}

	for _, c := range calls {
		seen[c.ID]++
		if seen[c.ID] > 1 {
			report.Duplicates++
			continue
		}
		report.Applied++

		producer, _ := c.Fields["producer"].(float64)
		seq, _ := c.Fields["seq"].(float64)
		if int(seq) < lastSeq[int(producer)] {
			report.OrderViolations++
		}
		lastSeq[int(producer)] = int(seq)
	}

	for p := 0; p < cfg.Producers; p++ {
		for s := 0; s < cfg.MutationsPerProducer; s++ {
			if seen[fmt.Sprintf("p%d-%d", p, s)] == 0 {
				report.Lost++
			}
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print writes a human readable summary to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Enqueued:         %d\n", r.Enqueued)
	fmt.Fprintf(w, "  Applied:          %d\n", r.Applied)
	fmt.Fprintf(w, "  Remaining:        %d\n", r.Remaining)
	fmt.Fprintf(w, "  Lost:             %d\n", r.Lost)
	fmt.Fprintf(w, "  Duplicates:       %d\n", r.Duplicates)
	fmt.Fprintf(w, "  Order violations: %d\n", r.OrderViolations)
	fmt.Fprintf(w, "  Elapsed:          %v\n", r.Elapsed)
	if r.Enqueue != nil {
		fmt.Fprintf(w, "  Enqueue P50/P99:  %v / %v\n", r.Enqueue.P50, r.Enqueue.P99)
	}
}
