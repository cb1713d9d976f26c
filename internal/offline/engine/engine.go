package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eliteoms/oms/internal/offline/connectivity"
	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/schema"
)

// errStorage tags failures of the local queue during a drain. They are
// returned to the caller instead of being reported as a halted drain.
var errStorage = errors.New("queue storage failure")

// Queue is the durable mutation queue the engine drains.
// *queue.Store implements it.
type Queue interface {
	AppendContext(ctx context.Context, intent schema.Intent) (int64, error)
	ListOrderedContext(ctx context.Context) ([]schema.Mutation, error)
	Count(ctx context.Context) (int, error)
	Complete(ctx context.Context, id int64, mapping *queue.Mapping) error
	SaveMapping(ctx context.Context, m queue.Mapping) error
	LookupMapping(ctx context.Context, tempID string) (*queue.Mapping, bool, error)
}

// Applier performs remote writes. *remote.Applier implements it.
type Applier interface {
	Apply(ctx context.Context, m schema.Mutation) error
	NewID(ctx context.Context, collection schema.Collection) (string, error)
}

// Config holds engine settings.
type Config struct {
	// AssumeOnline makes QueueMutation trigger drains when no monitor is
	// attached.
	AssumeOnline bool

	// ApplyTimeout bounds each remote write. Zero means no limit.
	ApplyTimeout time.Duration

	// Logger for drain progress.
	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Status is a snapshot of the engine for operators.
type Status struct {
	Depth       int          `json:"depth"`
	Draining    bool         `json:"draining"`
	Online      bool         `json:"online"`
	Attached    bool         `json:"attached"`
	LastResult  *DrainResult `json:"lastResult,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	LastDrainAt time.Time    `json:"lastDrainAt,omitempty"`
}

// Engine coordinates the queue, the remote applier and connectivity.
type Engine struct {
	queue   Queue
	applier Applier
	config  *Config
	logger  *log.Logger

	draining atomic.Bool
	pending  atomic.Bool

	mu         sync.Mutex
	monitor    *connectivity.Monitor
	unsubs     []func()
	closed     bool
	lastResult *DrainResult
	lastError  string
	wg         sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an Engine. config may be nil.
func New(q Queue, applier Applier, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		queue:   q,
		applier: applier,
		config:  config,
		logger:  logger,
		subs:    make(map[int]func(Event)),
	}
}

// QueueMutation durably appends intent and, when online, starts a background
// drain. It returns once the mutation is stored; the remote write happens
// later. Validation and storage failures are returned.
func (e *Engine) QueueMutation(ctx context.Context, intent schema.Intent) (int64, error) {
	id, err := e.queue.AppendContext(ctx, intent)
	if err != nil {
		return 0, fmt.Errorf("failed to queue mutation: %w", err)
	}

	m := schema.Mutation{
		ID:         id,
		Collection: intent.Collection,
		Action:     intent.Action,
		DocumentID: intent.DocumentID,
		Data:       intent.Data,
		EnqueuedAt: time.Now(),
	}
	e.logger.Printf("Queued %s", m)
	e.emit(Event{Type: EventEnqueued, Mutation: &m})

	if e.Online() {
		e.trigger("enqueue")
	}
	return id, nil
}

// Online reports the attached monitor's state, or Config.AssumeOnline when no
// monitor is attached.
func (e *Engine) Online() bool {
	e.mu.Lock()
	m := e.monitor
	e.mu.Unlock()

	if m == nil {
		return e.config.AssumeOnline
	}
	return m.Online()
}

// Draining reports whether a drain is running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// trigger starts a background drain. Background drains use a context detached
// from any caller so they are never cancelled midway.
func (e *Engine) trigger(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		res, err := e.FlushQueue(context.Background())
		if err != nil {
			e.logger.Printf("ERROR: drain (%s) failed: %v", reason, err)
			return
		}
		if res.Outcome != OutcomeBusy {
			e.logger.Printf("Drain (%s): %s", reason, res)
		}
	}()
}

// FlushQueue drains the queue now. If a drain is already running it returns
// immediately with OutcomeBusy.
//
// A Busy call is not a no-op: it marks the running drain pending, which makes
// that drain take another pass over the queue before it releases, or schedule
// one right after. Records appended before a Busy return are therefore
// applied without waiting for the next trigger.
//
// Remote failures halt the drain and are reported in the result; the returned
// error is reserved for local queue failures.
func (e *Engine) FlushQueue(ctx context.Context) (DrainResult, error) {
	for !e.draining.CompareAndSwap(false, true) {
		e.pending.Store(true)
		// The drain may have released between the CAS and the store, after
		// its last pending check. Take over instead of leaving the intent.
		if e.draining.Load() {
			return DrainResult{Outcome: OutcomeBusy, StartedAt: time.Now()}, nil
		}
	}

	res := DrainResult{Outcome: OutcomeDrained, StartedAt: time.Now()}
	e.emit(Event{Type: EventDrainStarted, Time: res.StartedAt})

	var err error
	for {
		e.pending.Store(false)
		if err = e.drainPass(ctx, &res); err != nil || res.Halted() {
			break
		}
		// Records appended during this pass trigger coalesced flushes.
		if !e.pending.Load() {
			break
		}
	}
	res.Duration = time.Since(res.StartedAt)

	e.record(res, err)
	e.draining.Store(false)

	e.emit(Event{Type: EventDrainFinished, Result: &res})

	// A trigger may have been coalesced after the last pending check.
	if err == nil && !res.Halted() && e.pending.Load() && e.Online() {
		e.trigger("coalesced")
	}
	return res, err
}

// drainPass applies everything currently queued, in order.
func (e *Engine) drainPass(ctx context.Context, res *DrainResult) error {
	muts, err := e.queue.ListOrderedContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to list queue: %w", errStorage, err)
	}

	for i, m := range muts {
		resolved, mapping, err := e.resolve(ctx, m)
		if err == nil {
			err = e.apply(ctx, resolved)
		}
		if err != nil {
			if errors.Is(err, errStorage) {
				res.Remaining = len(muts) - i
				return err
			}
			res.Outcome = OutcomeHalted
			res.FailedID = m.ID
			res.Err = err
			res.Remaining = len(muts) - i
			e.logger.Printf("WARNING: %s failed, halting drain: %v", m, err)
			return nil
		}

		if err := e.queue.Complete(ctx, m.ID, mapping); err != nil {
			res.Remaining = len(muts) - i
			return fmt.Errorf("%w: failed to complete %s: %w", errStorage, m, err)
		}
		res.Applied++
		e.emit(Event{Type: EventApplied, Mutation: &resolved})
	}
	res.Remaining = 0
	return nil
}

func (e *Engine) apply(ctx context.Context, m schema.Mutation) error {
	if e.config.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ApplyTimeout)
		defer cancel()
	}
	return e.applier.Apply(ctx, m)
}

// resolve swaps temporary ids for remote ids. The first CREATE of a temporary
// id allocates the remote id and stores the binding before the remote write,
// so a crash before Complete reuses the same id on the next drain. The
// returned mapping tells Complete which references to rewrite.
func (e *Engine) resolve(ctx context.Context, m schema.Mutation) (schema.Mutation, *queue.Mapping, error) {
	var mapping *queue.Mapping

	if schema.IsTemporaryID(m.DocumentID) {
		found, ok, err := e.queue.LookupMapping(ctx, m.DocumentID)
		if err != nil {
			return m, nil, fmt.Errorf("%w: %w", errStorage, err)
		}
		if !ok && m.Action == schema.ActionCreate {
			remoteID, err := e.applier.NewID(ctx, m.Collection)
			if err != nil {
				return m, nil, err
			}
			found = &queue.Mapping{
				TempID:     m.DocumentID,
				RemoteID:   remoteID,
				Collection: m.Collection,
			}
			if err := e.queue.SaveMapping(ctx, *found); err != nil {
				return m, nil, fmt.Errorf("%w: %w", errStorage, err)
			}
			// Another binding may have won; always use the stored one.
			found, ok, err = e.queue.LookupMapping(ctx, m.DocumentID)
			if err != nil {
				return m, nil, fmt.Errorf("%w: %w", errStorage, err)
			}
			if !ok {
				return m, nil, fmt.Errorf("%w: id mapping for %s not stored", errStorage, m.DocumentID)
			}
			e.logger.Printf("Assigned %s -> %s/%s", m.DocumentID, m.Collection, found.RemoteID)
		}
		if found != nil {
			m.DocumentID = found.RemoteID
			mapping = found
		}
	}

	for _, tempID := range schema.TemporaryIDs(m.Data) {
		found, ok, err := e.queue.LookupMapping(ctx, tempID)
		if err != nil {
			return m, nil, fmt.Errorf("%w: %w", errStorage, err)
		}
		if ok {
			m.Data, _ = schema.RewriteReferences(m.Data, tempID, found.RemoteID)
		}
	}

	return m, mapping, nil
}

func (e *Engine) record(res DrainResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := res
	e.lastResult = &r
	switch {
	case err != nil:
		e.lastError = err.Error()
	case res.Err != nil:
		e.lastError = res.Err.Error()
	default:
		e.lastError = ""
	}
}

// Attach subscribes the engine to m: every offline -> online transition
// triggers a drain, and if m is already online a drain starts right away.
// Any previously attached monitor is detached first.
func (e *Engine) Attach(m *connectivity.Monitor) {
	e.Detach()

	onOnline := m.OnOnline(func() {
		e.emit(Event{Type: EventConnectivity, Online: true})
		e.trigger("online")
	})
	onOffline := m.OnOffline(func() {
		e.emit(Event{Type: EventConnectivity, Online: false})
	})

	e.mu.Lock()
	e.monitor = m
	e.unsubs = []func(){onOnline, onOffline}
	e.mu.Unlock()

	if m.Online() {
		e.trigger("startup")
	}
}

// Detach removes the monitor subscription. Running drains are not affected.
func (e *Engine) Detach() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.monitor = nil
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

// Close detaches, refuses further background drains and waits for running
// ones to finish. It does not close the queue.
func (e *Engine) Close() error {
	e.Detach()

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Wait blocks until every background drain started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Status returns the queue depth and the outcome of the last drain.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	depth, err := e.queue.Count(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read queue depth: %w", err)
	}

	e.mu.Lock()
	st := Status{
		Depth:     depth,
		Attached:  e.monitor != nil,
		LastError: e.lastError,
	}
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
		st.LastDrainAt = r.StartedAt
	}
	e.mu.Unlock()

	st.Draining = e.Draining()
	st.Online = e.Online()
	return st, nil
}
