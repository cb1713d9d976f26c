// Package connectivity tracks whether the remote store is reachable and
// notifies subscribers on transitions.
//
// A Monitor holds the current online flag. It is fed either by polling a
// Prober (Start/Stop/Refresh) or by explicit Set calls, and fires the
// OnOnline/OnOffline callbacks only when the flag actually changes. The flag
// starts offline, so the first sample that reports the network as reachable
// counts as a became-online transition.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Prober reports whether the remote store looks reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Config holds Monitor settings.
type Config struct {
	// Interval between probes. Zero disables polling; Refresh and Set still work.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// Logger for transition messages.
	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     10 * time.Second,
		ProbeTimeout: 3 * time.Second,
		Logger:       log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor is the process-wide online/offline signal.
type Monitor struct {
	prober Prober
	config *Config

	mu        sync.Mutex
	online    bool
	changedAt time.Time
	nextSub   int
	onOnline  map[int]func()
	onOffline map[int]func()

	// Set calls are serialized so callbacks observe transitions in order.
	setMu sync.Mutex

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. prober may be nil when state is driven by Set.
func NewMonitor(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		prober:    prober,
		config:    config,
		onOnline:  make(map[int]func()),
		onOffline: make(map[int]func()),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ChangedAt returns when the state last changed, zero if it never has.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Set records the current state. Callbacks for the matching transition run
// synchronously on the calling goroutine; repeated values fire nothing.
func (m *Monitor) Set(online bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()

	subs := m.onOffline
	if online {
		subs = m.onOnline
	}
	callbacks := make([]func(), 0, len(subs))
	for _, fn := range subs {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	if online {
		m.config.Logger.Printf("Network online")
	} else {
		m.config.Logger.Printf("Network offline")
	}

	for _, fn := range callbacks {
		fn()
	}
}

// OnOnline registers fn for offline -> online transitions.
// The returned function removes the subscription.
func (m *Monitor) OnOnline(fn func()) (unsubscribe func()) {
	return m.subscribe(m.onOnline, fn)
}

// OnOffline registers fn for online -> offline transitions.
func (m *Monitor) OnOffline(fn func()) (unsubscribe func()) {
	return m.subscribe(m.onOffline, fn)
}

func (m *Monitor) subscribe(subs map[int]func(), fn func()) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(subs, id)
			m.mu.Unlock()
		})
	}
}

// Refresh probes once and records the result. Without a prober it is a no-op.
func (m *Monitor) Refresh(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}

	probeCtx := ctx
	if m.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.config.ProbeTimeout)
		defer cancel()
	}

	online := m.prober.Probe(probeCtx)
	m.Set(online)
	return online
}

// Start takes a first sample synchronously, then keeps polling in the
// background until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	m.Refresh(ctx)

	if m.prober == nil || m.config.Interval <= 0 {
		m.running = true
		m.cancel = func() {}
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.poll(runCtx)
	return nil
}

// Stop halts polling and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.runMu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
