// Package daemon runs the sync engine as a long-lived process.
//
// The daemon:
//  1. Starts the connectivity monitor (and the optional status file switch)
//  2. Attaches the engine so reconnects and start-up trigger drains
//  3. Serves the dashboard, if configured
//  4. Retries halted drains periodically while online
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/eliteoms/oms/internal/offline/connectivity"
	"github.com/eliteoms/oms/internal/offline/dashboard"
	"github.com/eliteoms/oms/internal/offline/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// RetryInterval is how often to retry a non-empty queue while online.
	// Zero disables retries; drains then only follow enqueues and reconnects.
	RetryInterval time.Duration

	// Signal is an optional status file switch watched for changes.
	Signal *connectivity.FileSignal

	// Dashboard is an optional dashboard server started with the daemon.
	Dashboard *dashboard.Server

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon owns the lifecycle of the engine's collaborators.
type Daemon struct {
	engine  *engine.Engine
	monitor *connectivity.Monitor
	config  *Config

	detachDashboard func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a daemon with default configuration.
func New(eng *engine.Engine, monitor *connectivity.Monitor) (*Daemon, error) {
	return NewWithConfig(eng, monitor, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, monitor *connectivity.Monitor, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  eng,
		monitor: monitor,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start brings everything up and blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.Run(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Run starts the daemon's components and returns without blocking.
func (d *Daemon) Run(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.Dashboard != nil {
		if err := d.config.Dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		handler := dashboard.NewHandler(d.config.Dashboard, d.config.Logger)
		d.detachDashboard = handler.Attach(d.engine)
	}

	if err := d.monitor.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	if d.config.Signal != nil {
		if err := d.config.Signal.Watch(d.ctx, d.monitor); err != nil {
			return fmt.Errorf("failed to watch status file: %w", err)
		}
		d.config.Logger.Printf("Watching status file: %s", d.config.Signal.Path())
	}

	// Attach last: if the first sample was online this drains what the
	// previous session left behind.
	d.engine.Attach(d.monitor)

	st, err := d.engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue status: %w", err)
	}
	d.config.Logger.Printf("Started: %d pending mutation(s), online=%v", st.Depth, st.Online)

	if d.config.RetryInterval > 0 {
		d.wg.Add(1)
		go d.retryLoop()
	}
	return nil
}

// Stop gracefully shuts down the daemon. Drains in flight are allowed to finish.
func (d *Daemon) Stop() error {
	var stopErr error
	d.stopped.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()
		d.wg.Wait()

		if d.config.Signal != nil {
			if err := d.config.Signal.Stop(); err != nil {
				d.config.Logger.Printf("Error stopping status file watcher: %v", err)
			}
		}
		d.monitor.Stop()

		if err := d.engine.Close(); err != nil {
			stopErr = fmt.Errorf("failed to close engine: %w", err)
		}

		if d.detachDashboard != nil {
			d.detachDashboard()
		}
		if d.config.Dashboard != nil {
			if err := d.config.Dashboard.Stop(); err != nil {
				d.config.Logger.Printf("Error stopping dashboard: %v", err)
			}
		}

		d.config.Logger.Println("Daemon stopped")
	})
	return stopErr
}

// retryLoop periodically re-drains a non-empty queue while online. It is the
// only path that retries a halted drain without a new enqueue or reconnect.
func (d *Daemon) retryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.retry()
		}
	}
}

func (d *Daemon) retry() {
	if !d.engine.Online() {
		return
	}

	st, err := d.engine.Status(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error reading queue status: %v", err)
		return
	}
	if st.Depth == 0 || st.Draining {
		return
	}

	res, err := d.engine.FlushQueue(context.Background())
	if err != nil {
		d.config.Logger.Printf("Error retrying drain: %v", err)
		return
	}
	if res.Outcome != engine.OutcomeBusy {
		d.config.Logger.Printf("Retry: %s", res)
	}
}
