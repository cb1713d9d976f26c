package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/config"
	"github.com/eliteoms/oms/internal/logging"
	"github.com/eliteoms/oms/internal/offline/connectivity"
	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/remote"
	"github.com/eliteoms/oms/internal/offline/remote/libsql"
	"github.com/eliteoms/oms/internal/ui"
)

// Annotations understood by the root command.
const (
	annotationSkipConfig  = "skip-config"
	annotationConsoleLogs = "console-logs"
)

var (
	configPath string
	verbose    bool
	noColor    bool

	cfg  *config.Config
	logs *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "omssync",
	Short: "Offline mutation queue and sync engine for the store back office",
	Long: `omssync keeps store writes safe while the network is down.

Every write is appended to a local SQLite queue first and applied to the
remote document store in order once connectivity returns. A failed write
halts the drain; nothing behind it is applied until it succeeds.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		if cmd.Annotations[annotationSkipConfig] == "true" {
			return nil
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		sink, err := logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Quiet:      !verbose && cmd.Annotations[annotationConsoleLogs] != "true",
		})
		if err != nil {
			return err
		}
		logs = sink
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "setup", Title: "Setup commands:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./oms.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show component logs on stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openQueue opens the configured queue database, creating it if needed.
func openQueue(ctx context.Context) (*queue.Store, error) {
	store, err := queue.OpenAndInit(ctx, cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", cfg.Queue.Path, err)
	}
	return store, nil
}

// openRemote returns the configured remote store. libSQL connections are made
// lazily so commands work offline.
func openRemote() (remote.Store, io.Closer, error) {
	switch cfg.Remote.Driver {
	case config.DriverMemory:
		return remote.NewMemoryStore(), nopCloser{}, nil
	case config.DriverLibSQL:
		if cfg.Remote.URL == "" {
			return nil, nil, fmt.Errorf("remote.url is required for the %s driver (set it in oms.toml or OMS_REMOTE_URL)", config.DriverLibSQL)
		}
		store := libsql.NewLazy(cfg.Remote.URL, cfg.Remote.AuthToken)
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

// newProber combines the configured connectivity signals. With no signal
// configured the remote is assumed reachable.
func newProber() (connectivity.Prober, *connectivity.FileSignal) {
	var probers []connectivity.Prober

	address := cfg.Connectivity.ProbeAddress
	if address == "" && cfg.Remote.Driver == config.DriverLibSQL && isNetworkURL(cfg.Remote.URL) {
		address = cfg.Remote.URL
	}
	if address != "" {
		probers = append(probers, connectivity.NewDialProber(address))
	}

	var signal *connectivity.FileSignal
	if cfg.Connectivity.StatusFile != "" {
		signal = connectivity.NewFileSignal(cfg.Connectivity.StatusFile)
		probers = append(probers, signal)
	}

	if len(probers) == 0 {
		return connectivity.NewStaticProber(true), nil
	}
	return connectivity.All(probers...), signal
}

func isNetworkURL(u string) bool {
	for _, scheme := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(u, scheme) {
			return true
		}
	}
	return false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newMonitor(prober connectivity.Prober) *connectivity.Monitor {
	return connectivity.NewMonitor(prober, &connectivity.Config{
		Interval:     cfg.Connectivity.Interval,
		ProbeTimeout: connectivity.DefaultConfig().ProbeTimeout,
		Logger:       logs.Logger("connectivity"),
	})
}

func newEngine(q *queue.Store, store remote.Store, assumeOnline bool) *engine.Engine {
	return engine.New(q, remote.NewApplier(store), &engine.Config{
		AssumeOnline: assumeOnline,
		ApplyTimeout: cfg.Sync.ApplyTimeout,
		Logger:       logs.Logger("engine"),
	})
}

// probeOnce samples connectivity without starting a monitor.
func probeOnce(ctx context.Context) bool {
	prober, _ := newProber()
	ctx, cancel := context.WithTimeout(ctx, connectivity.DefaultConfig().ProbeTimeout)
	defer cancel()
	return prober.Probe(ctx)
}

func defaultConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(".", config.FileName)
}
