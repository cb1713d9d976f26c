package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/offline/daemon"
	"github.com/eliteoms/oms/internal/offline/dashboard"
	"github.com/eliteoms/oms/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon until interrupted.

The daemon watches connectivity and drains the queue whenever the remote
store becomes reachable, on startup if online, and periodically while
mutations remain queued.

Connectivity comes from:
  - connectivity.probe_address (or the remote url): TCP reachability
  - connectivity.status_file: a file containing "online" or "offline"

The dashboard serves live events over WebSocket:
  ws://localhost:8787/ws     event stream
  http://localhost:8787/status
  POST http://localhost:8787/flush`,
	Annotations: map[string]string{annotationConsoleLogs: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}
		if noDash, _ := cmd.Flags().GetBool("no-dashboard"); noDash {
			cfg.Dashboard.Enabled = false
		}

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		store, closer, err := openRemote()
		if err != nil {
			return err
		}
		defer closer.Close()

		prober, signal := newProber()
		monitor := newMonitor(prober)
		eng := newEngine(q, store, false)

		dcfg := &daemon.Config{
			RetryInterval: cfg.Sync.RetryInterval,
			Signal:        signal,
			Logger:        logs.Logger("daemon"),
		}

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:       cfg.Dashboard.Port,
				Host:       cfg.Dashboard.Host,
				Controller: eng,
				Logger:     logs.Logger("dashboard"),
			})
			dcfg.Dashboard = server
		}

		d, err := daemon.NewWithConfig(eng, monitor, dcfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s Sync daemon started (queue %s, remote %s)\n",
			ui.RenderAccent("🔄"), q.Path(), cfg.Remote.Driver)
		if server != nil {
			fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			_ = d.Stop()
			return err
		}

		fmt.Printf("%s Sync daemon stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8787, "Dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
