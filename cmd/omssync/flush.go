package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/ui"
)

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "sync",
	Short:   "Drain the queue to the remote store now",
	Long: `Apply every queued mutation to the remote store, oldest first.

The drain stops at the first failed write and leaves that mutation and
everything after it queued. Connectivity is checked first unless --force is
given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		if !force && !probeOnce(ctx) {
			fmt.Printf("%s Offline: changes will sync when reconnected\n", ui.RenderWarn("⚠"))
			return nil
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

		eng := newEngine(q, store, false)
		defer eng.Close()

		return flushNow(ctx, eng)
	},
}

func init() {
	flushCmd.Flags().Bool("force", false, "Skip the connectivity check")
	rootCmd.AddCommand(flushCmd)
}

// flushNow runs one drain and prints its outcome. A halted drain is reported
// as an error so scripts can tell it apart from success.
func flushNow(ctx context.Context, eng *engine.Engine) error {
	fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))

	res, err := eng.FlushQueue(ctx)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case engine.OutcomeHalted:
		fmt.Printf("%s %s\n", ui.RenderFail("✗"), res)
		return fmt.Errorf("drain halted at mutation %d", res.FailedID)
	case engine.OutcomeBusy:
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), res)
	default:
		fmt.Printf("%s Applied %d mutation(s) in %v\n", ui.RenderPass("✓"), res.Applied, res.Duration.Round(time.Millisecond))
	}
	return nil
}
