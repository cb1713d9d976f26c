package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue depth and connectivity",
	Long: `Show how many mutations are waiting and whether the remote store is
reachable right now.

Shows:
  - Connectivity (probe address and status file)
  - Queue depth and location
  - Oldest pending mutation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

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

		eng := newEngine(q, store, probeOnce(ctx))
		defer eng.Close()

		st, err := eng.Status(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Println(ui.Status(st))
		fmt.Printf("   Queue: %s\n", q.Path())
		if cfg.File != "" {
			fmt.Printf("   Config: %s\n", cfg.File)
		}

		if st.Depth > 0 {
			muts, err := q.ListOrderedContext(ctx)
			if err != nil {
				return err
			}
			if len(muts) > 0 {
				fmt.Printf("   Oldest: %s\n", muts[0])
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	rootCmd.AddCommand(statusCmd)
}
