package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/offline/queue"
	"github.com/eliteoms/oms/internal/offline/schema"
	"github.com/eliteoms/oms/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and maintain the local mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in drain order",
	Long: `List pending mutations, oldest first.

--since accepts a timestamp, a duration or plain English:
  omssync queue list --since 2h
  omssync queue list --since "2 hours ago"
  omssync queue list --since "yesterday"
  omssync queue list --since 2025-03-01T09:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		since, _ := cmd.Flags().GetString("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		muts, err := listQueue(ctx, q, since, time.Now())
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(muts)
		}
		fmt.Println(ui.Mutations(muts))
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one pending mutation with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid mutation id %q", args[0])
		}

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		m, err := q.Get(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mutation %d is not queued", id)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export pending mutations as JSONL or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		var w io.Writer = os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}

		var n int
		switch format {
		case "jsonl":
			n, err = q.ExportJSONL(ctx, w)
		case "yaml":
			n, err = q.ExportYAML(ctx, w)
		default:
			return fmt.Errorf("--format must be jsonl or yaml, got %q", format)
		}
		if err != nil {
			return err
		}
		if w != os.Stdout {
			fmt.Printf("%s Exported %d mutation(s) to %s\n", ui.RenderPass("✓"), n, output)
		}
		return nil
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Append mutations from a JSONL export",
	Long: `Append mutations exported with 'omssync queue export --format jsonl'.

Imported records get new queue ids and drain after everything already queued.
Remote ids already bound to temporary ids in the export are restored, unless
this queue has its own binding for the same temporary id.
Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		res, err := q.ImportJSONL(ctx, r)
		if err != nil {
			return err
		}
		fmt.Printf("%s Imported %d of %d mutation(s)\n", ui.RenderPass("✓"), res.Appended, res.Read)
		if res.Mappings > 0 {
			fmt.Printf("   restored %d id mapping(s)\n", res.Mappings)
		}
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every pending mutation",
	Long: `Delete every pending mutation without applying it.

Unsynced changes are lost. Export the queue first if in doubt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		yes, _ := cmd.Flags().GetBool("yes")

		q, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer q.Close()

		depth, err := q.Count(ctx)
		if err != nil {
			return err
		}
		if depth == 0 {
			fmt.Println(ui.RenderMuted("queue is empty"))
			return nil
		}

		if !yes {
			if !ui.IsInteractive() {
				return fmt.Errorf("refusing to purge %d mutation(s) without --yes", depth)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Drop %d unsynced mutation(s)?", depth)).
				Description("They will never reach the remote store.").
				Affirmative("Purge").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil && !errors.Is(err, huh.ErrUserAborted) {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		n, err := q.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Purged %d mutation(s)\n", ui.RenderWarn("✓"), n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("since", "", "Only mutations queued after this time")
	queueListCmd.Flags().Bool("json", false, "Output as JSON")
	queueExportCmd.Flags().String("format", "jsonl", "Export format: jsonl or yaml")
	queueExportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	queuePurgeCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueExportCmd, queueImportCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

// listQueue returns pending mutations, limited to those queued after since
// when it is set.
func listQueue(ctx context.Context, q *queue.Store, since string, now time.Time) ([]schema.Mutation, error) {
	if since == "" {
		return q.ListOrderedContext(ctx)
	}
	t, err := parseSince(since, now)
	if err != nil {
		return nil, err
	}
	return q.ListSince(ctx, t)
}

// parseSince accepts RFC 3339, a Go duration meaning "that long ago", or a
// natural language expression relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: expected a time like \"2 hours ago\" or 2025-03-01T09:00:00Z", s)
	}
	return r.Time, nil
}
