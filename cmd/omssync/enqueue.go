package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/offline/schema"
	"github.com/eliteoms/oms/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "queue",
	Short:   "Queue a mutation for sync",
	Long: `Append one mutation to the local queue.

The mutation is stored durably and applied to the remote store by the next
drain. With --flush, a drain runs right away if the remote is reachable.

CREATE without --id assigns a temporary id; references to it in later
mutations are rewritten once the record exists remotely.

Examples:
  omssync enqueue --collection products --action CREATE --data '{"name":"Linen Shirt"}'
  omssync enqueue --collection orders --action UPDATE --id o123 --data '{"status":"shipped"}'
  omssync enqueue --collection products --action SOFT_DELETE --id p42
  omssync enqueue --interactive`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("collection", "", "Target collection ("+joinCollections()+")")
	enqueueCmd.Flags().String("action", "", "CREATE, UPDATE, DELETE or SOFT_DELETE")
	enqueueCmd.Flags().String("id", "", "Document id (temporary id generated for CREATE when empty)")
	enqueueCmd.Flags().String("data", "", "JSON object with the fields to write")
	enqueueCmd.Flags().BoolP("interactive", "i", false, "Fill in the mutation with a form")
	enqueueCmd.Flags().Bool("flush", false, "Drain the queue after enqueueing if online")
	rootCmd.AddCommand(enqueueCmd)
}

func joinCollections() string {
	names := make([]string, len(schema.Collections))
	for i, c := range schema.Collections {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		collection, action, id, data string
	)
	interactive, _ := cmd.Flags().GetBool("interactive")
	if interactive {
		if !ui.IsInteractive() {
			return fmt.Errorf("--interactive needs a terminal")
		}
		var err error
		collection, action, id, data, err = enqueueForm()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Cancelled")
				return nil
			}
			return err
		}
	} else {
		collection, _ = cmd.Flags().GetString("collection")
		action, _ = cmd.Flags().GetString("action")
		id, _ = cmd.Flags().GetString("id")
		data, _ = cmd.Flags().GetString("data")
	}

	intent, err := buildIntent(collection, action, id, data)
	if err != nil {
		return err
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

	seq, err := eng.QueueMutation(ctx, intent)
	if err != nil {
		return err
	}
	fmt.Printf("%s Mutation #%d queued for sync: %s %s/%s\n",
		ui.RenderPass("✓"), seq, intent.Action, intent.Collection, intent.DocumentID)

	flush, _ := cmd.Flags().GetBool("flush")
	if !flush {
		return nil
	}
	if !probeOnce(ctx) {
		fmt.Printf("%s Offline: changes will sync when reconnected\n", ui.RenderWarn("⚠"))
		return nil
	}
	return flushNow(ctx, eng)
}

// buildIntent validates raw input into an Intent.
func buildIntent(collection, action, id, data string) (schema.Intent, error) {
	coll, err := schema.ParseCollection(collection)
	if err != nil {
		return schema.Intent{}, err
	}
	act, err := schema.ParseAction(action)
	if err != nil {
		return schema.Intent{}, err
	}
	if id == "" && act == schema.ActionCreate {
		id = schema.NewTemporaryID()
	}

	var fields map[string]any
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return schema.Intent{}, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}

	intent := schema.Intent{Collection: coll, Action: act, DocumentID: id, Data: fields}
	if err := intent.Validate(); err != nil {
		return schema.Intent{}, err
	}
	return intent, nil
}

func enqueueForm() (collection, action, id, data string, err error) {
	collections := make([]huh.Option[string], len(schema.Collections))
	for i, c := range schema.Collections {
		collections[i] = huh.NewOption(string(c), string(c))
	}
	actions := make([]huh.Option[string], len(schema.Actions))
	for i, a := range schema.Actions {
		actions[i] = huh.NewOption(string(a), string(a))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().Title("Collection").Options(collections...).Value(&collection),
			huh.NewSelect[string]().Title("Action").Options(actions...).Value(&action),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Document id").
				Description("Leave empty on CREATE to assign a temporary id").
				Value(&id).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" && action != string(schema.ActionCreate) {
						return fmt.Errorf("id is required for %s", action)
					}
					return nil
				}),
			huh.NewText().
				Title("Data").
				Description("JSON object, may be empty").
				Value(&data).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					var v map[string]any
					return json.Unmarshal([]byte(s), &v)
				}),
		),
	)
	err = form.Run()
	return
}
