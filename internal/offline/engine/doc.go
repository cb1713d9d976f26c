// Package engine drains the offline mutation queue against the remote store.
//
// The Engine is the only writer of the queue at runtime. Producers call
// QueueMutation, which appends durably and, when the network is up, starts a
// background drain. A drain applies pending mutations strictly in enqueue
// order, one at a time, removing each as soon as the remote store confirms it.
// The first failure stops the drain and leaves that mutation and everything
// after it queued for the next trigger.
//
// Triggers:
//   - QueueMutation while online
//   - the attached connectivity.Monitor reporting offline -> online
//   - Attach when the monitor is already online (start-up)
//   - explicit FlushQueue calls (CLI, daemon retry ticker, dashboard)
//
// At most one drain runs at a time. A trigger that arrives during a drain
// returns immediately with OutcomeBusy; the running drain takes another pass
// before it finishes so records appended meanwhile are not stranded.
//
// Example:
//
//	q, _ := queue.OpenAndInit(ctx, ".oms/queue.db")
//	eng := engine.New(q, remote.NewApplier(store), nil)
//	eng.Attach(monitor)
//	defer eng.Close()
//
//	id, err := eng.QueueMutation(ctx, schema.Intent{
//	    Collection: schema.CollectionOrders,
//	    Action:     schema.ActionUpdate,
//	    DocumentID: "o-1",
//	    Data:       map[string]any{"status": "shipped"},
//	})
package engine
