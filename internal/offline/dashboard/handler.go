package dashboard

import (
	"log"
	"sync"
	"time"

	"github.com/eliteoms/oms/internal/offline/engine"
	"github.com/eliteoms/oms/internal/offline/schema"
)

// MutationData describes a queued or applied mutation.
type MutationData struct {
	ID         int64             `json:"id"`
	Collection schema.Collection `json:"collection"`
	Action     schema.Action     `json:"action"`
	DocumentID string            `json:"document_id"`
}

// DrainData describes a finished drain.
type DrainData struct {
	Outcome   engine.Outcome `json:"outcome"`
	Applied   int            `json:"applied"`
	Remaining int            `json:"remaining"`
	FailedID  int64          `json:"failed_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// ConnectivityData describes a connectivity change. Reconnected is set on
// the first online event after the network was seen offline, so clients can
// show a "back online" notice instead of a plain online state.
type ConnectivityData struct {
	Online      bool          `json:"online"`
	Reconnected bool          `json:"reconnected"`
	OfflineFor  time.Duration `json:"offline_for,omitempty"`
}

// Handler turns engine events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu           sync.Mutex
	offlineSince time.Time
	queued       int
	applied      int
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes the handler to eng.
func (h *Handler) Attach(eng *engine.Engine) (detach func()) {
	return eng.Subscribe(h.Handle)
}

// Handle processes one engine event.
func (h *Handler) Handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventEnqueued:
		h.mu.Lock()
		h.queued++
		h.mu.Unlock()
		h.server.BroadcastData(MessageTypeQueued, mutationData(ev.Mutation))

	case engine.EventApplied:
		h.mu.Lock()
		h.applied++
		h.mu.Unlock()
		h.server.BroadcastData(MessageTypeApplied, mutationData(ev.Mutation))

	case engine.EventDrainStarted:
		h.server.BroadcastData(MessageTypeDrainStarted, struct{}{})

	case engine.EventDrainFinished:
		if ev.Result == nil {
			return
		}
		data := DrainData{
			Outcome:   ev.Result.Outcome,
			Applied:   ev.Result.Applied,
			Remaining: ev.Result.Remaining,
			FailedID:  ev.Result.FailedID,
			Duration:  ev.Result.Duration,
		}
		if ev.Result.Err != nil {
			data.Error = ev.Result.Err.Error()
		}
		h.server.BroadcastData(MessageTypeDrainFinished, data)

	case engine.EventConnectivity:
		h.server.BroadcastData(MessageTypeConnectivity, h.connectivity(ev))
	}
}

func (h *Handler) connectivity(ev engine.Event) ConnectivityData {
	h.mu.Lock()
	defer h.mu.Unlock()

	data := ConnectivityData{Online: ev.Online}
	if !ev.Online {
		if h.offlineSince.IsZero() {
			h.offlineSince = ev.Time
		}
		h.logger.Printf("Offline: changes will be queued and synced later")
		return data
	}

	if !h.offlineSince.IsZero() {
		data.Reconnected = true
		data.OfflineFor = ev.Time.Sub(h.offlineSince)
		h.offlineSince = time.Time{}
		h.logger.Printf("Reconnected after %s, syncing queued changes", data.OfflineFor.Round(time.Second))
	}
	return data
}

// Counts returns how many mutations were queued and applied since start.
func (h *Handler) Counts() (queued, applied int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queued, h.applied
}

func mutationData(m *schema.Mutation) MutationData {
	if m == nil {
		return MutationData{}
	}
	return MutationData{
		ID:         m.ID,
		Collection: m.Collection,
		Action:     m.Action,
		DocumentID: m.DocumentID,
	}
}
