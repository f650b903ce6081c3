package control

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/speedtest"
)

const eventSchemaVersion = 1

// Event is one message on the /events stream.
type Event struct {
	SchemaVersion int                    `json:"schema_version"`
	Type          string                 `json:"type"`
	Timestamp     int64                  `json:"timestamp"`
	Phase         *speedtest.Phase       `json:"phase,omitempty"`
	Result        *speedtest.PhaseResult `json:"result,omitempty"`
	Progress      *int                   `json:"progress,omitempty"`
	State         *speedtest.RunState    `json:"state,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Kind          string                 `json:"kind,omitempty"`
}

const (
	eventPhaseStarted = "phase_started"
	eventMetricReady  = "metric_ready"
	eventProgress     = "progress"
	eventRunComplete  = "run_complete"
	eventRunFailed    = "run_failed"
	eventSnapshot     = "state_snapshot"
	eventError        = "error"
)

// EventHub fans run notifications out to websocket clients. It implements
// speedtest.Reporter; delivery is best effort and never blocks the engine.
type EventHub struct {
	mu        sync.Mutex
	clients   map[*eventClient]struct{}
	broadcast chan Event
	ctxDone   <-chan struct{}
	now       func() time.Time
}

type eventClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewEventHub(ctxDone <-chan struct{}) *EventHub {
	h := &EventHub{
		clients:   make(map[*eventClient]struct{}),
		broadcast: make(chan Event, 128),
		ctxDone:   ctxDone,
		now:       time.Now,
	}
	go h.run()
	return h
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*eventClient]struct{})
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *EventHub) Register(client *eventClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) Unregister(client *eventClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
	}
}

func (h *EventHub) newEvent(typ string) Event {
	return Event{SchemaVersion: eventSchemaVersion, Type: typ, Timestamp: h.now().UnixMilli()}
}

func (h *EventHub) snapshot(state speedtest.RunState) Event {
	ev := h.newEvent(eventSnapshot)
	ev.State = &state
	return ev
}

func (h *EventHub) OnPhaseStarted(phase speedtest.Phase) {
	ev := h.newEvent(eventPhaseStarted)
	ev.Phase = &phase
	h.Broadcast(ev)
}

func (h *EventHub) OnMetricReady(result speedtest.PhaseResult) {
	ev := h.newEvent(eventMetricReady)
	ev.Phase = &result.Phase
	ev.Result = &result
	h.Broadcast(ev)
}

func (h *EventHub) OnProgress(percent int) {
	ev := h.newEvent(eventProgress)
	ev.Progress = &percent
	h.Broadcast(ev)
}

func (h *EventHub) OnRunComplete(state speedtest.RunState) {
	ev := h.newEvent(eventRunComplete)
	ev.State = &state
	h.Broadcast(ev)
}

func (h *EventHub) OnRunFailed(err error) {
	ev := h.newEvent(eventRunFailed)
	ev.Error = err.Error()
	ev.Kind = string(speedtest.KindOf(err))
	h.Broadcast(ev)
}

func (c *eventClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
