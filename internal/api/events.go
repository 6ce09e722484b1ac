package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/OpenPeerPower/supervisor/internal/pubsub"
)

// EventsRoute streams state-change and job-completion events to the caller
// as server-sent events on GET /v1/events.
type EventsRoute struct {
	bus *pubsub.Bus[pubsub.Event]
}

func NewEventsRoute(bus *pubsub.Bus[pubsub.Event]) *EventsRoute {
	return &EventsRoute{bus: bus}
}

func (h *EventsRoute) Pattern() string { return "/v1/events" }
func (h *EventsRoute) Method() string  { return http.MethodGet }

func (h *EventsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.bus.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
