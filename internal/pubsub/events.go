package pubsub

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	// EventStateChanged reports a component state or record change. Patch
	// carries an RFC-6902 diff of the component record.
	EventStateChanged EventType = "state_changed"

	// EventJobCompleted reports a job reaching a terminal status.
	EventJobCompleted EventType = "job_completed"
)

// Event is one notification on the subscription channel.
type Event struct {
	Type        EventType       `json:"type"`
	ComponentID string          `json:"component_id,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	State       string          `json:"state,omitempty"`
	Status      string          `json:"status,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Patch       json.RawMessage `json:"patch,omitempty"`
	Time        time.Time       `json:"time"`
}
