package streaming

import "context"

// StreamEvent is a real-time event emitted while the engine executes runs,
// jobs and experiments.
type StreamEvent struct {
	RunUUID        string `json:"run_uuid,omitempty"`
	JobID          string `json:"job_id,omitempty"`
	ExperimentUUID string `json:"experiment_uuid,omitempty"`
	EventType      string `json:"event_type"`

	// Index is the position in the durable per-run log for run_stream
	// events; subscribers replaying the log use it to dedupe.
	Index   int64 `json:"index,omitempty"`
	Payload any   `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunUUID        string   `json:"run_uuid,omitempty"`
	JobID          string   `json:"job_id,omitempty"`
	ExperimentUUID string   `json:"experiment_uuid,omitempty"`
	EventTypes     []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time engine events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
