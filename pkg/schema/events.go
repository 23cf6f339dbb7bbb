package schema

import "encoding/json"

// Chain event families. Every event emitted during a document execution is
// either provider activity or an engine-originated chain event.
const (
	ChainEventProvider = "provider"
	ChainEventChain    = "chain"
)

// Provider/chain event data types used for caption derivation.
const (
	EventDataTextDelta         = "text-delta"
	EventDataToolCall          = "tool-call"
	EventDataStepStarted       = "step-started"
	EventDataStepCompleted     = "step-completed"
	EventDataIntegrationWakeup = "integration-wakeup"
	EventDataChainCompleted    = "chain-completed"
	EventDataChainError        = "chain-error"
)

// ChainEvent is one event emitted during a document execution.
// The discriminated union on Event keeps provider activity separate from
// engine-originated events; Data carries the type-specific payload.
type ChainEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// DataType returns the "type" discriminator inside Data, or "".
func (e ChainEvent) DataType() string {
	t, _ := e.Data["type"].(string)
	return t
}

// DataString returns a string field of Data, or "".
func (e ChainEvent) DataString(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Job lifecycle event types published on the hub.
const (
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobRemoved   = "job_removed"
	EventJobProgress  = "job_progress"
)

// Run lifecycle event types published on the hub.
const (
	EventRunQueued  = "run_queued"
	EventRunStarted = "run_started"
	EventRunEnded   = "run_ended"
	EventRunStream  = "run_stream"
)

// Experiment event types. These are both appended to the durable experiment
// log (they are the workflow's checkpoints) and broadcast on the hub.
const (
	EventExperimentStarted         = "experiment_started"
	EventExperimentCompleted       = "experiment_completed"
	EventExperimentCancelRequested = "experiment_cancel_requested"
	EventRowStarted                = "row_started"
	EventRowDocumentCompleted      = "row_document_completed"
	EventRowTurnCompleted          = "row_turn_completed"
	EventRowSpanResolved           = "row_span_resolved"
	EventRowEvaluationCompleted    = "row_evaluation_completed"
	EventRowCompleted              = "row_completed"
	EventRowFailed                 = "row_failed"
	EventProgressUpdated           = "progress_updated"
)

// MarshalPayload encodes v as a JSON payload, returning nil on error.
// Event payloads are best-effort; a marshal failure must not fail the
// operation that emits the event.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
