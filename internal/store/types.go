package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// JobState is the persisted lifecycle state of a queue job.
type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateActive          JobState = "active"
	JobStateWaitingChildren JobState = "waiting_children"
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
	JobStateRemoved         JobState = "removed"
)

// IsTerminal reports whether the state is final.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateRemoved
}

// Job is the persisted representation of one queue job.
type Job struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Name     string         `json:"name"`
	FlowID   string         `json:"flow_id,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	State    JobState       `json:"state"`

	// Attempts counts started invocations; suspension does not count.
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`
	Delay       string `json:"delay,omitempty"`

	// ContinueOnChildFailure schedules this job even when a child failed.
	ContinueOnChildFailure bool `json:"continue_on_child_failure,omitempty"`

	// Token is the suspension token of the current invocation. Only its
	// holder may move the job into waiting_children.
	Token string `json:"-"`

	// CancelRequested is the external cancellation flag keyed by job id.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Result      json.RawMessage `json:"result,omitempty"`
	Failure     json.RawMessage `json:"failure,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FailureError decodes the stored failure into a RunError, or nil.
func (j *Job) FailureError() *schema.RunError {
	if len(j.Failure) == 0 {
		return nil
	}
	var re schema.RunError
	if err := json.Unmarshal(j.Failure, &re); err != nil {
		return schema.NewError(schema.ErrCodeExecution, string(j.Failure))
	}
	return &re
}

// JobUpdate specifies mutable fields of a job. Nil fields are left untouched.
type JobUpdate struct {
	State       *JobState       `json:"state,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Failure     json.RawMessage `json:"failure,omitempty"`
	AvailableAt *time.Time      `json:"available_at,omitempty"`
}

// ParentResolution is the outcome of checking a waiting parent after one of
// its children reached a terminal state.
type ParentResolution string

const (
	// ParentNotReady means at least one child is still non-terminal.
	ParentNotReady ParentResolution = "not_ready"
	// ParentPromoted means all children settled and the parent was re-queued.
	ParentPromoted ParentResolution = "promoted"
	// ParentFailed means a child failed and the parent does not continue on
	// child failure.
	ParentFailed ParentResolution = "failed"
)

// StoredChainEvent is one entry of the capped per-run chain-event log.
type StoredChainEvent struct {
	RunUUID   string            `json:"run_uuid"`
	Index     int64             `json:"index"`
	Event     schema.ChainEvent `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
}

// ExperimentRecord is the persisted experiment plus its fetched-once config.
type ExperimentRecord struct {
	UUID        string                  `json:"uuid"`
	WorkspaceID int64                   `json:"workspace_id"`
	Config      schema.ExperimentConfig `json:"config"`
	Status      schema.ExperimentStatus `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// ExperimentEvent is an immutable entry in the experiment event log. The log
// is the experiment workflow's durable history: progress is a pure fold over
// it, and resume after a restart replays it.
type ExperimentEvent struct {
	ID             int64           `json:"id"`
	ExperimentUUID string          `json:"experiment_uuid"`
	RowIndex       int             `json:"row_index"`
	Type           string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Sequence       int64           `json:"sequence"`
}

// Schedule is a cron-triggered experiment launch.
type Schedule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	CronExpr      string          `json:"cron_expr"`
	Config        json.RawMessage `json:"config"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
