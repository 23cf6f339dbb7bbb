package schema

import "time"

// RowStatus is the lifecycle state of one experiment row.
type RowStatus string

const (
	RowStatusPending   RowStatus = "pending"
	RowStatusRunning   RowStatus = "running"
	RowStatusCompleted RowStatus = "completed"
	RowStatusFailed    RowStatus = "failed"
)

// IsTerminal reports whether the row has settled.
func (s RowStatus) IsTerminal() bool {
	return s == RowStatusCompleted || s == RowStatusFailed
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusPending   ExperimentStatus = "pending"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusCancelled ExperimentStatus = "cancelled"
)

// DatasetRow is one unit of experiment work: one document run plus one
// evaluation per configured evaluation.
type DatasetRow struct {
	Index      int            `json:"index"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SimulationSettings configures the multi-turn simulator for a run.
type SimulationSettings struct {
	// MaxTurns is the requested conversation length including the initial
	// exchange. Values <= 1 disable simulation.
	MaxTurns int `json:"max_turns"`

	// Policy is an expr program deciding the simulated user's next action.
	Policy string `json:"policy,omitempty"`
}

// ExperimentConfig is the fetched-once configuration of an experiment.
type ExperimentConfig struct {
	ExperimentUUID string              `json:"experiment_uuid"`
	WorkspaceID    int64               `json:"workspace_id"`
	ProjectID      int64               `json:"project_id"`
	DocumentUUID   string              `json:"document_uuid"`
	CommitUUID     string              `json:"commit_uuid"`
	Rows           []DatasetRow        `json:"rows"`
	Evaluations    []Evaluation        `json:"evaluations"`
	Simulation     *SimulationSettings `json:"simulation,omitempty"`
}

// RowResult is the per-row slice of experiment progress.
type RowResult struct {
	Index            int                `json:"index"`
	Status           RowStatus          `json:"status"`
	ConversationUUID string             `json:"conversation_uuid,omitempty"`
	Evaluations      []EvaluationResult `json:"evaluations,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
}

// ExperimentProgress is the live, queryable state of a running experiment.
// It lives only inside the workflow instance and is rebuilt from the durable
// event log on resume; broadcasts are a side effect, never the source of
// truth.
type ExperimentProgress struct {
	ExperimentUUID string           `json:"experiment_uuid"`
	Status         ExperimentStatus `json:"status"`
	Total          int              `json:"total"`
	Completed      int              `json:"completed"`
	Passed         int              `json:"passed"`
	Failed         int              `json:"failed"`
	Errors         int              `json:"errors"`
	TotalScore     float64          `json:"total_score"`
	RowResults     []RowResult      `json:"row_results"`
}

// ProgressUpdate is the broadcast shape pushed after every row transition
// and once at start and finish.
type ProgressUpdate struct {
	WorkspaceID    int64     `json:"workspace_id"`
	ExperimentUUID string    `json:"experiment_uuid"`
	At             time.Time `json:"at"`
	Progress       struct {
		Total      int     `json:"total"`
		Completed  int     `json:"completed"`
		Passed     int     `json:"passed"`
		Failed     int     `json:"failed"`
		Errors     int     `json:"errors"`
		TotalScore float64 `json:"total_score"`
	} `json:"progress"`
}

// Summary extracts the broadcastable counters from the progress snapshot.
func (p *ExperimentProgress) Summary(workspaceID int64, at time.Time) ProgressUpdate {
	u := ProgressUpdate{
		WorkspaceID:    workspaceID,
		ExperimentUUID: p.ExperimentUUID,
		At:             at,
	}
	u.Progress.Total = p.Total
	u.Progress.Completed = p.Completed
	u.Progress.Passed = p.Passed
	u.Progress.Failed = p.Failed
	u.Progress.Errors = p.Errors
	u.Progress.TotalScore = p.TotalScore
	return u
}
