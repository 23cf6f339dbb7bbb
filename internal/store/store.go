package store

import (
	"context"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	CreateJobs(ctx context.Context, jobs []*Job) error // all-or-nothing
	GetJob(ctx context.Context, id string) (*Job, error)
	ClaimNextJob(ctx context.Context, queues []string, token string, now time.Time) (*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	MoveToWaitingChildren(ctx context.Context, jobID, token string) (bool, error)
	ListChildren(ctx context.Context, parentID string) ([]*Job, error)
	ResolveParent(ctx context.Context, parentID string) (ParentResolution, error)
	RequestCancel(ctx context.Context, jobID string) error
	RemoveJob(ctx context.Context, jobID string) error

	// Active runs (registry backing store; every mutation is one atomic
	// statement so concurrent start/stop/end races cannot lose updates)
	CreateActiveRun(ctx context.Context, ref schema.RunRef, run *schema.ActiveRun) error
	GetActiveRun(ctx context.Context, ref schema.RunRef) (*schema.ActiveRun, error)
	ListActiveRuns(ctx context.Context, workspaceID, projectID int64, documentUUID string) ([]*schema.ActiveRun, error)
	StartActiveRun(ctx context.Context, ref schema.RunRef, startedAt time.Time) error
	UpdateActiveRunCaption(ctx context.Context, ref schema.RunRef, caption string) error
	EndActiveRun(ctx context.Context, ref schema.RunRef) (*schema.ActiveRun, error)

	// Per-run chain-event log (capped, append-only)
	AppendRunEvent(ctx context.Context, runUUID string, event schema.ChainEvent) (int64, error)
	GetRunEvents(ctx context.Context, runUUID string, sinceIndex int64) ([]*StoredChainEvent, error)

	// Experiments
	CreateExperiment(ctx context.Context, rec *ExperimentRecord) error
	GetExperiment(ctx context.Context, uuid string) (*ExperimentRecord, error)
	UpdateExperimentStatus(ctx context.Context, uuid string, status schema.ExperimentStatus) error
	AppendExperimentEvent(ctx context.Context, event *ExperimentEvent) error
	GetExperimentEvents(ctx context.Context, experimentUUID string, since int64) ([]*ExperimentEvent, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
