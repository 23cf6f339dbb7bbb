package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// MemoryStore is an in-memory Store used in tests and ephemeral setups. It
// mirrors the libSQL implementation's semantics: atomic mutations, idempotent
// end-of-run, capped run event log, monotonic experiment sequences.
type MemoryStore struct {
	mu sync.Mutex

	jobs           map[string]*Job
	activeRuns     map[schema.RunRef]*schema.ActiveRun
	runEvents      map[string][]*StoredChainEvent
	runEventTotals map[string]int64
	runEventCap    int64
	experiments    map[string]*ExperimentRecord
	expEvents      map[string][]*ExperimentEvent
	schedules      map[string]*Schedule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(runEventCap int64) *MemoryStore {
	if runEventCap <= 0 {
		runEventCap = DefaultRunEventCap
	}
	return &MemoryStore{
		jobs:           make(map[string]*Job),
		activeRuns:     make(map[schema.RunRef]*schema.ActiveRun),
		runEvents:      make(map[string][]*StoredChainEvent),
		runEventTotals: make(map[string]int64),
		runEventCap:    runEventCap,
		experiments:    make(map[string]*ExperimentRecord),
		expEvents:      make(map[string][]*ExperimentEvent),
		schedules:      make(map[string]*Schedule),
	}
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	return m.CreateJobs(ctx, []*Job{job})
}

func (m *MemoryStore) CreateJobs(_ context.Context, jobs []*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if _, exists := m.jobs[job.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "job %q already enqueued", job.ID)
		}
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		clone := *job
		if clone.State == "" {
			clone.State = JobStateQueued
		}
		if clone.MaxAttempts <= 0 {
			clone.MaxAttempts = 1
		}
		if clone.AvailableAt.IsZero() {
			clone.AvailableAt = now
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		m.jobs[clone.ID] = &clone
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	clone := *job
	return &clone, nil
}

func (m *MemoryStore) ClaimNextJob(_ context.Context, queues []string, token string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Job
	for _, job := range m.jobs {
		if job.State != JobStateQueued || job.AvailableAt.After(now) {
			continue
		}
		if len(queues) > 0 && !contains(queues, job.Queue) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.State = JobStateActive
	oldest.Token = token
	oldest.Attempts++
	oldest.UpdatedAt = now
	clone := *oldest
	return &clone, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, update JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	if update.State != nil {
		job.State = *update.State
	}
	if update.Payload != nil {
		job.Payload = update.Payload
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.Failure != nil {
		job.Failure = update.Failure
	}
	if update.AvailableAt != nil {
		job.AvailableAt = *update.AvailableAt
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MoveToWaitingChildren(_ context.Context, jobID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	if job.State != JobStateActive {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot suspend job in state %s", job.State).WithJob(jobID)
	}
	if job.Token != token {
		return false, schema.NewError(schema.ErrCodeUnprocessable, "stale suspension token").WithJob(jobID)
	}
	pending := 0
	for _, candidate := range m.jobs {
		if candidate.ParentID == jobID && !candidate.State.IsTerminal() {
			pending++
		}
	}
	if pending == 0 {
		return false, nil
	}
	job.State = JobStateWaitingChildren
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var children []*Job
	for _, job := range m.jobs {
		if job.ParentID == parentID {
			clone := *job
			children = append(children, &clone)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })
	return children, nil
}

func (m *MemoryStore) ResolveParent(_ context.Context, parentID string) (ParentResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.jobs[parentID]
	if !ok {
		return ParentNotReady, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", parentID)
	}
	if parent.State != JobStateWaitingChildren {
		return ParentNotReady, nil
	}
	pending, failed := 0, 0
	for _, job := range m.jobs {
		if job.ParentID != parentID {
			continue
		}
		switch job.State {
		case JobStateFailed, JobStateRemoved:
			failed++
		case JobStateCompleted:
		default:
			pending++
		}
	}
	if pending > 0 {
		return ParentNotReady, nil
	}
	now := time.Now().UTC()
	if failed > 0 && !parent.ContinueOnChildFailure {
		parent.State = JobStateFailed
		parent.Failure = schema.MarshalPayload(schema.NewError(schema.ErrCodeExecution, "child job failed"))
		parent.UpdatedAt = now
		return ParentFailed, nil
	}
	parent.State = JobStateQueued
	parent.AvailableAt = now
	parent.UpdatedAt = now
	return ParentPromoted, nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RemoveJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", jobID)
	}
	if job.State != JobStateQueued && job.State != JobStateWaitingChildren {
		return schema.NewError(schema.ErrCodeUnprocessable, "job not removable").WithJob(jobID)
	}
	job.State = JobStateRemoved
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Active runs ---

func (m *MemoryStore) CreateActiveRun(_ context.Context, ref schema.RunRef, run *schema.ActiveRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activeRuns[ref]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already active", ref.RunUUID)
	}
	clone := *run
	m.activeRuns[ref] = &clone
	return nil
}

func (m *MemoryStore) GetActiveRun(_ context.Context, ref schema.RunRef) (*schema.ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.activeRuns[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "active run %q not found", ref.RunUUID)
	}
	clone := *run
	return &clone, nil
}

func (m *MemoryStore) ListActiveRuns(_ context.Context, workspaceID, projectID int64, documentUUID string) ([]*schema.ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*schema.ActiveRun
	for ref, run := range m.activeRuns {
		if ref.WorkspaceID == workspaceID && ref.ProjectID == projectID && ref.DocumentUUID == documentUUID {
			clone := *run
			runs = append(runs, &clone)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].QueuedAt.Before(runs[j].QueuedAt) })
	return runs, nil
}

func (m *MemoryStore) StartActiveRun(_ context.Context, ref schema.RunRef, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.activeRuns[ref]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "active run %q not found", ref.RunUUID)
	}
	at := startedAt.UTC()
	run.StartedAt = &at
	return nil
}

func (m *MemoryStore) UpdateActiveRunCaption(_ context.Context, ref schema.RunRef, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.activeRuns[ref]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "active run %q not found", ref.RunUUID)
	}
	run.Caption = caption
	return nil
}

func (m *MemoryStore) EndActiveRun(_ context.Context, ref schema.RunRef) (*schema.ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.activeRuns[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "active run %q not found", ref.RunUUID)
	}
	delete(m.activeRuns, ref)
	clone := *run
	return &clone, nil
}

// --- Run events ---

func (m *MemoryStore) AppendRunEvent(_ context.Context, runUUID string, event schema.ChainEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Indexes come from the total appended count, not the surviving rows:
	// over-cap appends drop the event but still advance the numbering.
	next := m.runEventTotals[runUUID]
	m.runEventTotals[runUUID] = next + 1
	if next >= m.runEventCap {
		return next, nil
	}
	m.runEvents[runUUID] = append(m.runEvents[runUUID], &StoredChainEvent{
		RunUUID:   runUUID,
		Index:     next,
		Event:     event,
		Timestamp: time.Now().UTC(),
	})
	return next, nil
}

func (m *MemoryStore) GetRunEvents(_ context.Context, runUUID string, sinceIndex int64) ([]*StoredChainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*StoredChainEvent
	for _, ev := range m.runEvents[runUUID] {
		if ev.Index > sinceIndex {
			clone := *ev
			events = append(events, &clone)
		}
	}
	return events, nil
}

// --- Experiments ---

func (m *MemoryStore) CreateExperiment(_ context.Context, rec *ExperimentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.experiments[rec.UUID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "experiment %q already exists", rec.UUID)
	}
	clone := *rec
	if clone.Status == "" {
		clone.Status = schema.ExperimentStatusPending
	}
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.experiments[rec.UUID] = &clone
	return nil
}

func (m *MemoryStore) GetExperiment(_ context.Context, uuid string) (*ExperimentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.experiments[uuid]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "experiment %q not found", uuid)
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) UpdateExperimentStatus(_ context.Context, uuid string, status schema.ExperimentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.experiments[uuid]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "experiment %q not found", uuid)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendExperimentEvent(_ context.Context, event *ExperimentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.expEvents[event.ExperimentUUID]
	event.Sequence = int64(len(events)) + 1
	event.ID = event.Sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	clone := *event
	m.expEvents[event.ExperimentUUID] = append(events, &clone)
	return nil
}

func (m *MemoryStore) GetExperimentEvents(_ context.Context, experimentUUID string, since int64) ([]*ExperimentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*ExperimentEvent
	for _, ev := range m.expEvents[experimentUUID] {
		if ev.Sequence > since {
			clone := *ev
			events = append(events, &clone)
		}
	}
	return events, nil
}

// --- Schedules ---

func (m *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sched
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.schedules[sched.ID] = &clone
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var schedules []*Schedule
	for _, sched := range m.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		clone := *sched
		schedules = append(schedules, &clone)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].CreatedAt.Before(schedules[j].CreatedAt) })
	if filter.Limit > 0 && len(schedules) > filter.Limit {
		schedules = schedules[:filter.Limit]
	}
	return schedules, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sched.LastRunStatus = update.LastRunStatus
	}
	return nil
}

// Migrate is a no-op for the in-memory store.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)
