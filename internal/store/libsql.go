package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB

	// runEventCap bounds the per-run chain-event log. Appends past the cap
	// are dropped so a chatty provider cannot grow the log unboundedly.
	runEventCap int64
}

// DefaultRunEventCap is the default per-run chain-event log bound.
const DefaultRunEventCap = 2000

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string, runEventCap int64) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if runEventCap <= 0 {
		runEventCap = DefaultRunEventCap
	}
	return &LibSQLStore{db: db, runEventCap: runEventCap}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Jobs ---

const jobColumns = `id, queue, name, flow_id, parent_id, payload, state, attempts, max_attempts,
	backoff, delay, continue_on_child_failure, token, cancel_requested, result, failure,
	available_at, created_at, updated_at`

func (s *LibSQLStore) CreateJob(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()
	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateJobs inserts all jobs in one transaction: a flow is admitted whole or
// not at all. A conflict on any deterministic id rejects the entire batch,
// which is what makes the id an at-most-one enqueue key under retries.
func (s *LibSQLStore) CreateJobs(ctx context.Context, jobs []*Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create jobs: %w", err)
	}
	defer tx.Rollback()
	for _, job := range jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	payload, err := marshalMapOrDefault(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	now := time.Now().UTC()
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Name, nullStr(job.FlowID), nullStr(job.ParentID),
		string(payload), string(job.State), job.Attempts, job.MaxAttempts,
		nullStr(job.Backoff), nullStr(job.Delay), boolInt(job.ContinueOnChildFailure),
		nullStr(job.Token), boolInt(job.CancelRequested),
		nullRaw(job.Result), nullRaw(job.Failure),
		job.AvailableAt, timeOrNow(job.CreatedAt), now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "job %q already enqueued", job.ID).WithCause(err)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNextJob atomically moves the oldest available queued job to active,
// stamping the invocation token and counting the attempt.
func (s *LibSQLStore) ClaimNextJob(ctx context.Context, queues []string, token string, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs
		 WHERE state = 'queued' AND available_at <= ?`
	args := []any{now}
	if len(queues) > 0 {
		query += ` AND queue IN (?` + strings.Repeat(",?", len(queues)-1) + `)`
		for _, q := range queues {
			args = append(args, q)
		}
	}
	query += ` ORDER BY created_at LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'active', token = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		token, now, job.ID,
	); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.State = JobStateActive
	job.Token = token
	job.Attempts++
	return job, nil
}

func (s *LibSQLStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.State != nil {
		set = append(set, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Payload != nil {
		payload, err := marshalMapOrDefault(update.Payload)
		if err != nil {
			return fmt.Errorf("marshal job payload: %w", err)
		}
		set = append(set, "payload = ?")
		args = append(args, string(payload))
	}
	if update.Result != nil {
		set = append(set, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Failure != nil {
		set = append(set, "failure = ?")
		args = append(args, string(update.Failure))
	}
	if update.AvailableAt != nil {
		set = append(set, "available_at = ?")
		args = append(args, *update.AvailableAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

// MoveToWaitingChildren moves an active job into waiting_children, but only
// for the holder of the current invocation token and only while at least one
// child is non-terminal. Returns false when there is nothing to wait for.
// The claim's attempt increment is refunded: a suspension is control flow,
// not a failed attempt, so it must not eat into the retry budget.
func (s *LibSQLStore) MoveToWaitingChildren(ctx context.Context, jobID, token string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin move: %w", err)
	}
	defer tx.Rollback()

	var state, currentToken string
	err = tx.QueryRowContext(ctx,
		`SELECT state, COALESCE(token, '') FROM jobs WHERE id = ?`, jobID,
	).Scan(&state, &currentToken)
	if err == sql.ErrNoRows {
		return false, storeNotFound("job", jobID)
	}
	if err != nil {
		return false, err
	}
	if JobState(state) != JobStateActive {
		return false, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot suspend job in state %s", state).WithJob(jobID)
	}
	if currentToken != token {
		return false, schema.NewError(schema.ErrCodeUnprocessable, "stale suspension token").WithJob(jobID)
	}

	var pending int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM jobs WHERE parent_id = ? AND state NOT IN ('completed', 'failed', 'removed')`,
		jobID,
	).Scan(&pending)
	if err != nil {
		return false, err
	}
	if pending == 0 {
		// Children already settled between check and move; caller proceeds
		// without waiting.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting_children', attempts = MAX(attempts - 1, 0), updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit move: %w", err)
	}
	return true, nil
}

func (s *LibSQLStore) ListChildren(ctx context.Context, parentID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResolveParent checks a waiting parent after a child settled. When every
// child is terminal the parent is either re-queued (resume) or failed,
// depending on child outcomes and continue_on_child_failure.
func (s *LibSQLStore) ResolveParent(ctx context.Context, parentID string) (ParentResolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ParentNotReady, fmt.Errorf("begin resolve parent: %w", err)
	}
	defer tx.Rollback()

	var state string
	var continueOnChildFailure int
	err = tx.QueryRowContext(ctx,
		`SELECT state, continue_on_child_failure FROM jobs WHERE id = ?`, parentID,
	).Scan(&state, &continueOnChildFailure)
	if err == sql.ErrNoRows {
		return ParentNotReady, storeNotFound("job", parentID)
	}
	if err != nil {
		return ParentNotReady, err
	}
	if JobState(state) != JobStateWaitingChildren {
		return ParentNotReady, nil
	}

	var pending, failed int
	err = tx.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN state NOT IN ('completed', 'failed', 'removed') THEN 1 END),
			COUNT(CASE WHEN state IN ('failed', 'removed') THEN 1 END)
		 FROM jobs WHERE parent_id = ?`, parentID,
	).Scan(&pending, &failed)
	if err != nil {
		return ParentNotReady, err
	}
	if pending > 0 {
		return ParentNotReady, nil
	}

	now := time.Now().UTC()
	if failed > 0 && continueOnChildFailure == 0 {
		failure := schema.MarshalPayload(schema.NewError(schema.ErrCodeExecution, "child job failed"))
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', failure = ?, updated_at = ? WHERE id = ?`,
			string(failure), now, parentID,
		); err != nil {
			return ParentNotReady, err
		}
		if err := tx.Commit(); err != nil {
			return ParentNotReady, err
		}
		return ParentFailed, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'queued', available_at = ?, updated_at = ? WHERE id = ?`,
		now, now, parentID,
	); err != nil {
		return ParentNotReady, err
	}
	if err := tx.Commit(); err != nil {
		return ParentNotReady, err
	}
	return ParentPromoted, nil
}

// RequestCancel sets the external cancellation flag keyed by job id.
func (s *LibSQLStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", jobID)
}

// RemoveJob marks a non-active job removed. Active jobs cannot be removed
// out from under their worker; cancellation handles those.
func (s *LibSQLStore) RemoveJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'removed', updated_at = ? WHERE id = ? AND state IN ('queued', 'waiting_children')`,
		time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewError(schema.ErrCodeUnprocessable, "job not removable").WithJob(jobID)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var flowID, parentID, payload, backoff, delay, token, result, failure sql.NullString
	var continueOnChildFailure, cancelRequested int
	var state string
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &flowID, &parentID, &payload, &state,
		&j.Attempts, &j.MaxAttempts, &backoff, &delay, &continueOnChildFailure,
		&token, &cancelRequested, &result, &failure,
		&j.AvailableAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.FlowID = flowID.String
	j.ParentID = parentID.String
	j.State = JobState(state)
	j.Backoff = backoff.String
	j.Delay = delay.String
	j.ContinueOnChildFailure = continueOnChildFailure != 0
	j.Token = token.String
	j.CancelRequested = cancelRequested != 0
	j.Result = rawOrNil(result)
	j.Failure = rawOrNil(failure)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	return j, nil
}

// --- Active runs ---

func (s *LibSQLStore) CreateActiveRun(ctx context.Context, ref schema.RunRef, run *schema.ActiveRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal active run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_runs (workspace_id, project_id, document_uuid, run_uuid, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID, string(payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already active", ref.RunUUID).WithCause(err)
		}
		return err
	}
	return nil
}

func (s *LibSQLStore) GetActiveRun(ctx context.Context, ref schema.RunRef) (*schema.ActiveRun, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM active_runs
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ? AND run_uuid = ?`,
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active run", ref.RunUUID)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalActiveRun(payload)
}

func (s *LibSQLStore) ListActiveRuns(ctx context.Context, workspaceID, projectID int64, documentUUID string) ([]*schema.ActiveRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM active_runs
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ?`,
		workspaceID, projectID, documentUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.ActiveRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		run, err := unmarshalActiveRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartActiveRun stamps startedAt in a single atomic statement so it cannot
// lose a concurrent caption update.
func (s *LibSQLStore) StartActiveRun(ctx context.Context, ref schema.RunRef, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_runs SET payload = json_set(payload, '$.startedAt', ?)
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ? AND run_uuid = ?`,
		startedAt.UTC().Format(time.RFC3339Nano),
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "active run", ref.RunUUID)
}

func (s *LibSQLStore) UpdateActiveRunCaption(ctx context.Context, ref schema.RunRef, caption string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_runs SET payload = json_set(payload, '$.caption', ?)
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ? AND run_uuid = ?`,
		caption,
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "active run", ref.RunUUID)
}

// EndActiveRun deletes the run entry and returns its last snapshot. The
// delete is the authoritative "run is over" signal; a second call finds no
// row and reports NOT_FOUND, which racing callers must tolerate.
func (s *LibSQLStore) EndActiveRun(ctx context.Context, ref schema.RunRef) (*schema.ActiveRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin end run: %w", err)
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM active_runs
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ? AND run_uuid = ?`,
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active run", ref.RunUUID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM active_runs
		 WHERE workspace_id = ? AND project_id = ? AND document_uuid = ? AND run_uuid = ?`,
		ref.WorkspaceID, ref.ProjectID, ref.DocumentUUID, ref.RunUUID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit end run: %w", err)
	}
	return unmarshalActiveRun(payload)
}

func unmarshalActiveRun(payload string) (*schema.ActiveRun, error) {
	run := &schema.ActiveRun{}
	if err := json.Unmarshal([]byte(payload), run); err != nil {
		return nil, fmt.Errorf("unmarshal active run: %w", err)
	}
	return run, nil
}

// --- Experiments ---

func (s *LibSQLStore) CreateExperiment(ctx context.Context, rec *ExperimentRecord) error {
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal experiment config: %w", err)
	}
	if rec.Status == "" {
		rec.Status = schema.ExperimentStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (uuid, workspace_id, config, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UUID, rec.WorkspaceID, string(config), string(rec.Status),
		timeOrNow(rec.CreatedAt), time.Now().UTC(),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict, "experiment %q already exists", rec.UUID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExperiment(ctx context.Context, uuid string) (*ExperimentRecord, error) {
	rec := &ExperimentRecord{}
	var config, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, workspace_id, config, status, created_at, updated_at FROM experiments WHERE uuid = ?`,
		uuid,
	).Scan(&rec.UUID, &rec.WorkspaceID, &config, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("experiment", uuid)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.ExperimentStatus(status)
	if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
		return nil, fmt.Errorf("unmarshal experiment config: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateExperimentStatus(ctx context.Context, uuid string, status schema.ExperimentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, updated_at = ? WHERE uuid = ?`,
		string(status), time.Now().UTC(), uuid)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "experiment", uuid)
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, config, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, nullStr(sched.Name), sched.CronExpr, string(sched.Config),
		boolInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT id, name, cron_expr, config, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	var args []any
	if filter.Enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, boolInt(*filter.Enabled))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var name, lastStatus sql.NullString
		var config string
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sched.ID, &name, &sched.CronExpr, &config, &enabled,
			&lastRun, &nextRun, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Name = name.String
		sched.Config = json.RawMessage(config)
		sched.Enabled = enabled != 0
		sched.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			sched.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sched.NextRunAt = &nextRun.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	set := []string{}
	var args []any
	if update.Enabled != nil {
		set = append(set, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		set = append(set, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		set = append(set, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RunError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
