package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/pkg/schema"
)

// mockLauncher tracks Launch calls.
type mockLauncher struct {
	mu      sync.Mutex
	configs []schema.ExperimentConfig
	err     error
}

func (l *mockLauncher) Launch(_ context.Context, config schema.ExperimentConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = append(l.configs, config)
	return l.err
}

func (l *mockLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.configs)
}

func newTestScheduler(s store.Store, launcher ExperimentLauncher) *Scheduler {
	return NewScheduler(s, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func scheduleConfig(experimentUUID string) json.RawMessage {
	raw, _ := json.Marshal(schema.ExperimentConfig{
		ExperimentUUID: experimentUUID,
		WorkspaceID:    1,
		ProjectID:      2,
		DocumentUUID:   "doc-1",
		CommitUUID:     "commit-1",
		Rows:           []schema.DatasetRow{{Index: 0}},
	})
	return raw
}

func getSchedule(t *testing.T, s store.Store, id string) *store.Schedule {
	t.Helper()
	schedules, err := s.ListSchedules(context.Background(), store.ScheduleFilter{})
	require.NoError(t, err)
	for _, sched := range schedules {
		if sched.ID == id {
			return sched
		}
	}
	t.Fatalf("schedule %s not found", id)
	return nil
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(store.NewMemoryStore(0), &mockLauncher{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickLaunchesDueSchedules(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-1",
		Name:      "nightly regression",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   true,
		NextRunAt: &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, launcher.callCount())
	launcher.mu.Lock()
	config := launcher.configs[0]
	launcher.mu.Unlock()
	assert.Equal(t, "exp-1", config.ExperimentUUID)
	assert.Equal(t, "doc-1", config.DocumentUUID)

	got := getSchedule(t, ms, "sched-1")
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueSchedules(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-future",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   true,
		NextRunAt: &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, launcher.callCount())
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-disabled",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   false,
		NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, launcher.callCount())
}

func TestTickTreatsNilNextRunAsDue(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:       "sched-nil-next",
		CronExpr: "0 * * * *",
		Config:   scheduleConfig("exp-1"),
		Enabled:  true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, launcher.callCount())
}

func TestTickRecordsLaunchFailure(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{err: assert.AnError}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-fail",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   true,
		NextRunAt: &past,
	}))

	sched.tick(ctx)

	got := getSchedule(t, ms, "sched-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	// The schedule still advances so a broken config cannot hot-loop.
	assert.NotNil(t, got.NextRunAt)
}

func TestTickRecordsBadConfig(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-bad-config",
		CronExpr:  "0 * * * *",
		Config:    json.RawMessage(`{not json`),
		Enabled:   true,
		NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, launcher.callCount())
	got := getSchedule(t, ms, "sched-bad-config")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestMissedRecovery(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-missed",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-missed"),
		Enabled:   true,
		NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-upcoming",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-upcoming"),
		Enabled:   true,
		NextRunAt: &future,
	}))
	// Never ran before: recovery only targets schedules that slipped.
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:       "sched-fresh",
		CronExpr: "0 * * * *",
		Config:   scheduleConfig("exp-fresh"),
		Enabled:  true,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	require.Equal(t, 1, launcher.callCount())
	launcher.mu.Lock()
	config := launcher.configs[0]
	launcher.mu.Unlock()
	assert.Equal(t, "exp-missed", config.ExperimentUUID)

	got := getSchedule(t, ms, "sched-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDedupPreventsDoubleLaunch(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-dedup",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   true,
		NextRunAt: &past,
	}))

	// Pre-acquire the schedule to simulate an in-flight launch.
	acquired := sched.tryAcquire("sched-dedup")
	assert.True(t, acquired)

	sched.tick(ctx)
	assert.Equal(t, 0, launcher.callCount())

	// Release and tick again. The schedule is still due, so it runs.
	sched.release("sched-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, launcher.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:        "sched-release",
		CronExpr:  "0 * * * *",
		Config:    scheduleConfig("exp-1"),
		Enabled:   true,
		NextRunAt: &past,
	}))

	sched.tick(ctx)
	assert.Equal(t, 1, launcher.callCount())

	// Reset NextRunAt to the past so the schedule is due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateSchedule(ctx, "sched-release", store.ScheduleUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, launcher.callCount())
}

func TestMultipleSchedulesSomeDue(t *testing.T) {
	ms := store.NewMemoryStore(0)
	launcher := &mockLauncher{}
	sched := newTestScheduler(ms, launcher)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "due-1", CronExpr: "0 * * * *", Config: scheduleConfig("exp-alpha"),
		Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "not-due", CronExpr: "0 * * * *", Config: scheduleConfig("exp-beta"),
		Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID: "due-2", CronExpr: "0 * * * *", Config: scheduleConfig("exp-gamma"),
		Enabled: true,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, launcher.callCount())
	launcher.mu.Lock()
	uuids := make([]string, len(launcher.configs))
	for i, c := range launcher.configs {
		uuids[i] = c.ExperimentUUID
	}
	launcher.mu.Unlock()
	assert.Contains(t, uuids, "exp-alpha")
	assert.Contains(t, uuids, "exp-gamma")
	assert.NotContains(t, uuids, "exp-beta")
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(store.NewMemoryStore(0), &mockLauncher{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}
