package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/internal/queue"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
	"github.com/rendis/chainrun/pkg/schema"
)

// countingStore counts cancellation requests reaching the store.
type countingStore struct {
	store.Store
	cancelCalls int32
}

func (c *countingStore) RequestCancel(ctx context.Context, jobID string) error {
	atomic.AddInt32(&c.cancelCalls, 1)
	return c.Store.RequestCancel(ctx, jobID)
}

type controllerFixture struct {
	store      *countingStore
	mem        *store.MemoryStore
	hub        *streaming.MemoryHub
	registry   *Registry
	queue      *queue.Queue
	controller *Controller
}

func newControllerFixture(t *testing.T, stopWait time.Duration) *controllerFixture {
	t.Helper()
	mem := store.NewMemoryStore(0)
	counting := &countingStore{Store: mem}
	hub := streaming.NewMemoryHub()
	logger := testLogger()
	reg := NewRegistry(counting, hub, logger)
	q := queue.NewQueue(counting, hub, logger)
	return &controllerFixture{
		store:      counting,
		mem:        mem,
		hub:        hub,
		registry:   reg,
		queue:      q,
		controller: NewController(reg, q, counting, hub, stopWait, logger),
	}
}

// seedRun registers a run backed by a job in the given state.
func (f *controllerFixture) seedRun(t *testing.T, runUUID string, state store.JobState) (*schema.ActiveRun, schema.RunRef) {
	t.Helper()
	ctx := context.Background()
	ref := testRef(runUUID)
	require.NoError(t, f.mem.CreateJob(ctx, &store.Job{
		ID: runUUID, Queue: "runs", Name: "background_run", State: state, MaxAttempts: 1,
	}))
	run := &schema.ActiveRun{UUID: runUUID, JobID: runUUID}
	require.NoError(t, f.registry.Create(ctx, ref, run))
	return run, ref
}

func TestStopOnSettledJobSkipsCancellation(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()
	run, ref := f.seedRun(t, "run-1", store.JobStateCompleted)

	start := time.Now()
	require.NoError(t, f.controller.Stop(ctx, run, ref))

	// No cancellation flag and no settle wait for an already terminal job.
	assert.Zero(t, atomic.LoadInt32(&f.store.cancelCalls))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	job, err := f.mem.GetJob(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, job.CancelRequested)

	_, err = f.registry.Get(ctx, ref)
	assert.True(t, schema.IsNotFound(err), "stop clears the lingering registry entry")
}

func TestStopOnEndedRunIsUnprocessable(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()
	run, ref := f.seedRun(t, "run-1", store.JobStateCompleted)
	_, err := f.registry.End(ctx, ref, nil, "")
	require.NoError(t, err)

	err = f.controller.Stop(ctx, run, ref)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnprocessable))
}

func TestStopOnMissingJobClearsRegistry(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()
	ref := testRef("run-1")
	run := &schema.ActiveRun{UUID: "run-1", JobID: "ghost-job"}
	require.NoError(t, f.registry.Create(ctx, ref, run))

	require.NoError(t, f.controller.Stop(ctx, run, ref))
	_, err := f.registry.Get(ctx, ref)
	assert.True(t, schema.IsNotFound(err))
}

func TestStopCancelsLiveJobAndWaits(t *testing.T) {
	f := newControllerFixture(t, 2*time.Second)
	ctx := context.Background()
	run, ref := f.seedRun(t, "run-1", store.JobStateQueued)

	// Claim so the job is executing when the stop arrives.
	job, err := f.mem.ClaimNextJob(ctx, nil, "tok", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)

	// Simulate the worker observing the cancel and failing the job.
	go func() {
		time.Sleep(50 * time.Millisecond)
		failed := store.JobStateFailed
		_ = f.mem.UpdateJob(context.Background(), job.ID, store.JobUpdate{
			State:   &failed,
			Failure: schema.MarshalPayload(schema.NewError(schema.ErrCodeCancelled, "cancelled during execution")),
		})
		_ = f.hub.Publish(context.Background(), streaming.StreamEvent{
			JobID: job.ID, EventType: schema.EventJobFailed,
		})
	}()

	start := time.Now()
	require.NoError(t, f.controller.Stop(ctx, run, ref))
	assert.Less(t, time.Since(start), time.Second, "stop returns on the terminal event, not the full wait")
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.store.cancelCalls))
}

func TestStopWaitIsBounded(t *testing.T) {
	f := newControllerFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	run, ref := f.seedRun(t, "run-1", store.JobStateQueued)
	_, err := f.mem.ClaimNextJob(ctx, nil, "tok", time.Now().UTC())
	require.NoError(t, err)

	// The job never settles; the stop must still return after the wait.
	start := time.Now()
	require.NoError(t, f.controller.Stop(ctx, run, ref))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

// TestAttachFinishedRunResolvesSynchronously covers attaching to a run whose
// registry entry is gone: the stored job outcome resolves the attach without
// any subscription or callback.
func TestAttachFinishedRunResolvesSynchronously(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()

	outcome := schema.DocumentOutcome{
		Messages: []schema.Message{{Role: "assistant", Content: "done"}},
		Metrics:  schema.RunMetrics{Usage: schema.Usage{TotalTokens: 7}},
	}
	require.NoError(t, f.mem.CreateJob(ctx, &store.Job{
		ID: "run-1", Queue: "runs", Name: "background_run",
		State: store.JobStateCompleted, MaxAttempts: 1,
		Result: schema.MarshalPayload(outcome),
	}))

	run := &schema.ActiveRun{UUID: "run-1", JobID: "run-1"}
	called := 0
	got, err := f.controller.Attach(ctx, run, testRef("run-1"), func(schema.ChainEvent) { called++ })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, outcome.Messages, got.Messages)
	assert.Equal(t, int64(7), got.Metrics.Usage.TotalTokens)
	assert.Zero(t, called, "a finished run replays no events")
}

func TestAttachFinishedRunSurfacesFailure(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()

	require.NoError(t, f.mem.CreateJob(ctx, &store.Job{
		ID: "run-1", Queue: "runs", Name: "background_run",
		State: store.JobStateFailed, MaxAttempts: 1,
		Failure: schema.MarshalPayload(schema.NewError(schema.ErrCodeExecution, "provider exploded")),
	}))

	run := &schema.ActiveRun{UUID: "run-1", JobID: "run-1"}
	got, err := f.controller.Attach(ctx, run, testRef("run-1"), func(schema.ChainEvent) {})
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeExecution, got.Error.Code)
}

func TestAttachReplaysStoredEventsThenLive(t *testing.T) {
	f := newControllerFixture(t, time.Second)
	ctx := context.Background()
	run, ref := f.seedRun(t, "run-1", store.JobStateQueued)

	for i := 0; i < 3; i++ {
		_, err := f.mem.AppendRunEvent(ctx, "run-1", schema.ChainEvent{
			Event: schema.ChainEventProvider,
			Data:  map[string]any{"type": "text-delta", "text": "chunk"},
		})
		require.NoError(t, err)
	}

	var seen int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.controller.Attach(ctx, run, ref, func(schema.ChainEvent) {
			atomic.AddInt32(&seen, 1)
		})
	}()

	// Let the replay finish, then end the run so the attach resolves.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&seen) == 3 }, time.Second, 10*time.Millisecond)
	completed := store.JobStateCompleted
	require.NoError(t, f.mem.UpdateJob(ctx, "run-1", store.JobUpdate{
		State:  &completed,
		Result: schema.MarshalPayload(schema.DocumentOutcome{}),
	}))
	_, err := f.registry.End(ctx, ref, nil, "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not resolve after run ended")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&seen))
}

// TestAttachAbortStopsRunOnce covers aborting an attach: the listener detaches
// and the run is stopped, each exactly once.
func TestAttachAbortStopsRunOnce(t *testing.T) {
	f := newControllerFixture(t, 100*time.Millisecond)
	run, ref := f.seedRun(t, "run-1", store.JobStateQueued)
	_, err := f.mem.ClaimNextJob(context.Background(), nil, "tok", time.Now().UTC())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, attachErr := f.controller.Attach(ctx, run, ref, func(schema.ChainEvent) {})
		errCh <- attachErr
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case attachErr := <-errCh:
		require.Error(t, attachErr)
		assert.True(t, schema.HasCode(attachErr, schema.ErrCodeCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not abort")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.store.cancelCalls), "abort requests exactly one stop")

	job, err := f.mem.GetJob(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
}
