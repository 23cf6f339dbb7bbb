package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

// forEachStore runs a test against both Store implementations. The in-memory
// store mirrors the libSQL semantics, so every behavior is asserted twice.
func forEachStore(t *testing.T, runEventCap int64, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(runEventCap))
	})

	t.Run("libsql", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		s, err := NewLibSQLStore("file:"+dbPath, runEventCap)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(context.Background()))
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func queuedJob(id, queue string) *Job {
	return &Job{ID: id, Queue: queue, Name: "work", MaxAttempts: 3}
}

// --- Jobs ---

func TestCreateJobsAllOrNothing(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateJob(ctx, queuedJob("a", "q")))

		err := s.CreateJobs(ctx, []*Job{queuedJob("b", "q"), queuedJob("a", "q")})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)

		// The batch must be rejected whole: "b" was never admitted.
		_, err = s.GetJob(ctx, "b")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
	})
}

func TestClaimNextJobOrdering(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Minute)

		second := queuedJob("second", "q")
		second.CreatedAt = base.Add(time.Second)
		first := queuedJob("first", "q")
		first.CreatedAt = base
		require.NoError(t, s.CreateJobs(ctx, []*Job{second, first}))

		job, err := s.ClaimNextJob(ctx, []string{"q"}, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "first", job.ID, "oldest queued job wins")
		assert.Equal(t, JobStateActive, job.State)
		assert.Equal(t, "tok-1", job.Token)
		assert.Equal(t, 1, job.Attempts, "a claim counts an attempt")
	})
}

func TestClaimNextJobHonorsAvailableAt(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		delayed := queuedJob("delayed", "q")
		delayed.AvailableAt = time.Now().UTC().Add(time.Hour)
		require.NoError(t, s.CreateJob(ctx, delayed))

		job, err := s.ClaimNextJob(ctx, []string{"q"}, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		assert.Nil(t, job, "a job scheduled for the future is not claimable")
	})
}

func TestClaimNextJobFiltersQueues(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateJob(ctx, queuedJob("io-job", "io")))

		job, err := s.ClaimNextJob(ctx, []string{"cpu"}, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = s.ClaimNextJob(ctx, []string{"cpu", "io"}, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "io-job", job.ID)
	})
}

func TestClaimNextJobEmpty(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		job, err := s.ClaimNextJob(context.Background(), nil, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

// --- Suspension ---

func suspendableParent(t *testing.T, s Store) *Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, queuedJob("parent", "q")))
	job, err := s.ClaimNextJob(ctx, []string{"q"}, "tok-1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, job)

	child := queuedJob("child", "q")
	child.ParentID = "parent"
	require.NoError(t, s.CreateJob(ctx, child))
	return job
}

func TestMoveToWaitingChildrenRefundsAttempt(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		suspendableParent(t, s)

		moved, err := s.MoveToWaitingChildren(ctx, "parent", "tok-1")
		require.NoError(t, err)
		assert.True(t, moved)

		got, err := s.GetJob(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, JobStateWaitingChildren, got.State)
		assert.Equal(t, 0, got.Attempts, "suspension must not consume the retry budget")
	})
}

func TestMoveToWaitingChildrenStaleToken(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		suspendableParent(t, s)

		_, err := s.MoveToWaitingChildren(context.Background(), "parent", "someone-else")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeUnprocessable), "got %v", err)
	})
}

func TestMoveToWaitingChildrenNoPendingChildren(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		suspendableParent(t, s)

		completed := JobStateCompleted
		require.NoError(t, s.UpdateJob(ctx, "child", JobUpdate{State: &completed}))

		moved, err := s.MoveToWaitingChildren(ctx, "parent", "tok-1")
		require.NoError(t, err)
		assert.False(t, moved, "nothing to wait for when children already settled")

		got, err := s.GetJob(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, JobStateActive, got.State)
	})
}

func TestMoveToWaitingChildrenRequiresActive(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, queuedJob("idle", "q")))

		_, err := s.MoveToWaitingChildren(ctx, "idle", "tok-1")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "got %v", err)
	})
}

// --- Parent resolution ---

func waitingParentWithChildren(t *testing.T, s Store, continueOnChildFailure bool, childIDs ...string) {
	t.Helper()
	ctx := context.Background()

	parent := queuedJob("parent", "q")
	parent.ContinueOnChildFailure = continueOnChildFailure
	require.NoError(t, s.CreateJob(ctx, parent))
	_, err := s.ClaimNextJob(ctx, []string{"q"}, "tok-1", time.Now().UTC())
	require.NoError(t, err)

	for _, id := range childIDs {
		child := queuedJob(id, "q")
		child.ParentID = "parent"
		require.NoError(t, s.CreateJob(ctx, child))
	}
	moved, err := s.MoveToWaitingChildren(ctx, "parent", "tok-1")
	require.NoError(t, err)
	require.True(t, moved)
}

func setJobState(t *testing.T, s Store, id string, state JobState) {
	t.Helper()
	require.NoError(t, s.UpdateJob(context.Background(), id, JobUpdate{State: &state}))
}

func TestResolveParentNotReadyWhilePending(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		waitingParentWithChildren(t, s, false, "c1", "c2")

		setJobState(t, s, "c1", JobStateCompleted)

		resolution, err := s.ResolveParent(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, ParentNotReady, resolution)
	})
}

func TestResolveParentPromotes(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		waitingParentWithChildren(t, s, false, "c1", "c2")

		setJobState(t, s, "c1", JobStateCompleted)
		setJobState(t, s, "c2", JobStateCompleted)

		resolution, err := s.ResolveParent(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, ParentPromoted, resolution)

		got, err := s.GetJob(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, JobStateQueued, got.State)
	})
}

func TestResolveParentFailsOnChildFailure(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		waitingParentWithChildren(t, s, false, "c1", "c2")

		setJobState(t, s, "c1", JobStateCompleted)
		setJobState(t, s, "c2", JobStateFailed)

		resolution, err := s.ResolveParent(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, ParentFailed, resolution)

		got, err := s.GetJob(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, JobStateFailed, got.State)
		failure := got.FailureError()
		require.NotNil(t, failure)
		assert.Equal(t, schema.ErrCodeExecution, failure.Code)
	})
}

func TestResolveParentToleratesChildFailure(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		waitingParentWithChildren(t, s, true, "c1")

		setJobState(t, s, "c1", JobStateFailed)

		resolution, err := s.ResolveParent(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, ParentPromoted, resolution)
	})
}

func TestResolveParentIgnoresNonWaiting(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, queuedJob("parent", "q")))

		resolution, err := s.ResolveParent(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, ParentNotReady, resolution)
	})
}

// --- Removal and cancellation ---

func TestRemoveJobOnlyWhileInactive(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateJob(ctx, queuedJob("removable", "q")))
		require.NoError(t, s.RemoveJob(ctx, "removable"))
		got, err := s.GetJob(ctx, "removable")
		require.NoError(t, err)
		assert.Equal(t, JobStateRemoved, got.State)

		require.NoError(t, s.CreateJob(ctx, queuedJob("claimed", "q")))
		_, err = s.ClaimNextJob(ctx, []string{"q"}, "tok-1", time.Now().UTC())
		require.NoError(t, err)
		err = s.RemoveJob(ctx, "claimed")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeUnprocessable), "got %v", err)
	})
}

func TestRequestCancelSetsFlag(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateJob(ctx, queuedJob("j1", "q")))
		require.NoError(t, s.RequestCancel(ctx, "j1"))

		got, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)

		err = s.RequestCancel(ctx, "missing")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
	})
}

// --- Active runs ---

func TestActiveRunLifecycle(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := schema.RunRef{WorkspaceID: 1, ProjectID: 2, DocumentUUID: "doc-1", RunUUID: uuid.New().String()}
		queuedAt := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, s.CreateActiveRun(ctx, ref, &schema.ActiveRun{
			UUID:         ref.RunUUID,
			DocumentUUID: ref.DocumentUUID,
			QueuedAt:     queuedAt,
		}))

		err := s.CreateActiveRun(ctx, ref, &schema.ActiveRun{UUID: ref.RunUUID})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)

		startedAt := time.Now().UTC()
		require.NoError(t, s.StartActiveRun(ctx, ref, startedAt))
		require.NoError(t, s.UpdateActiveRunCaption(ctx, ref, "Running web_search..."))

		got, err := s.GetActiveRun(ctx, ref)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		assert.Equal(t, "Running web_search...", got.Caption)

		runs, err := s.ListActiveRuns(ctx, 1, 2, "doc-1")
		require.NoError(t, err)
		assert.Len(t, runs, 1)
		runs, err = s.ListActiveRuns(ctx, 1, 2, "other-doc")
		require.NoError(t, err)
		assert.Empty(t, runs)

		snapshot, err := s.EndActiveRun(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, ref.RunUUID, snapshot.UUID)
		assert.Equal(t, "Running web_search...", snapshot.Caption)

		// The delete is the authoritative end signal: a second call finds
		// nothing, and racing callers must tolerate that.
		_, err = s.EndActiveRun(ctx, ref)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
	})
}

// --- Run event log ---

func TestAppendRunEventCapsLogButKeepsNumbering(t *testing.T) {
	forEachStore(t, 3, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			index, err := s.AppendRunEvent(ctx, "run-1", schema.ChainEvent{
				Event: schema.ChainEventProvider,
				Data:  map[string]any{"type": schema.EventDataTextDelta},
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), index, "indexing continues past the cap")
		}

		events, err := s.GetRunEvents(ctx, "run-1", -1)
		require.NoError(t, err)
		require.Len(t, events, 3, "the durable tail stays bounded")
		for i, ev := range events {
			assert.Equal(t, int64(i), ev.Index)
		}
	})
}

func TestGetRunEventsSinceIndex(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			_, err := s.AppendRunEvent(ctx, "run-1", schema.ChainEvent{Event: schema.ChainEventChain})
			require.NoError(t, err)
		}
		_, err := s.AppendRunEvent(ctx, "run-2", schema.ChainEvent{Event: schema.ChainEventChain})
		require.NoError(t, err)

		events, err := s.GetRunEvents(ctx, "run-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Index)
		assert.Equal(t, int64(3), events[1].Index)
	})
}

// --- Experiments ---

func TestExperimentRecordLifecycle(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		rec := &ExperimentRecord{
			UUID:        "exp-1",
			WorkspaceID: 7,
			Config: schema.ExperimentConfig{
				ExperimentUUID: "exp-1",
				DocumentUUID:   "doc-1",
				Rows:           []schema.DatasetRow{{Index: 0}},
			},
		}
		require.NoError(t, s.CreateExperiment(ctx, rec))

		err := s.CreateExperiment(ctx, &ExperimentRecord{UUID: "exp-1"})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "got %v", err)

		got, err := s.GetExperiment(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, schema.ExperimentStatusPending, got.Status)
		assert.Equal(t, "doc-1", got.Config.DocumentUUID)
		require.Len(t, got.Config.Rows, 1)

		require.NoError(t, s.UpdateExperimentStatus(ctx, "exp-1", schema.ExperimentStatusRunning))
		got, err = s.GetExperiment(ctx, "exp-1")
		require.NoError(t, err)
		assert.Equal(t, schema.ExperimentStatusRunning, got.Status)

		_, err = s.GetExperiment(ctx, "missing")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
	})
}

func TestAppendExperimentEventMonotonicSequence(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			ev := &ExperimentEvent{
				ExperimentUUID: "exp-1",
				RowIndex:       i,
				Type:           schema.EventRowStarted,
			}
			require.NoError(t, s.AppendExperimentEvent(ctx, ev))
			assert.Equal(t, int64(i+1), ev.Sequence, "sequence should be monotonic")
			assert.False(t, ev.Timestamp.IsZero())
		}
	})
}

func TestExperimentScopedSequences(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendExperimentEvent(ctx, &ExperimentEvent{ExperimentUUID: "exp-1", Type: schema.EventExperimentStarted}))
		require.NoError(t, s.AppendExperimentEvent(ctx, &ExperimentEvent{ExperimentUUID: "exp-1", Type: schema.EventRowStarted}))

		ev := &ExperimentEvent{ExperimentUUID: "exp-2", Type: schema.EventExperimentStarted}
		require.NoError(t, s.AppendExperimentEvent(ctx, ev))
		assert.Equal(t, int64(1), ev.Sequence, "each experiment has its own sequence")
	})
}

func TestGetExperimentEventsSince(t *testing.T) {
	forEachStore(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, et := range []string{schema.EventExperimentStarted, schema.EventRowStarted, schema.EventRowCompleted} {
			require.NoError(t, s.AppendExperimentEvent(ctx, &ExperimentEvent{ExperimentUUID: "exp-1", Type: et}))
		}

		events, err := s.GetExperimentEvents(ctx, "exp-1", 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)

		events, err = s.GetExperimentEvents(ctx, "exp-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
	})
}
