package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// EnqueueResult identifies an admitted flow.
type EnqueueResult struct {
	FlowID    string `json:"flow_id"`
	RootJobID string `json:"root_job_id"`
	JobCount  int    `json:"job_count"`
}

// Queue is the job queue gateway. It admits flows atomically, exposes
// cancellation and removal, and publishes job lifecycle events on the hub.
type Queue struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger

	cancels *cancelRegistry
}

// NewQueue creates a queue gateway over the given store and hub.
func NewQueue(st store.Store, hub streaming.EventHub, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   st,
		hub:     hub,
		logger:  logger,
		cancels: newCancelRegistry(),
	}
}

// EnqueueFlow admits all jobs of the flow in one transaction. Leaves are
// queued immediately; ancestor nodes wait for their subtree. A duplicate
// deterministic job id rejects the whole flow, which makes re-enqueueing a
// flow under retries an at-most-once operation.
func (q *Queue) EnqueueFlow(ctx context.Context, flow *schema.Flow) (*EnqueueResult, error) {
	if flow == nil || flow.Root == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no root")
	}
	jobs := flattenFlow(flow)
	if err := q.store.CreateJobs(ctx, jobs); err != nil {
		return nil, err
	}
	q.logger.InfoContext(ctx, "flow enqueued", "flow_id", flow.ID, "jobs", len(jobs))
	return &EnqueueResult{FlowID: flow.ID, RootJobID: flow.Root.ID, JobCount: len(jobs)}, nil
}

// EnqueueFlows admits each flow atomically and independently: one rejected
// flow does not roll back its siblings. Results are positional; a nil entry
// pairs with a non-nil error in the errors slice.
func (q *Queue) EnqueueFlows(ctx context.Context, flows []*schema.Flow) ([]*EnqueueResult, []error) {
	results := make([]*EnqueueResult, len(flows))
	errs := make([]error, len(flows))
	for i, flow := range flows {
		results[i], errs[i] = q.EnqueueFlow(ctx, flow)
	}
	return results, errs
}

// Enqueue admits a single standalone job.
func (q *Queue) Enqueue(ctx context.Context, job *store.Job) error {
	return q.store.CreateJob(ctx, job)
}

// GetJob returns the persisted job.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation of a job. The persisted flag
// covers jobs picked up later or on other workers; the in-process context
// cancel reaches a handler running right now.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	q.cancels.cancel(jobID)
	q.logger.InfoContext(ctx, "job cancellation requested", "job_id", jobID)
	return nil
}

// Remove removes a job that is not currently executing.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if err := q.store.RemoveJob(ctx, jobID); err != nil {
		return err
	}
	q.publishJobEvent(jobID, schema.EventJobRemoved, nil)
	return nil
}

// Subscribe opens a hub subscription scoped to one job's lifecycle events.
func (q *Queue) Subscribe(ctx context.Context, jobID string) (<-chan streaming.StreamEvent, func(), error) {
	return q.hub.Subscribe(ctx, streaming.EventFilter{JobID: jobID})
}

// publishJobEvent is best-effort. Terminal events must go out even when the
// job's own context is already cancelled, hence the background context.
func (q *Queue) publishJobEvent(jobID, eventType string, payload any) {
	if q.hub == nil {
		return
	}
	_ = q.hub.Publish(context.Background(), streaming.StreamEvent{
		JobID:     jobID,
		EventType: eventType,
		Payload:   payload,
	})
}

// cancelRegistry tracks context cancel funcs of in-process handler
// invocations so Cancel can reach running work immediately.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

func (r *cancelRegistry) unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

func (r *cancelRegistry) cancel(jobID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// waitUntil is a small helper for bounded polling waits.
func waitUntil(ctx context.Context, interval time.Duration, cond func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
