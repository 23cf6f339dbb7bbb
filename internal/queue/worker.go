package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/internal/store"
)

// Invocation is what a handler sees: the claimed job plus the per-invocation
// children capability. Children is nil when the runtime supplied no
// suspension token.
type Invocation struct {
	Job      *store.Job
	Children *ChildrenContext
}

// HandlerFunc executes one job invocation. The returned value is persisted as
// the job's result; returning the SUSPENDED signal ends the invocation
// without consuming a retry attempt.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	// Queues to claim from; empty means all.
	Queues []string
	// Concurrency bounds simultaneous handler invocations.
	Concurrency int
	// PollInterval is the idle claim retry interval.
	PollInterval time.Duration
}

// Worker claims jobs from the store and runs registered handlers on a bounded
// pool. Suspension, retry with backoff, cancellation, and parent promotion
// are all handled here so handlers stay plain functions.
type Worker struct {
	queue  *Queue
	pool   *WorkerPool
	config WorkerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewWorker creates a worker over the queue gateway.
func NewWorker(q *Queue, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    q,
		pool:     NewWorkerPool(config.Concurrency),
		config:   config,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job name.
func (w *Worker) Register(name string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = handler
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Metrics returns the pool metrics snapshot.
func (w *Worker) Metrics() PoolMetrics {
	return w.pool.Metrics()
}

// Run claims and executes jobs until ctx is cancelled, then drains in-flight
// work before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		"queues", w.config.Queues, "concurrency", w.config.Concurrency)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.pool.Shutdown()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			token := uuid.NewString()
			job, err := w.queue.store.ClaimNextJob(ctx, w.config.Queues, token, time.Now().UTC())
			if err != nil {
				w.logger.ErrorContext(ctx, "claim failed", "error", err)
				break
			}
			if job == nil {
				break
			}
			if err := w.pool.Submit(ctx, func(ctx context.Context) error {
				return w.execute(ctx, job)
			}); err != nil {
				// Pool is shutting down; put the claim back so another
				// worker can pick the job up.
				queued := store.JobStateQueued
				if uErr := w.queue.store.UpdateJob(context.Background(), job.ID, store.JobUpdate{State: &queued}); uErr != nil {
					w.logger.Error("unclaim failed", "job_id", job.ID, "error", uErr)
				}
				w.logger.WarnContext(ctx, "submit rejected", "job_id", job.ID, "error", err)
				break
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *store.Job) (err error) {
	ctx = logging.WithJobID(ctx, job.ID)
	log := w.logger.With("job_id", job.ID, "name", job.Name, "attempt", job.Attempts)

	if job.CancelRequested {
		cancelErr := schema.NewError(schema.ErrCodeCancelled, "cancelled before execution").WithJob(job.ID)
		return w.finalizeFailure(ctx, job, cancelErr, log)
	}

	handler, ok := w.handler(job.Name)
	if !ok {
		missing := schema.NewErrorf(schema.ErrCodeUnprocessable, "no handler registered for %q", job.Name).WithJob(job.ID)
		return w.finalizeFailure(ctx, job, missing, log)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.queue.cancels.register(job.ID, cancel)
	defer w.queue.cancels.unregister(job.ID)

	inv := &Invocation{
		Job:      job,
		Children: NewChildrenContext(w.queue, job, job.Token),
	}

	result, handlerErr := w.invoke(runCtx, handler, inv)

	if schema.IsSuspension(handlerErr) {
		// The job is already in waiting_children; the next invocation sees
		// IsResume() true once the children settle.
		log.DebugContext(ctx, "job suspended on children")
		w.queue.publishJobEvent(job.ID, schema.EventJobProgress, map[string]any{"state": string(store.JobStateWaitingChildren)})
		return handlerErr
	}

	if handlerErr == nil {
		return w.finalizeSuccess(ctx, job, result, log)
	}

	if runCtx.Err() != nil || schema.HasCode(handlerErr, schema.ErrCodeCancelled) {
		cancelErr := schema.NewError(schema.ErrCodeCancelled, "cancelled during execution").WithJob(job.ID).WithCause(handlerErr)
		return w.finalizeFailure(ctx, job, cancelErr, log)
	}

	if IsRetryableError(handlerErr) && job.Attempts < job.MaxAttempts {
		delay := ComputeBackoff(job.Backoff, job.Delay, job.Attempts)
		availableAt := time.Now().UTC().Add(delay)
		queued := store.JobStateQueued
		if uErr := w.queue.store.UpdateJob(ctx, job.ID, store.JobUpdate{State: &queued, AvailableAt: &availableAt}); uErr != nil {
			log.ErrorContext(ctx, "requeue failed", "error", uErr)
			return uErr
		}
		log.WarnContext(ctx, "job retry scheduled", "delay", delay.String(), "error", handlerErr)
		return handlerErr
	}

	if IsRetryableError(handlerErr) && job.Attempts >= job.MaxAttempts {
		handlerErr = schema.NewErrorf(schema.ErrCodeMaxAttemptsExceeded,
			"failed after %d attempts", job.Attempts).WithJob(job.ID).WithCause(handlerErr)
	}
	return w.finalizeFailure(ctx, job, handlerErr, log)
}

// invoke runs the handler with panic containment so a panicking handler
// still moves its job to a terminal state.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, inv *Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handler panic: %v", r).
				WithJob(inv.Job.ID).WithCause(errHandlerPanic)
		}
	}()
	return handler(ctx, inv)
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *store.Job, result any, log *slog.Logger) error {
	completed := store.JobStateCompleted
	update := store.JobUpdate{State: &completed}
	if result != nil {
		update.Result = schema.MarshalPayload(result)
	}
	if err := w.queue.store.UpdateJob(ctx, job.ID, update); err != nil {
		log.ErrorContext(ctx, "complete failed", "error", err)
		return err
	}
	log.InfoContext(ctx, "job completed")
	w.queue.publishJobEvent(job.ID, schema.EventJobCompleted, map[string]any{"result": result})
	w.resolveAncestors(ctx, job.ParentID)
	return nil
}

func (w *Worker) finalizeFailure(ctx context.Context, job *store.Job, cause error, log *slog.Logger) error {
	failed := store.JobStateFailed
	runErr := asRunError(cause, job.ID)
	update := store.JobUpdate{State: &failed, Failure: schema.MarshalPayload(runErr)}
	if err := w.queue.store.UpdateJob(ctx, job.ID, update); err != nil {
		log.ErrorContext(ctx, "fail transition failed", "error", err)
		return err
	}
	log.ErrorContext(ctx, "job failed", "code", runErr.Code, "error", runErr.Message)
	w.queue.publishJobEvent(job.ID, schema.EventJobFailed, map[string]any{"error": runErr})
	w.resolveAncestors(ctx, job.ParentID)
	return cause
}

// resolveAncestors walks up the parent chain after a terminal transition.
// A promoted parent re-enters the claimable queue; a failed parent cascades
// its own failure further up.
func (w *Worker) resolveAncestors(ctx context.Context, parentID string) {
	for parentID != "" {
		resolution, err := w.queue.store.ResolveParent(ctx, parentID)
		if err != nil {
			if !schema.IsNotFound(err) {
				w.logger.ErrorContext(ctx, "parent resolution failed", "parent_id", parentID, "error", err)
			}
			return
		}
		switch resolution {
		case store.ParentPromoted:
			w.queue.publishJobEvent(parentID, schema.EventJobProgress, map[string]any{"state": string(store.JobStateQueued)})
			return
		case store.ParentFailed:
			w.queue.publishJobEvent(parentID, schema.EventJobFailed, map[string]any{
				"error": schema.NewError(schema.ErrCodeExecution, "child job failed").WithJob(parentID),
			})
			parent, gErr := w.queue.store.GetJob(ctx, parentID)
			if gErr != nil {
				return
			}
			parentID = parent.ParentID
		default:
			return
		}
	}
}

func asRunError(err error, jobID string) *schema.RunError {
	if err == nil {
		return nil
	}
	var re *schema.RunError
	if errors.As(err, &re) {
		return re
	}
	return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("%v", err)).WithJob(jobID)
}
