package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/queue"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// DefaultStopWait bounds how long Stop blocks for a cancelled job to settle.
const DefaultStopWait = 10 * time.Second

// Controller implements operator-facing stop and attach on top of the
// registry and the job queue.
type Controller struct {
	registry *Registry
	queue    *queue.Queue
	store    store.Store
	hub      streaming.EventHub
	stopWait time.Duration
	logger   *slog.Logger
}

// NewController creates a run controller. stopWait <= 0 selects the default.
func NewController(reg *Registry, q *queue.Queue, st store.Store, hub streaming.EventHub, stopWait time.Duration, logger *slog.Logger) *Controller {
	if stopWait <= 0 {
		stopWait = DefaultStopWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry: reg,
		queue:    q,
		store:    st,
		hub:      hub,
		stopWait: stopWait,
		logger:   logger,
	}
}

// Stop cancels a live run. The wait for the job to settle is bounded by the
// configured stop wait: a stuck job must not hang the caller indefinitely.
func (c *Controller) Stop(ctx context.Context, run *schema.ActiveRun, ref schema.RunRef) error {
	if _, err := c.registry.Get(ctx, ref); err != nil {
		if schema.IsNotFound(err) {
			return schema.NewErrorf(schema.ErrCodeUnprocessable, "run %s already ended", ref.RunUUID)
		}
		return err
	}

	job, err := c.queue.GetJob(ctx, run.JobID)
	if err != nil {
		if schema.IsNotFound(err) {
			// Nothing left to cancel; clear the registry entry directly.
			if _, endErr := c.registry.End(ctx, ref, nil, ""); endErr != nil && !schema.IsNotFound(endErr) {
				return endErr
			}
			return nil
		}
		return err
	}

	if job.State.IsTerminal() {
		// Settled already: no cancellation flag, no waiting. The run entry
		// may still linger if the ending cleanup raced; clear it.
		if _, endErr := c.registry.End(ctx, ref, nil, ""); endErr != nil && !schema.IsNotFound(endErr) {
			return endErr
		}
		return nil
	}

	// Subscribe before flagging so the terminal event cannot slip past.
	events, unsubscribe, err := c.queue.Subscribe(ctx, job.ID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	if err := c.queue.Cancel(ctx, job.ID); err != nil {
		return err
	}

	c.waitForTerminal(ctx, events)

	if err := c.queue.Remove(ctx, job.ID); err != nil {
		c.logger.DebugContext(ctx, "post-stop remove skipped", "job_id", job.ID, "error", err)
	}
	return nil
}

func (c *Controller) waitForTerminal(ctx context.Context, events <-chan streaming.StreamEvent) {
	timer := time.NewTimer(c.stopWait)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.EventType {
			case schema.EventJobCompleted, schema.EventJobFailed, schema.EventJobRemoved:
				return
			}
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Attach connects a caller to a run's event stream and final outcome. A
// finished run resolves synchronously from the stored result without opening
// a subscription. Cancelling ctx detaches the listener and requests a stop
// of the run, each exactly once.
func (c *Controller) Attach(ctx context.Context, run *schema.ActiveRun, ref schema.RunRef, onEvent func(schema.ChainEvent)) (*schema.DocumentOutcome, error) {
	if _, err := c.registry.Get(ctx, ref); err != nil {
		if !schema.IsNotFound(err) {
			return nil, err
		}
		return c.storedOutcome(ctx, run.JobID)
	}

	events, unsubscribe, err := c.hub.Subscribe(ctx, streaming.EventFilter{
		RunUUID:    ref.RunUUID,
		EventTypes: []string{schema.EventRunStream, schema.EventRunEnded},
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	// Replay the durable log first; live events already received by the
	// subscription are deduplicated by index.
	lastIndex := int64(-1)
	stored, err := c.store.GetRunEvents(ctx, ref.RunUUID, -1)
	if err != nil {
		return nil, err
	}
	for _, ev := range stored {
		onEvent(ev.Event)
		lastIndex = ev.Index
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return c.storedOutcome(ctx, run.JobID)
			}
			switch ev.EventType {
			case schema.EventRunStream:
				if ev.Index <= lastIndex {
					continue
				}
				chainEv, ok := ev.Payload.(schema.ChainEvent)
				if !ok {
					continue
				}
				onEvent(chainEv)
				lastIndex = ev.Index
			case schema.EventRunEnded:
				return c.storedOutcome(ctx, run.JobID)
			}
		case <-ctx.Done():
			// Detach and request a stop of the run; both happen once.
			stopCtx, cancel := context.WithTimeout(context.Background(), c.stopWait)
			defer cancel()
			if stopErr := c.Stop(stopCtx, run, ref); stopErr != nil && !schema.HasCode(stopErr, schema.ErrCodeUnprocessable) {
				c.logger.WarnContext(stopCtx, "stop on detach failed", "run_uuid", ref.RunUUID, "error", stopErr)
			}
			return nil, schema.NewError(schema.ErrCodeCancelled, "attach aborted").WithCause(ctx.Err())
		}
	}
}

// storedOutcome reads a finished run's terminal outcome from its job record.
func (c *Controller) storedOutcome(ctx context.Context, jobID string) (*schema.DocumentOutcome, error) {
	job, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if failure := job.FailureError(); failure != nil {
		return &schema.DocumentOutcome{Error: failure}, nil
	}
	outcome := &schema.DocumentOutcome{}
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, outcome); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "corrupt stored run outcome").WithJob(jobID).WithCause(err)
		}
	}
	return outcome, nil
}
