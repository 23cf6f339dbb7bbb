package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/internal/queue"
	"github.com/rendis/chainrun/internal/registry"
	"github.com/rendis/chainrun/internal/simulator"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// Queue and handler names for background document runs.
const (
	QueueRuns        = "runs"
	JobBackgroundRun = "background_run"
)

// RunPayload is the persisted payload of a background run job.
type RunPayload struct {
	Ref            schema.RunRef              `json:"ref"`
	Request        schema.DocumentRequest     `json:"request"`
	Simulation     *schema.SimulationSettings `json:"simulation,omitempty"`
	ExperimentUUID string                     `json:"experiment_uuid,omitempty"`
	MaxAttempts    int                        `json:"-"`
}

// Runner executes background document runs: it registers the run, drives the
// document executor, forwards the event stream, optionally runs the
// multi-turn simulation, and always ends the registry entry when the run
// settles.
type Runner struct {
	executor  schema.DocumentExecutor
	registry  *registry.Registry
	forwarder *streaming.Forwarder
	simulator *simulator.Simulator
	queue     *queue.Queue
	logger    *slog.Logger
}

// NewRunner wires a runner over its collaborators.
func NewRunner(
	executor schema.DocumentExecutor,
	reg *registry.Registry,
	forwarder *streaming.Forwarder,
	sim *simulator.Simulator,
	q *queue.Queue,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		executor:  executor,
		registry:  reg,
		forwarder: forwarder,
		simulator: sim,
		queue:     q,
		logger:    logger,
	}
}

// Enqueue registers the run and admits its job. The job id is the run UUID,
// so a stale ActiveRun snapshot still locates the job after the registry
// entry is gone.
func (r *Runner) Enqueue(ctx context.Context, payload RunPayload) error {
	now := time.Now().UTC()
	run := &schema.ActiveRun{
		UUID:         payload.Ref.RunUUID,
		DocumentUUID: payload.Ref.DocumentUUID,
		CommitUUID:   payload.Request.CommitUUID,
		JobID:        payload.Ref.RunUUID,
		QueuedAt:     now,
	}
	if err := r.registry.Create(ctx, payload.Ref, run); err != nil {
		return err
	}

	job := &store.Job{
		ID:          payload.Ref.RunUUID,
		Queue:       QueueRuns,
		Name:        JobBackgroundRun,
		Payload:     encodePayload(payload),
		MaxAttempts: payload.MaxAttempts,
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		// Roll the registry entry back so the run does not look alive.
		if _, endErr := r.registry.End(ctx, payload.Ref, nil, ""); endErr != nil && !schema.IsNotFound(endErr) {
			r.logger.WarnContext(ctx, "registry rollback failed", "run_uuid", payload.Ref.RunUUID, "error", endErr)
		}
		return err
	}
	return nil
}

// Handler returns the queue handler executing one background run invocation.
func (r *Runner) Handler() queue.HandlerFunc {
	return func(ctx context.Context, inv *queue.Invocation) (any, error) {
		payload, err := decodePayload(inv.Job.Payload)
		if err != nil {
			return nil, err
		}
		ctx = logging.WithRunID(ctx, payload.Ref.RunUUID)

		outcome, runErr := r.executeRun(ctx, payload)

		finalAttempt := inv.Job.Attempts >= inv.Job.MaxAttempts
		if runErr != nil && !finalAttempt && queue.IsRetryableError(runErr) {
			// The registry entry stays alive across retries; only a terminal
			// outcome ends the run.
			return nil, runErr
		}

		r.endRun(ctx, payload, outcome)
		if runErr != nil {
			return nil, runErr
		}
		return outcome, nil
	}
}

func (r *Runner) executeRun(ctx context.Context, payload *RunPayload) (*schema.DocumentOutcome, error) {
	ref := payload.Ref

	if err := r.registry.Start(ctx, ref, time.Now().UTC()); err != nil {
		if schema.IsNotFound(err) {
			// Stopped before the worker picked it up.
			return nil, schema.NewError(schema.ErrCodeCancelled, "run ended before start").WithJob(ref.RunUUID)
		}
		r.logger.WarnContext(ctx, "run start stamp failed", "run_uuid", ref.RunUUID, "error", err)
	}

	run, err := r.executor.Run(ctx, payload.Request)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "document execution failed").WithCause(err)
	}

	if err := r.forwarder.Forward(ctx, ref, run.Events, nil); err != nil {
		return nil, err
	}

	outcome := <-run.Done
	if outcome.Error != nil {
		return nil, outcome.Error
	}

	total := &schema.DocumentOutcome{Messages: outcome.Messages, Metrics: outcome.Metrics}

	if simulator.ShouldRun(payload.Simulation) && r.simulator != nil {
		policy, err := simulator.CompilePolicy(payload.Simulation.Policy)
		if err != nil {
			return nil, err
		}
		simResult, err := r.simulator.Simulate(ctx, ref, payload.Request, outcome.Messages, *payload.Simulation, policy)
		if err != nil {
			return nil, err
		}
		total.Messages = simResult.Messages
		total.Metrics.Merge(simResult.Metrics)
	}

	return total, nil
}

// endRun performs the terminal cleanup. Cleanup failures are captured and
// logged, never raised: the run's outcome must not be masked by them, and
// concurrent operator stops may have ended the run already.
func (r *Runner) endRun(ctx context.Context, payload *RunPayload, outcome *schema.DocumentOutcome) {
	var metrics *schema.RunMetrics
	if outcome != nil {
		metrics = &outcome.Metrics
	}
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.registry.End(endCtx, payload.Ref, metrics, payload.ExperimentUUID); err != nil && !schema.IsNotFound(err) {
		r.logger.ErrorContext(endCtx, "run end cleanup failed", "run_uuid", payload.Ref.RunUUID, "error", err)
	}
}

func encodePayload(payload RunPayload) map[string]any {
	raw := schema.MarshalPayload(payload)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func decodePayload(m map[string]any) (*RunPayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid run payload").WithCause(err)
	}
	payload := &RunPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid run payload").WithCause(err)
	}
	if payload.Ref.RunUUID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run payload missing run uuid")
	}
	return payload, nil
}
