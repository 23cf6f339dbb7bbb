package experiment

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/internal/queue"
	"github.com/rendis/chainrun/internal/simulator"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// SpanResolver looks up the trace span a document run produced. External
// collaborator: spans materialize asynchronously in the tracing system, so
// the workflow polls with bounded attempts.
type SpanResolver interface {
	Lookup(ctx context.Context, conversationUUID string) (*schema.Span, error)
}

// WorkflowConfig tunes one experiment execution.
type WorkflowConfig struct {
	// RowConcurrency bounds simultaneous row branches.
	RowConcurrency int
	// SpanPollAttempts bounds the wait for a row's span to materialize.
	SpanPollAttempts int
	// SpanPollDelay is the fixed delay between span polls.
	SpanPollDelay time.Duration
}

func (c *WorkflowConfig) defaults() {
	if c.RowConcurrency <= 0 {
		c.RowConcurrency = 8
	}
	if c.SpanPollAttempts <= 0 {
		c.SpanPollAttempts = 10
	}
	if c.SpanPollDelay <= 0 {
		c.SpanPollDelay = 2 * time.Second
	}
}

// Workflow runs one experiment durably. Every state transition is appended
// to the experiment event log before the in-memory progress moves, so a
// restarted process replays the log and resumes with only the unsettled rows.
type Workflow struct {
	store     store.Store
	hub       streaming.EventHub
	executor  schema.DocumentExecutor
	evaluator schema.EvaluationExecutor
	spans     SpanResolver
	forwarder *streaming.Forwarder
	simulator *simulator.Simulator
	logger    *slog.Logger
	config    WorkflowConfig

	record *store.ExperimentRecord

	mu        sync.Mutex
	progress  *schema.ExperimentProgress
	cancelled atomic.Bool
}

// NewWorkflow builds a workflow instance for one experiment record.
func NewWorkflow(
	st store.Store,
	hub streaming.EventHub,
	executor schema.DocumentExecutor,
	evaluator schema.EvaluationExecutor,
	spans SpanResolver,
	forwarder *streaming.Forwarder,
	sim *simulator.Simulator,
	record *store.ExperimentRecord,
	config WorkflowConfig,
	logger *slog.Logger,
) *Workflow {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:     st,
		hub:       hub,
		executor:  executor,
		evaluator: evaluator,
		spans:     spans,
		forwarder: forwarder,
		simulator: sim,
		logger:    logger,
		config:    config,
		record:    record,
		progress:  NewProgress(&record.Config),
	}
}

// Snapshot returns a copy of the live progress, queryable mid-flight.
func (w *Workflow) Snapshot() schema.ExperimentProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot := *w.progress
	snapshot.RowResults = make([]schema.RowResult, len(w.progress.RowResults))
	copy(snapshot.RowResults, w.progress.RowResults)
	return snapshot
}

// Cancel requests cooperative cancellation: in-flight rows finish, new row,
// turn and evaluation starts are skipped.
func (w *Workflow) Cancel(ctx context.Context) error {
	w.cancelled.Store(true)
	return w.checkpoint(ctx, schema.EventExperimentCancelRequested, -1, nil)
}

// Run executes the experiment to completion. On a fresh experiment it starts
// from zero; when the event log already holds history it replays it first and
// reruns only the rows that never settled, so a crashed process picks up
// where it left off.
func (w *Workflow) Run(ctx context.Context) error {
	ctx = logging.WithExperimentID(ctx, w.record.UUID)

	history, err := w.store.GetExperimentEvents(ctx, w.record.UUID, 0)
	if err != nil {
		return err
	}

	if len(history) == 0 {
		if err := w.checkpoint(ctx, schema.EventExperimentStarted, -1, nil); err != nil {
			return err
		}
	} else {
		w.mu.Lock()
		w.progress = Replay(&w.record.Config, history)
		if w.progress.Status == schema.ExperimentStatusCancelled {
			w.cancelled.Store(true)
		}
		done := w.progress.Status == schema.ExperimentStatusCompleted
		w.mu.Unlock()
		if done {
			return nil
		}
		w.logger.InfoContext(ctx, "experiment resumed from history",
			"experiment_uuid", w.record.UUID, "events", len(history))
	}

	if err := w.store.UpdateExperimentStatus(ctx, w.record.UUID, schema.ExperimentStatusRunning); err != nil {
		return err
	}
	w.broadcastProgress(ctx)

	pool := queue.NewWorkerPool(w.config.RowConcurrency)
	for _, row := range w.record.Config.Rows {
		if w.rowSettled(row.Index) {
			continue
		}
		if w.cancelled.Load() {
			break
		}
		row := row
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			w.runRow(ctx, row)
			return nil
		}); err != nil {
			break
		}
	}
	pool.Wait()
	pool.Shutdown()

	finalStatus := schema.ExperimentStatusCompleted
	if w.cancelled.Load() {
		finalStatus = schema.ExperimentStatusCancelled
	}
	if err := w.store.UpdateExperimentStatus(ctx, w.record.UUID, finalStatus); err != nil {
		w.logger.ErrorContext(ctx, "experiment status update failed", "error", err)
	}
	if err := w.checkpoint(ctx, schema.EventExperimentCompleted, -1, nil); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "experiment finished", "status", string(finalStatus))
	return nil
}

func (w *Workflow) rowSettled(index int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	row := rowAt(w.progress, index)
	return row != nil && row.Status.IsTerminal()
}

// runRow executes one row branch: document run, optional simulation, span
// lookup, evaluation fan-out. Row failures are isolated; they never abort
// sibling rows.
func (w *Workflow) runRow(ctx context.Context, row schema.DatasetRow) {
	config := &w.record.Config
	evalSlots := len(config.Evaluations)

	if err := w.checkpoint(ctx, schema.EventRowStarted, row.Index, nil); err != nil {
		w.logger.ErrorContext(ctx, "row checkpoint failed", "row", row.Index, "error", err)
		return
	}

	outcome, conversationUUID, err := w.runRowDocument(ctx, row)
	if err != nil || conversationUUID == "" {
		reason := "document run produced no conversation"
		if err != nil {
			reason = err.Error()
		}
		w.failRow(ctx, row.Index, reason, 1+evalSlots)
		return
	}
	_ = w.checkpoint(ctx, schema.EventRowDocumentCompleted, row.Index,
		&rowEventPayload{ConversationUUID: conversationUUID})

	if simulator.ShouldRun(config.Simulation) && w.simulator != nil && !w.cancelled.Load() {
		turns, simErr := w.runRowSimulation(ctx, row, config, outcome.Messages, conversationUUID)
		if simErr != nil {
			// A simulated turn is a document execution too: the failed turn
			// charges its own slot on top of the evaluations that never ran.
			w.failRow(ctx, row.Index, simErr.Error(), 1+evalSlots)
			return
		}
		_ = w.checkpoint(ctx, schema.EventRowTurnCompleted, row.Index, &rowEventPayload{Turn: turns})
	}

	span, err := w.resolveSpan(ctx, conversationUUID)
	if err != nil {
		w.failRow(ctx, row.Index, err.Error(), evalSlots)
		return
	}
	_ = w.checkpoint(ctx, schema.EventRowSpanResolved, row.Index, nil)

	w.runRowEvaluations(ctx, row.Index, config, *span)

	if err := w.checkpoint(ctx, schema.EventRowCompleted, row.Index, nil); err != nil {
		w.logger.ErrorContext(ctx, "row completion checkpoint failed", "row", row.Index, "error", err)
	}
}

func (w *Workflow) runRowDocument(ctx context.Context, row schema.DatasetRow) (*schema.DocumentOutcome, string, error) {
	config := &w.record.Config
	req := schema.DocumentRequest{
		WorkspaceID:  config.WorkspaceID,
		ProjectID:    config.ProjectID,
		DocumentUUID: config.DocumentUUID,
		CommitUUID:   config.CommitUUID,
		Parameters:   row.Parameters,
	}

	run, err := w.executor.Run(ctx, req)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeExecution, "document execution failed").WithCause(err)
	}

	ref := schema.RunRef{
		WorkspaceID:  config.WorkspaceID,
		ProjectID:    config.ProjectID,
		DocumentUUID: config.DocumentUUID,
		RunUUID:      run.UUID,
	}
	if ref.RunUUID == "" {
		ref.RunUUID = uuid.NewString()
	}
	if w.forwarder != nil {
		if err := w.forwarder.Forward(ctx, ref, run.Events, nil); err != nil {
			return nil, "", err
		}
	} else {
		for range run.Events {
		}
	}

	outcome := <-run.Done
	if outcome.Error != nil {
		return nil, "", outcome.Error
	}
	return &outcome, run.UUID, nil
}

func (w *Workflow) runRowSimulation(
	ctx context.Context,
	row schema.DatasetRow,
	config *schema.ExperimentConfig,
	history []schema.Message,
	conversationUUID string,
) (int, error) {
	policy, err := simulator.CompilePolicy(config.Simulation.Policy)
	if err != nil {
		return 0, err
	}

	req := schema.DocumentRequest{
		WorkspaceID:  config.WorkspaceID,
		ProjectID:    config.ProjectID,
		DocumentUUID: config.DocumentUUID,
		CommitUUID:   config.CommitUUID,
		Parameters:   row.Parameters,
	}
	ref := schema.RunRef{
		WorkspaceID:  config.WorkspaceID,
		ProjectID:    config.ProjectID,
		DocumentUUID: config.DocumentUUID,
		RunUUID:      conversationUUID,
	}

	// The cancellation gate wraps the policy so a cancel between turns stops
	// new turns while the in-flight one finishes.
	gated := &cancelGatedPolicy{inner: policy, cancelled: &w.cancelled}
	result, err := w.simulator.Simulate(ctx, ref, req, history, *config.Simulation, gated)
	if err != nil {
		return 0, err
	}
	return result.Turns, nil
}

func (w *Workflow) resolveSpan(ctx context.Context, conversationUUID string) (*schema.Span, error) {
	for attempt := 1; attempt <= w.config.SpanPollAttempts; attempt++ {
		span, err := w.spans.Lookup(ctx, conversationUUID)
		if err == nil && span != nil {
			return span, nil
		}
		if err != nil && !schema.IsNotFound(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "span poll aborted").WithCause(ctx.Err())
		case <-time.After(w.config.SpanPollDelay):
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeTimeout,
		"span for conversation %s never materialized", conversationUUID)
}

// runRowEvaluations fans evaluations out concurrently. The cancel flag is
// consulted before each dispatch; results arrive in any order and each one
// is checkpointed as it lands.
func (w *Workflow) runRowEvaluations(ctx context.Context, rowIndex int, config *schema.ExperimentConfig, span schema.Span) {
	var wg sync.WaitGroup
	for _, eval := range config.Evaluations {
		if w.cancelled.Load() {
			break
		}
		wg.Add(1)
		go func(eval schema.Evaluation) {
			defer wg.Done()
			result := w.evaluator.Run(ctx, eval, span, w.record.UUID)
			if err := w.checkpoint(ctx, schema.EventRowEvaluationCompleted, rowIndex,
				&rowEventPayload{Result: &result}); err != nil {
				w.logger.ErrorContext(ctx, "evaluation checkpoint failed",
					"row", rowIndex, "evaluation", eval.UUID, "error", err)
			}
		}(eval)
	}
	wg.Wait()
}

func (w *Workflow) failRow(ctx context.Context, rowIndex int, reason string, errorSlots int) {
	if err := w.checkpoint(ctx, schema.EventRowFailed, rowIndex,
		&rowEventPayload{Reason: reason, ErrorSlots: errorSlots}); err != nil {
		w.logger.ErrorContext(ctx, "row failure checkpoint failed", "row", rowIndex, "error", err)
	}
}

// checkpoint appends a durable event, folds it into the live progress, and
// broadcasts the updated counters. The append happens first: an event that
// never reached the log never happened.
func (w *Workflow) checkpoint(ctx context.Context, eventType string, rowIndex int, payload *rowEventPayload) error {
	ev := &store.ExperimentEvent{
		ExperimentUUID: w.record.UUID,
		RowIndex:       rowIndex,
		Type:           eventType,
	}
	if payload != nil {
		ev.Payload = schema.MarshalPayload(payload)
	}
	if err := w.store.AppendExperimentEvent(ctx, ev); err != nil {
		return schema.NewError(schema.ErrCodeStore, "experiment checkpoint failed").WithCause(err)
	}

	w.mu.Lock()
	ApplyEvent(w.progress, ev)
	w.mu.Unlock()

	w.publish(ctx, eventType, ev)
	w.broadcastProgress(ctx)
	return nil
}

func (w *Workflow) publish(ctx context.Context, eventType string, payload any) {
	if w.hub == nil {
		return
	}
	_ = w.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		ExperimentUUID: w.record.UUID,
		EventType:      eventType,
		Payload:        payload,
	})
}

func (w *Workflow) broadcastProgress(ctx context.Context) {
	snapshot := w.Snapshot()
	w.publish(ctx, schema.EventProgressUpdated, snapshot.Summary(w.record.WorkspaceID, time.Now().UTC()))
}

// cancelGatedPolicy ends the conversation once cancellation is requested.
type cancelGatedPolicy struct {
	inner     simulator.UserPolicy
	cancelled *atomic.Bool
}

func (p *cancelGatedPolicy) NextAction(ctx context.Context, turn int, history []schema.Message) (simulator.UserAction, error) {
	if p.cancelled.Load() {
		return simulator.UserAction{Action: simulator.ActionEnd}, nil
	}
	return p.inner.NextAction(ctx, turn, history)
}
