package experiment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/simulator"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// Validator checks an experiment config before admission.
type Validator interface {
	ValidateExperiment(config *schema.ExperimentConfig) error
}

// Service launches, resumes, cancels and queries experiment workflows. One
// workflow instance runs per experiment; the service keeps the live handles
// so progress queries and cancel signals reach mid-flight experiments.
type Service struct {
	store     store.Store
	hub       streaming.EventHub
	executor  schema.DocumentExecutor
	evaluator schema.EvaluationExecutor
	spans     SpanResolver
	forwarder *streaming.Forwarder
	simulator *simulator.Simulator
	validator Validator
	config    WorkflowConfig
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*Workflow
	wg      sync.WaitGroup
}

// NewService wires the experiment service.
func NewService(
	st store.Store,
	hub streaming.EventHub,
	executor schema.DocumentExecutor,
	evaluator schema.EvaluationExecutor,
	spans SpanResolver,
	forwarder *streaming.Forwarder,
	sim *simulator.Simulator,
	validator Validator,
	config WorkflowConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		hub:       hub,
		executor:  executor,
		evaluator: evaluator,
		spans:     spans,
		forwarder: forwarder,
		simulator: sim,
		validator: validator,
		config:    config,
		logger:    logger,
		running:   make(map[string]*Workflow),
	}
}

// Launch validates and persists a new experiment, then runs its workflow in
// the background. Launching the same experiment uuid twice is a conflict.
func (s *Service) Launch(ctx context.Context, config schema.ExperimentConfig) error {
	if s.validator != nil {
		if err := s.validator.ValidateExperiment(&config); err != nil {
			return err
		}
	}

	rec := &store.ExperimentRecord{
		UUID:        config.ExperimentUUID,
		WorkspaceID: config.WorkspaceID,
		Config:      config,
		Status:      schema.ExperimentStatusPending,
	}
	if err := s.store.CreateExperiment(ctx, rec); err != nil {
		return err
	}
	s.start(rec)
	return nil
}

// Resume restarts the workflow of an experiment whose process died
// mid-flight. The workflow replays its event log and reruns only the rows
// that never settled.
func (s *Service) Resume(ctx context.Context, experimentUUID string) error {
	rec, err := s.store.GetExperiment(ctx, experimentUUID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case schema.ExperimentStatusCompleted, schema.ExperimentStatusCancelled:
		return schema.NewErrorf(schema.ErrCodeUnprocessable, "experiment %s already finished", experimentUUID)
	}

	s.mu.Lock()
	_, alreadyRunning := s.running[experimentUUID]
	s.mu.Unlock()
	if alreadyRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "experiment %s is already running", experimentUUID)
	}

	s.start(rec)
	return nil
}

func (s *Service) start(rec *store.ExperimentRecord) {
	w := NewWorkflow(s.store, s.hub, s.executor, s.evaluator, s.spans,
		s.forwarder, s.simulator, rec, s.config, s.logger)

	s.mu.Lock()
	s.running[rec.UUID] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, rec.UUID)
			s.mu.Unlock()
		}()
		if err := w.Run(context.Background()); err != nil {
			s.logger.Error("experiment workflow failed", "experiment_uuid", rec.UUID, "error", err)
		}
	}()
}

// Cancel requests cooperative cancellation of a running experiment.
func (s *Service) Cancel(ctx context.Context, experimentUUID string) error {
	s.mu.Lock()
	w, ok := s.running[experimentUUID]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "experiment %s is not running", experimentUUID)
	}
	return w.Cancel(ctx)
}

// Progress returns the live snapshot of a running experiment, or rebuilds it
// from the durable event log for one that is not in this process.
func (s *Service) Progress(ctx context.Context, experimentUUID string) (*schema.ExperimentProgress, error) {
	s.mu.Lock()
	w, ok := s.running[experimentUUID]
	s.mu.Unlock()
	if ok {
		snapshot := w.Snapshot()
		return &snapshot, nil
	}

	rec, err := s.store.GetExperiment(ctx, experimentUUID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.GetExperimentEvents(ctx, experimentUUID, 0)
	if err != nil {
		return nil, err
	}
	return Replay(&rec.Config, events), nil
}

// Shutdown waits for all running workflows to settle.
func (s *Service) Shutdown() {
	s.wg.Wait()
}
