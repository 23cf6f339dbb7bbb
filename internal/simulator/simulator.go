package simulator

import (
	"context"
	"log/slog"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/streaming"
)

// MaxSimulationTurns is the hard cap on simulated conversation length,
// regardless of what the settings request.
const MaxSimulationTurns = 10

// ShouldRun reports whether simulation settings call for extra turns.
func ShouldRun(settings *schema.SimulationSettings) bool {
	return settings != nil && settings.MaxTurns > 1
}

// Result is the output of a completed simulation.
type Result struct {
	Messages []schema.Message
	Metrics  schema.RunMetrics
	Turns    int
}

// Simulator drives a multi-turn conversation: each iteration asks the user
// policy for the next action, feeds a response back through the document
// executor, forwards the turn's event stream, and aggregates metrics.
type Simulator struct {
	executor  schema.DocumentExecutor
	forwarder *streaming.Forwarder
	logger    *slog.Logger
}

// NewSimulator creates a simulator over the given executor and forwarder.
func NewSimulator(executor schema.DocumentExecutor, forwarder *streaming.Forwarder, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{executor: executor, forwarder: forwarder, logger: logger}
}

// Simulate extends an existing conversation. Turn 1 is the initial exchange
// that already happened; iteration starts at turn 2 and stops at the turn
// cap, an "end" decision, or ctx cancellation. Any policy or executor
// failure aborts the whole simulation: the error result carries no partial
// metrics.
func (s *Simulator) Simulate(
	ctx context.Context,
	ref schema.RunRef,
	req schema.DocumentRequest,
	history []schema.Message,
	settings schema.SimulationSettings,
	policy UserPolicy,
) (*Result, error) {
	maxTurns := settings.MaxTurns
	if maxTurns > MaxSimulationTurns {
		maxTurns = MaxSimulationTurns
	}

	result := &Result{Messages: history, Turns: 1}
	for turn := 2; turn <= maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "simulation aborted").WithCause(err)
		}

		action, err := policy.NextAction(ctx, turn, result.Messages)
		if err != nil {
			return nil, err
		}
		if action.Action != ActionRespond {
			break
		}

		result.Messages = append(result.Messages, schema.Message{Role: "user", Content: action.Message})

		turnReq := req
		turnReq.Messages = result.Messages
		run, err := s.executor.Run(ctx, turnReq)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "simulated turn %d failed", turn).WithCause(err)
		}

		if s.forwarder != nil {
			if err := s.forwarder.Forward(ctx, ref, run.Events, nil); err != nil {
				return nil, err
			}
		} else {
			for range run.Events {
			}
		}

		outcome := <-run.Done
		if outcome.Error != nil {
			return nil, outcome.Error
		}

		result.Metrics.Merge(outcome.Metrics)
		if len(outcome.Messages) > 0 {
			result.Messages = outcome.Messages
		}
		result.Turns = turn
		s.logger.DebugContext(ctx, "simulated turn completed", "run_uuid", ref.RunUUID, "turn", turn)
	}

	return result, nil
}
