package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedExecutor answers each run with a canned outcome.
type scriptedExecutor struct {
	calls    int32
	outcomes []schema.DocumentOutcome
	err      error
}

func (e *scriptedExecutor) Run(ctx context.Context, req schema.DocumentRequest) (*schema.DocumentRun, error) {
	if e.err != nil {
		return nil, e.err
	}
	n := int(atomic.AddInt32(&e.calls, 1)) - 1
	outcome := schema.DocumentOutcome{}
	if n < len(e.outcomes) {
		outcome = e.outcomes[n]
	}
	events := make(chan schema.ChainEvent)
	close(events)
	done := make(chan schema.DocumentOutcome, 1)
	done <- outcome
	return &schema.DocumentRun{UUID: "conv-1", Events: events, Done: done}, nil
}

// countingPolicy responds a fixed number of times, then ends.
type countingPolicy struct {
	calls    int32
	respond  int
	failTurn int
}

func (p *countingPolicy) NextAction(_ context.Context, turn int, _ []schema.Message) (UserAction, error) {
	n := int(atomic.AddInt32(&p.calls, 1))
	if p.failTurn > 0 && turn >= p.failTurn {
		return UserAction{}, errors.New("policy broke")
	}
	if n > p.respond {
		return UserAction{Action: ActionEnd}, nil
	}
	return UserAction{Action: ActionRespond, Message: "go on"}, nil
}

func turnOutcome(tokens int64) schema.DocumentOutcome {
	return schema.DocumentOutcome{
		Messages: []schema.Message{{Role: "assistant", Content: "reply"}},
		Metrics:  schema.RunMetrics{Usage: schema.Usage{TotalTokens: tokens}},
	}
}

func TestShouldRun(t *testing.T) {
	assert.False(t, ShouldRun(nil))
	assert.False(t, ShouldRun(&schema.SimulationSettings{MaxTurns: 1}))
	assert.True(t, ShouldRun(&schema.SimulationSettings{MaxTurns: 2}))
}

func TestSimulateSingleTurnNeverConsultsPolicy(t *testing.T) {
	exec := &scriptedExecutor{}
	policy := &countingPolicy{respond: 100}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 1}, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Turns)
	assert.Zero(t, atomic.LoadInt32(&policy.calls))
	assert.Zero(t, atomic.LoadInt32(&exec.calls))
}

func TestSimulateRunsUpToTurnCap(t *testing.T) {
	exec := &scriptedExecutor{outcomes: []schema.DocumentOutcome{
		turnOutcome(10), turnOutcome(20), turnOutcome(30),
	}}
	policy := &countingPolicy{respond: 100}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 4}, policy)
	require.NoError(t, err)

	// Turn 1 already happened; turns 2 through 4 are simulated.
	assert.Equal(t, 4, result.Turns)
	assert.Equal(t, int32(3), atomic.LoadInt32(&policy.calls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&exec.calls))
	assert.Equal(t, int64(60), result.Metrics.Usage.TotalTokens, "turn metrics accumulate")
}

func TestSimulateHonorsHardCap(t *testing.T) {
	exec := &scriptedExecutor{}
	policy := &countingPolicy{respond: 100}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 50}, policy)
	require.NoError(t, err)
	assert.Equal(t, MaxSimulationTurns, result.Turns)
	assert.Equal(t, int32(MaxSimulationTurns-1), atomic.LoadInt32(&policy.calls))
}

func TestSimulateStopsOnEndDecision(t *testing.T) {
	exec := &scriptedExecutor{outcomes: []schema.DocumentOutcome{turnOutcome(10)}}
	policy := &countingPolicy{respond: 1}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 8}, policy)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Turns)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exec.calls))
}

func TestSimulatePolicyErrorDiscardsPartialMetrics(t *testing.T) {
	exec := &scriptedExecutor{outcomes: []schema.DocumentOutcome{turnOutcome(10), turnOutcome(20)}}
	policy := &countingPolicy{respond: 100, failTurn: 4}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 8}, policy)
	require.Error(t, err)
	assert.Nil(t, result, "an aborted simulation reports no partial result")
}

func TestSimulateTurnFailureAborts(t *testing.T) {
	exec := &scriptedExecutor{outcomes: []schema.DocumentOutcome{
		{Error: schema.NewError(schema.ErrCodeExecution, "provider down")},
	}}
	policy := &countingPolicy{respond: 100}
	sim := NewSimulator(exec, nil, testLogger())

	result, err := sim.Simulate(context.Background(), schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 8}, policy)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Nil(t, result)
}

func TestSimulateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sim := NewSimulator(&scriptedExecutor{}, nil, testLogger())
	_, err := sim.Simulate(ctx, schema.RunRef{RunUUID: "r"},
		schema.DocumentRequest{}, nil, schema.SimulationSettings{MaxTurns: 5}, &countingPolicy{respond: 100})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestCompilePolicy(t *testing.T) {
	t.Run("empty source always ends", func(t *testing.T) {
		policy, err := CompilePolicy("")
		require.NoError(t, err)
		action, err := policy.NextAction(context.Background(), 2, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionEnd, action.Action)
	})

	t.Run("invalid source", func(t *testing.T) {
		_, err := CompilePolicy("turn >")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})

	t.Run("string result responds", func(t *testing.T) {
		policy, err := CompilePolicy(`turn < 4 ? "tell me more" : ""`)
		require.NoError(t, err)

		action, err := policy.NextAction(context.Background(), 2, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionRespond, action.Action)
		assert.Equal(t, "tell me more", action.Message)

		action, err = policy.NextAction(context.Background(), 4, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionEnd, action.Action)
	})

	t.Run("bool result", func(t *testing.T) {
		policy, err := CompilePolicy("turn <= 3")
		require.NoError(t, err)

		action, err := policy.NextAction(context.Background(), 3, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionRespond, action.Action)
		assert.NotEmpty(t, action.Message)

		action, err = policy.NextAction(context.Background(), 4, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionEnd, action.Action)
	})

	t.Run("map result", func(t *testing.T) {
		policy, err := CompilePolicy(`{"action": "respond", "message": lastMessage}`)
		require.NoError(t, err)

		history := []schema.Message{{Role: "assistant", Content: "echo me"}}
		action, err := policy.NextAction(context.Background(), 2, history)
		require.NoError(t, err)
		assert.Equal(t, ActionRespond, action.Action)
		assert.Equal(t, "echo me", action.Message)
	})
}
