package evals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/chainrun/pkg/schema"
)

// CELExecutor runs evaluations as CEL expressions over a span. Optional jq
// extraction programs pre-compute variables bound into the expression's
// environment. Thread-safe: compiled programs are cached and reused across
// goroutines.
type CELExecutor struct {
	env       *cel.Env
	extractor *Extractor
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELExecutor creates an evaluation executor with a sandboxed CEL
// environment. The environment exposes:
//
//	span:       map(string, dyn)  trace/span/conversation ids
//	attributes: map(string, dyn)  raw span attributes
//	vars:       map(string, dyn)  jq-extracted variables
func NewCELExecutor(logger *slog.Logger) (*CELExecutor, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("span", mapType),
		cel.Variable("attributes", mapType),
		cel.Variable("vars", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CELExecutor{
		env:       env,
		extractor: NewExtractor(),
		logger:    logger,
		cache:     make(map[string]cel.Program),
	}, nil
}

// Run executes one evaluation against a span. Failures are reported in the
// result, never raised: a broken evaluation must not abort its siblings.
func (e *CELExecutor) Run(ctx context.Context, eval schema.Evaluation, span schema.Span, experimentUUID string) schema.EvaluationResult {
	result := schema.EvaluationResult{EvaluationUUID: eval.UUID}

	vars, err := e.extractor.Extract(ctx, eval.Extract, span.Attributes)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	prg, err := e.getOrCompile(eval.Expression)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	activation := map[string]any{
		"span": map[string]any{
			"trace_id":          span.TraceID,
			"span_id":           span.SpanID,
			"conversation_uuid": span.ConversationUUID,
		},
		"attributes": orEmpty(span.Attributes),
		"vars":       orEmpty(vars),
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		result.Error = schema.NewErrorf(schema.ErrCodeExecution,
			"evaluation %q failed: %s", eval.Name, err.Error()).Error()
		return result
	}

	switch v := out.Value().(type) {
	case bool:
		result.Success = true
		result.HasPassed = &v
	case int64:
		score := float64(v)
		e.scoreResult(&result, eval, score)
	case uint64:
		score := float64(v)
		e.scoreResult(&result, eval, score)
	case float64:
		e.scoreResult(&result, eval, v)
	default:
		result.Error = schema.NewErrorf(schema.ErrCodeExecution,
			"evaluation %q produced %T, want bool or number", eval.Name, out.Value()).Error()
	}
	return result
}

func (e *CELExecutor) scoreResult(result *schema.EvaluationResult, eval schema.Evaluation, score float64) {
	result.Success = true
	result.Score = &score
	if eval.PassThreshold != nil {
		passed := score >= *eval.PassThreshold
		result.HasPassed = &passed
	}
}

func (e *CELExecutor) getOrCompile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty evaluation expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

var _ schema.EvaluationExecutor = (*CELExecutor)(nil)
