package schema

import (
	"context"
	"time"
)

// RunRef identifies an active run inside the registry. Runs are grouped per
// (workspace, project, document) and keyed by run UUID within the group.
type RunRef struct {
	WorkspaceID  int64  `json:"workspace_id"`
	ProjectID    int64  `json:"project_id"`
	DocumentUUID string `json:"document_uuid"`
	RunUUID      string `json:"run_uuid"`
}

// ActiveRun is one in-flight document execution tracked by the registry.
// Timestamps are serialized as ISO-8601.
type ActiveRun struct {
	UUID         string     `json:"uuid"`
	DocumentUUID string     `json:"documentUuid"`
	CommitUUID   string     `json:"commitUuid"`
	JobID        string     `json:"jobId,omitempty"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Caption      string     `json:"caption,omitempty"`
}

// Usage counts tokens consumed by provider calls.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// Add accumulates o into u pointwise.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Cost is the monetary cost of provider calls. Breakdown keys are fixed by
// the caller (e.g. per-model or per-currency); merging sums per key.
type Cost struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// Add accumulates o into c: totals sum, breakdowns merge per key.
func (c *Cost) Add(o Cost) {
	c.Total += o.Total
	if len(o.Breakdown) == 0 {
		return
	}
	if c.Breakdown == nil {
		c.Breakdown = make(map[string]float64, len(o.Breakdown))
	}
	for k, v := range o.Breakdown {
		c.Breakdown[k] += v
	}
}

// RunMetrics aggregates usage, cost and duration across turns. The zero
// value is a valid identity, so aggregation is associative and
// order-independent.
type RunMetrics struct {
	Usage    Usage         `json:"usage"`
	Cost     Cost          `json:"cost"`
	Duration time.Duration `json:"duration"`
}

// Merge accumulates o into m pointwise.
func (m *RunMetrics) Merge(o RunMetrics) {
	m.Usage.Add(o.Usage)
	m.Cost.Add(o.Cost)
	m.Duration += o.Duration
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // user | assistant | system | tool
	Content string `json:"content"`
}

// DocumentRequest is the input to a document execution.
type DocumentRequest struct {
	WorkspaceID  int64          `json:"workspace_id"`
	ProjectID    int64          `json:"project_id"`
	DocumentUUID string         `json:"document_uuid"`
	CommitUUID   string         `json:"commit_uuid"`
	Parameters   map[string]any `json:"parameters,omitempty"`

	// Messages, when set, extends an existing conversation instead of
	// starting a new one (follow-up turns).
	Messages []Message `json:"messages,omitempty"`
}

// DocumentRun is a started document execution: a live event stream plus a
// channel that delivers the final outcome once the stream is exhausted.
type DocumentRun struct {
	UUID   string
	Events <-chan ChainEvent
	Done   <-chan DocumentOutcome
}

// DocumentOutcome carries the asynchronous final values of a document run.
type DocumentOutcome struct {
	Messages []Message  `json:"messages,omitempty"`
	Metrics  RunMetrics `json:"metrics"`
	Error    *RunError  `json:"error,omitempty"`
}

// DocumentExecutor runs one document execution. It is an external
// collaborator: the engine orchestrates calls, it never makes them.
type DocumentExecutor interface {
	Run(ctx context.Context, req DocumentRequest) (*DocumentRun, error)
}

// Span is the trace span produced by a document execution, looked up in the
// tracing system before evaluations run.
type Span struct {
	TraceID          string         `json:"trace_id"`
	SpanID           string         `json:"span_id"`
	ConversationUUID string         `json:"conversation_uuid"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// Evaluation is one configured check to run against a span.
type Evaluation struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`

	// Expression is a CEL program evaluated against the span; it must
	// produce a bool (pass/fail) or a number (score).
	Expression string `json:"expression"`

	// Extract maps variable names to jq programs run against the span
	// attributes; results are bound into the expression's environment.
	Extract map[string]string `json:"extract,omitempty"`

	// PassThreshold converts a numeric score into hasPassed (score >=
	// threshold). Ignored for boolean expressions.
	PassThreshold *float64 `json:"pass_threshold,omitempty"`
}

// EvaluationResult is the outcome of one evaluation on one span.
type EvaluationResult struct {
	EvaluationUUID string   `json:"evaluation_uuid"`
	Success        bool     `json:"success"`
	HasPassed      *bool    `json:"has_passed,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// EvaluationExecutor runs one evaluation against a span. External
// collaborator, same as DocumentExecutor.
type EvaluationExecutor interface {
	Run(ctx context.Context, eval Evaluation, span Span, experimentUUID string) EvaluationResult
}
