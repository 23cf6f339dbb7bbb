package queue

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
)

// resumedPayloadKey is the durable trace of a suspension: written into the
// job's own payload before moving to waiting_children, read by the next
// invocation to distinguish first run from resume.
const resumedPayloadKey = "__dynamicChildren_resumed"

// ChildResult is the terminal outcome of one dynamically added child.
type ChildResult struct {
	JobID  string           `json:"job_id"`
	Name   string           `json:"name"`
	State  store.JobState   `json:"state"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *schema.RunError `json:"error,omitempty"`
}

// ChildrenContext lets a running job handler expand its own subtree at
// runtime and suspend until the added work completes. One context exists per
// handler invocation; the only state that crosses the suspension boundary is
// the resume flag in the job payload and the children's persisted results.
type ChildrenContext struct {
	queue *Queue
	job   *store.Job
	token string

	stepsAdded bool
	childSeq   int
}

// NewChildrenContext binds a context to a job invocation. Returns nil when no
// suspension token was supplied: without a token the holder cannot move the
// job into waiting_children, so waiting is unavailable.
func NewChildrenContext(q *Queue, job *store.Job, token string) *ChildrenContext {
	if token == "" {
		return nil
	}
	return &ChildrenContext{queue: q, job: job, token: token}
}

// JobID returns the bound job's id.
func (c *ChildrenContext) JobID() string { return c.job.ID }

// JobData returns the bound job's payload.
func (c *ChildrenContext) JobData() map[string]any { return c.job.Payload }

// IsResume reports whether this invocation follows a prior suspension.
func (c *ChildrenContext) IsResume() bool {
	resumed, _ := c.job.Payload[resumedPayloadKey].(bool)
	return resumed
}

// ChildrenResults reads the terminal outcomes of this job's children.
// Meaningful only when IsResume() is true; before the first suspension the
// job has no settled children to read.
func (c *ChildrenContext) ChildrenResults(ctx context.Context) ([]ChildResult, error) {
	children, err := c.queue.store.ListChildren(ctx, c.job.ID)
	if err != nil {
		return nil, err
	}
	results := make([]ChildResult, 0, len(children))
	for _, child := range children {
		results = append(results, ChildResult{
			JobID:  child.ID,
			Name:   child.Name,
			State:  child.State,
			Result: child.Result,
			Error:  child.FailureError(),
		})
	}
	return results, nil
}

// AddFlowStep enqueues one new job parented to this one. Multiple calls fan
// out in parallel; sequential dependency requires each added job to itself
// add the next.
func (c *ChildrenContext) AddFlowStep(ctx context.Context, step schema.FlowStep) (string, error) {
	ids, err := c.AddFlowSteps(ctx, []schema.FlowStep{step})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddFlowSteps enqueues new jobs parented to this one, all-or-nothing.
func (c *ChildrenContext) AddFlowSteps(ctx context.Context, steps []schema.FlowStep) ([]string, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	jobs := make([]*store.Job, 0, len(steps))
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.Name == "" || step.Queue == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "child step requires name and queue").WithJob(c.job.ID)
		}
		job := &store.Job{
			Queue:    step.Queue,
			Name:     step.Name,
			FlowID:   c.job.FlowID,
			ParentID: c.job.ID,
			Payload:  step.Payload,
			State:    store.JobStateQueued,
		}
		if step.Options != nil {
			job.ID = step.Options.JobID
			job.MaxAttempts = step.Options.MaxAttempts
			job.Backoff = step.Options.Backoff
			job.Delay = step.Options.Delay
			job.ContinueOnChildFailure = step.Options.ContinueOnChildFailure
		}
		if job.ID == "" {
			job.ID = schema.FlowJobID(c.job.ID, c.job.Attempts, step.Name, c.childSeq)
		}
		c.childSeq++
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := c.queue.store.CreateJobs(ctx, jobs); err != nil {
		return nil, err
	}
	c.stepsAdded = true
	return ids, nil
}

// WaitForChildren suspends the invocation until every added child reaches a
// terminal state. A no-op when nothing was added this invocation. On
// suspension it returns the SUSPENDED control-flow signal, which the worker
// special-cases: the invocation ends, no retry attempt is consumed, and the
// handler is re-invoked with IsResume() true once the children settle. When
// the children already finished between check and move, it returns nil and
// the handler proceeds without waiting.
func (c *ChildrenContext) WaitForChildren(ctx context.Context) error {
	if !c.stepsAdded {
		return nil
	}

	payload := c.job.Payload
	if payload == nil {
		payload = make(map[string]any)
	}
	payload[resumedPayloadKey] = true
	if err := c.queue.store.UpdateJob(ctx, c.job.ID, store.JobUpdate{Payload: payload}); err != nil {
		return err
	}
	c.job.Payload = payload

	moved, err := c.queue.store.MoveToWaitingChildren(ctx, c.job.ID, c.token)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	c.stepsAdded = false
	return schema.NewError(schema.ErrCodeSuspended, "waiting for children").WithJob(c.job.ID)
}
