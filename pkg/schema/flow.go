package schema

import "fmt"

// FlowStep is a leaf unit of work in a flow.
type FlowStep struct {
	Name    string         `json:"name"`
	Queue   string         `json:"queue"`
	Payload map[string]any `json:"payload,omitempty"`
	Options *JobOptions    `json:"options,omitempty"`
}

// StepGroup is one position in a flow's step list: a single step, or a
// parallel group of steps that all must finish before the next position runs.
type StepGroup []FlowStep

// Single wraps one step as a step-list position.
func Single(step FlowStep) StepGroup { return StepGroup{step} }

// Parallel groups steps to run concurrently at one step-list position.
func Parallel(steps ...FlowStep) StepGroup { return StepGroup(steps) }

// JobOptions configures a single generated job.
type JobOptions struct {
	// JobID overrides the deterministic generated id.
	JobID string `json:"job_id,omitempty"`

	// MaxAttempts is the total attempt budget, including the first (min 1).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff is the retry delay strategy: none | constant | linear | exponential.
	Backoff string `json:"backoff,omitempty"`

	// Delay is the initial retry delay (e.g. "1s", "500ms").
	Delay string `json:"delay,omitempty"`

	// ContinueOnChildFailure schedules this job even when one of its
	// children failed. Used where partial results are acceptable, e.g.
	// evaluation fan-out.
	ContinueOnChildFailure bool `json:"continue_on_child_failure,omitempty"`
}

// FlowJob is a node in the built flow tree. All Children must reach a
// terminal state before the node itself is scheduled.
type FlowJob struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload,omitempty"`
	Options  JobOptions     `json:"options"`
	Children []*FlowJob     `json:"children,omitempty"`
}

// Flow is a rooted tree of jobs built from an ordered step list. The last
// step is the root; earlier steps are its descendants, so leaves run first.
type Flow struct {
	ID   string   `json:"id"`
	Root *FlowJob `json:"root"`
}

// JobCount returns the total number of jobs in the flow.
func (f *Flow) JobCount() int {
	return countJobs(f.Root)
}

func countJobs(job *FlowJob) int {
	if job == nil {
		return 0
	}
	n := 1
	for _, c := range job.Children {
		n += countJobs(c)
	}
	return n
}

// FlowJobID builds the deterministic job id used as the idempotency key for
// at-most-one enqueue under retries.
func FlowJobID(flowID string, stepIndex int, name string, parallelIndex int) string {
	return fmt.Sprintf("%s-%d-%s-%d", flowID, stepIndex, name, parallelIndex)
}
