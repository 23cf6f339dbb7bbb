package queue

import (
	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
)

// BuildFlow turns an ordered step list into a rooted job tree. The last
// position becomes the root; walking the remaining positions in reverse, each
// step (or each branch of a parallel group) is attached as a child under every
// current leaf, and the new nodes become the leaf set. Leaves therefore run
// first and the root runs last, after everything below it settled.
//
// The final position must hold exactly one step: a trailing parallel group
// would leave fan-out with no step to wait for it.
func BuildFlow(flowID string, steps []schema.StepGroup, defaults schema.JobOptions, continueOnChildFailure bool) (*schema.Flow, error) {
	if flowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow id is required")
	}
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow requires at least one step")
	}
	for i, group := range steps {
		if len(group) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %d is empty", i)
		}
		for _, s := range group {
			if s.Name == "" || s.Queue == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %d requires name and queue", i)
			}
		}
	}

	last := len(steps) - 1
	if len(steps[last]) != 1 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"final step cannot be a parallel group: no step to wait for the parallel branches")
	}

	b := &flowBuilder{flowID: flowID, defaults: defaults, continueOnChildFailure: continueOnChildFailure}
	root := b.newJob(steps[last][0], last, 0)
	leaves := []*schema.FlowJob{root}

	for i := last - 1; i >= 0; i-- {
		var next []*schema.FlowJob
		for _, leaf := range leaves {
			for branch, step := range steps[i] {
				child := b.newJob(step, i, branch)
				leaf.Children = append(leaf.Children, child)
				next = append(next, child)
			}
		}
		leaves = next
	}

	return &schema.Flow{ID: flowID, Root: root}, nil
}

type flowBuilder struct {
	flowID                 string
	defaults               schema.JobOptions
	continueOnChildFailure bool

	// copies counts jobs generated per (stepIndex, branch). A step below a
	// parallel point is copied once per leaf; the copy count extends the
	// parallel index so generated ids stay unique within the flow.
	copies map[[2]int]int
}

func (b *flowBuilder) newJob(step schema.FlowStep, stepIndex, branch int) *schema.FlowJob {
	if b.copies == nil {
		b.copies = make(map[[2]int]int)
	}
	key := [2]int{stepIndex, branch}
	copyIndex := b.copies[key]
	b.copies[key]++

	opts := b.defaults
	if step.Options != nil {
		opts = mergeOptions(b.defaults, *step.Options)
	}
	if b.continueOnChildFailure {
		opts.ContinueOnChildFailure = true
	}

	id := opts.JobID
	if id == "" {
		parallelIndex := branch
		if copyIndex > 0 {
			parallelIndex = branch + copyIndex*maxBranches
		}
		id = schema.FlowJobID(b.flowID, stepIndex, step.Name, parallelIndex)
	}

	return &schema.FlowJob{
		ID:      id,
		Queue:   step.Queue,
		Name:    step.Name,
		Payload: step.Payload,
		Options: opts,
	}
}

// maxBranches spaces out the parallel index of repeated copies so it cannot
// collide with a real branch index.
const maxBranches = 1000

func mergeOptions(defaults, override schema.JobOptions) schema.JobOptions {
	merged := defaults
	if override.JobID != "" {
		merged.JobID = override.JobID
	}
	if override.MaxAttempts > 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.Backoff != "" {
		merged.Backoff = override.Backoff
	}
	if override.Delay != "" {
		merged.Delay = override.Delay
	}
	if override.ContinueOnChildFailure {
		merged.ContinueOnChildFailure = true
	}
	return merged
}

// flattenFlow converts the tree into persistable jobs. Nodes with children
// start in waiting_children and are promoted when their subtree settles;
// leaves start queued.
func flattenFlow(flow *schema.Flow) []*store.Job {
	var jobs []*store.Job
	var walk func(node *schema.FlowJob, parentID string)
	walk = func(node *schema.FlowJob, parentID string) {
		state := store.JobStateQueued
		if len(node.Children) > 0 {
			state = store.JobStateWaitingChildren
		}
		jobs = append(jobs, &store.Job{
			ID:                     node.ID,
			Queue:                  node.Queue,
			Name:                   node.Name,
			FlowID:                 flow.ID,
			ParentID:               parentID,
			Payload:                node.Payload,
			State:                  state,
			MaxAttempts:            node.Options.MaxAttempts,
			Backoff:                node.Options.Backoff,
			Delay:                  node.Options.Delay,
			ContinueOnChildFailure: node.Options.ContinueOnChildFailure,
		})
		for _, child := range node.Children {
			walk(child, node.ID)
		}
	}
	walk(flow.Root, "")
	return jobs
}
