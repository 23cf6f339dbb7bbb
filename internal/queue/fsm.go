package queue

import (
	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/store"
)

// jobTransitions is the job lifecycle state machine.
//
//	queued -> active                      claim
//	active -> completed | failed          handler outcome
//	active -> queued                      retryable failure, re-queued with backoff
//	active -> waiting_children            suspension
//	waiting_children -> queued            all children terminal, promoted
//	waiting_children -> failed            child failed, no continue_on_child_failure
//	queued | waiting_children -> removed  operator removal
var jobTransitions = map[store.JobState][]store.JobState{
	store.JobStateQueued:          {store.JobStateActive, store.JobStateRemoved},
	store.JobStateActive:          {store.JobStateCompleted, store.JobStateFailed, store.JobStateQueued, store.JobStateWaitingChildren},
	store.JobStateWaitingChildren: {store.JobStateQueued, store.JobStateFailed, store.JobStateRemoved},
}

// CanTransition reports whether the job state change is legal.
func CanTransition(from, to store.JobState) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a typed error for an illegal job state change.
func ValidateTransition(jobID string, from, to store.JobState) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition from %s to %s", from, to).WithJob(jobID)
	}
	return nil
}
