package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states. The queue store is
// the sole arbiter of transitions and consults this table before mutating.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning:  true, // worker picks up the job
		JobStatusPaused:   true, // operator pauses a queued job
		JobStatusCanceled: true, // operator cancels before pickup
	},
	JobStatusPaused: {
		JobStatusPending:  true, // resume
		JobStatusCanceled: true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true, // retries exhausted or non-retryable
		JobStatusCanceled:  true, // backend acknowledged the cancel flag
		JobStatusPending:   true, // failed attempt requeued at the tail
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the state is terminal (no further transitions)
func IsTerminal(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCanceled
}

// KnownStatuses lists every status in display order.
func KnownStatuses() []JobStatus {
	return []JobStatus{
		JobStatusPending,
		JobStatusRunning,
		JobStatusPaused,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCanceled,
	}
}
