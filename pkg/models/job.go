package models

import (
	"time"
)

// JobStatus represents the lifecycle status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Progress is the last known progress snapshot for a single job attempt.
// Stage names come straight from the backend ("deinterlace", "upscale",
// "encode", ...) and are not interpreted here.
type Progress struct {
	Stage      string  `json:"stage,omitempty"`
	Percent    float64 `json:"percent"`
	FPS        float64 `json:"fps,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Job represents one enhancement request tracked by the queue.
// The ID and the input/output/spec fields are immutable after creation;
// everything else is owned by the queue store.
type Job struct {
	ID         string                 `json:"id"`
	InputRef   string                 `json:"input_ref"`
	OutputPath string                 `json:"output_path"`
	Spec       map[string]interface{} `json:"spec,omitempty"` // opaque to the queue, passed through to the backend

	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Error keeps the last failure detail for audit, even after a retry
	// eventually succeeds.
	Error string `json:"error,omitempty"`

	// WorkerSlot is the slot (1..worker_count) currently running the job,
	// 0 while not running.
	WorkerSlot int `json:"worker_slot,omitempty"`

	// CancelRequested reports that cooperative cancellation was asked for
	// while the job was running.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// TimeoutSeconds is an optional wall-clock limit per attempt, 0 = none.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a deep copy of the job. Snapshots hand out clones so
// readers never observe partial mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.Spec != nil {
		c.Spec = make(map[string]interface{}, len(j.Spec))
		for k, v := range j.Spec {
			c.Spec[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.StateTransitions != nil {
		c.StateTransitions = make([]StateTransition, len(j.StateTransitions))
		copy(c.StateTransitions, j.StateTransitions)
	}
	return &c
}

// Duration returns the wall-clock time the job spent running, or 0 if it
// never started or has not finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// QueueSnapshot is a read-only aggregate view of the queue, used for
// persistence and for CLI/HTTP polling. Jobs are listed in creation order.
type QueueSnapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Paused  bool      `json:"paused"`
	Jobs    []*Job    `json:"jobs"`

	Counts map[JobStatus]int `json:"counts"`
}

// Count returns the number of jobs in the given status.
func (s *QueueSnapshot) Count(status JobStatus) int {
	if s.Counts == nil {
		return 0
	}
	return s.Counts[status]
}

// OutcomeKind classifies how a backend invocation ended.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFailure  OutcomeKind = "failure"
	OutcomeCanceled OutcomeKind = "canceled"
)

// Outcome is the result a worker reports back to the queue store after
// one backend invocation.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	// Detail carries the failure reason when Kind == OutcomeFailure.
	Detail string `json:"detail,omitempty"`
	// NonRetryable short-circuits the retry ceiling (corrupt input,
	// unsupported format, ...). Only meaningful on failure.
	NonRetryable bool `json:"non_retryable,omitempty"`
}

// Failure builds a failure outcome from an error.
func Failure(err error) Outcome {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return Outcome{Kind: OutcomeFailure, Detail: detail}
}
