package worker

import (
	"github.com/vidforge/vidforge/pkg/models"
)

// ProgressFunc receives progress snapshots from a running backend. It must
// be cheap; backends call it from their read loop.
type ProgressFunc func(jobID string, p models.Progress)

// Backend executes one enhancement attempt. Implementations must honor the
// cancel token promptly: when it fires, stop work, release resources and
// return an outcome. Run is called from worker goroutines and must be safe
// for concurrent invocations with distinct jobs.
type Backend interface {
	Run(job *models.Job, onProgress ProgressFunc, token *models.CancelToken) models.Outcome
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(job *models.Job, onProgress ProgressFunc, token *models.CancelToken) models.Outcome

func (f BackendFunc) Run(job *models.Job, onProgress ProgressFunc, token *models.CancelToken) models.Outcome {
	return f(job, onProgress, token)
}
