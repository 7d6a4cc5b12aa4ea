package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/retry"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleReport is returned for results or progress updates that arrive
	// after the job left the Running state (cancellation races, timeouts).
	ErrStaleReport = errors.New("stale report for job not running")
	// ErrValidation marks enqueue-time rejections; the job is never created.
	ErrValidation = errors.New("validation failed")
)

// maxDurationSamples bounds the history kept for the advisory ETA.
const maxDurationSamples = 50

// EnqueueRequest describes a new job. Spec is passed through to the
// execution backend unmodified.
type EnqueueRequest struct {
	InputRef       string
	OutputPath     string
	Spec           map[string]interface{}
	MaxAttempts    int
	TimeoutSeconds int
}

// Store is the authoritative, concurrency-safe collection of jobs and the
// sole arbiter of status transitions. Workers never mutate job fields
// directly; every mutation goes through a store method under one mutex.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	order   []string // all job IDs in creation order
	pending []string // FIFO of pending job IDs; retries re-append at the tail
	tokens  map[string]*models.CancelToken
	paused  bool

	journal Journal
	logger  *logging.Logger
	notify  chan struct{}

	// completed attempt durations, for the advisory aggregate ETA
	durations []time.Duration

	// attempts never decreases, even when terminal jobs are purged
	attempts int64
}

// Options configures a Store.
type Options struct {
	// Journal receives a snapshot on every terminal transition and on
	// Persist(). Nil disables persistence.
	Journal Journal
	Logger  *logging.Logger
}

// NewStore creates an empty queue store. There is deliberately no package
// level singleton; tests and callers construct independent stores.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Store{
		jobs:    make(map[string]*models.Job),
		tokens:  make(map[string]*models.CancelToken),
		journal: opts.Journal,
		logger:  logger.WithField("component", "queue"),
		notify:  make(chan struct{}, 1),
	}
}

// Notify returns a channel signaled whenever a job becomes available for
// dequeue. Workers wait on it with a bounded timeout instead of spinning.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue validates the request, creates a Pending job at the tail of the
// queue and returns its ID. Validation is local only; nothing blocks on
// the input itself.
func (s *Store) Enqueue(req EnqueueRequest) (string, error) {
	if req.InputRef == "" {
		return "", fmt.Errorf("%w: empty input reference", ErrValidation)
	}
	if req.OutputPath == "" {
		return "", fmt.Errorf("%w: empty output path", ErrValidation)
	}
	if dir := filepath.Dir(req.OutputPath); dir != "." {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return "", fmt.Errorf("%w: output directory %s not reachable", ErrValidation, dir)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		InputRef:       req.InputRef,
		OutputPath:     req.OutputPath,
		Spec:           req.Spec,
		Status:         models.JobStatusPending,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.pending = append(s.pending, job.ID)
	s.mu.Unlock()

	s.logger.Info("job enqueued", map[string]interface{}{
		"job_id": job.ID,
		"input":  job.InputRef,
	})
	s.signal()
	return job.ID, nil
}

// Dequeue atomically hands the oldest Pending job to the given worker slot,
// transitioning it to Running. Returns nil when nothing is pending or the
// queue is paused; callers wait on Notify() rather than busy-spinning.
func (s *Store) Dequeue(slot int) (*models.Job, *models.CancelToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || len(s.pending) == 0 {
		return nil, nil
	}

	id := s.pending[0]
	s.pending = s.pending[1:]

	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		// Canceled or paused while queued; skip without consuming the slot.
		return nil, nil
	}

	now := time.Now()
	s.transitionLocked(job, models.JobStatusRunning, fmt.Sprintf("picked up by worker %d", slot))
	job.StartedAt = &now
	job.WorkerSlot = slot
	job.AttemptCount++
	s.attempts++
	job.CancelRequested = false
	job.Progress = models.Progress{} // percent resets on every attempt

	token := models.NewCancelToken()
	s.tokens[id] = token

	return job.Clone(), token
}

// ReportResult records the outcome of one backend invocation. On a
// retryable failure with attempts remaining the job re-enters the queue at
// the tail, keeping its original created_at. Reports for jobs no longer
// Running are rejected with ErrStaleReport.
func (s *Store) ReportResult(jobID string, outcome models.Outcome) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning {
		s.mu.Unlock()
		return ErrStaleReport
	}

	now := time.Now()
	requeued := false

	switch outcome.Kind {
	case models.OutcomeSuccess:
		s.transitionLocked(job, models.JobStatusCompleted, "")
		job.Progress.Percent = 100
		job.FinishedAt = &now
		if job.StartedAt != nil {
			s.recordDurationLocked(now.Sub(*job.StartedAt))
		}

	case models.OutcomeCanceled:
		s.transitionLocked(job, models.JobStatusCanceled, "backend acknowledged cancel")
		job.FinishedAt = &now

	case models.OutcomeFailure:
		job.Error = outcome.Detail
		if !outcome.NonRetryable && job.AttemptCount < job.MaxAttempts {
			reason := fmt.Sprintf("retry %d/%d after failure", job.AttemptCount+1, job.MaxAttempts)
			s.transitionLocked(job, models.JobStatusPending, reason)
			job.Progress = models.Progress{}
			s.pending = append(s.pending, job.ID)
			requeued = true
		} else {
			reason := "max attempts exhausted"
			if outcome.NonRetryable {
				reason = "non-retryable failure"
			}
			s.transitionLocked(job, models.JobStatusFailed, reason)
			job.FinishedAt = &now
		}

	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown outcome kind: %s", outcome.Kind)
	}

	job.WorkerSlot = 0
	delete(s.tokens, jobID)
	terminal := models.IsTerminal(job.Status)
	s.mu.Unlock()

	if requeued {
		s.signal()
	}
	if terminal {
		s.persistAfterTerminal(jobID)
	}
	return nil
}

// UpdateProgress merges the latest progress snapshot for a Running job.
// Updates for jobs not Running are dropped (stale callback after a cancel
// or timeout), as are updates whose percent would move backwards.
func (s *Store) UpdateProgress(jobID string, p models.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning {
		return ErrStaleReport
	}
	if p.Percent < job.Progress.Percent {
		// Out-of-order update; keep the monotonic invariant.
		return nil
	}
	job.Progress = p
	return nil
}

// Cancel requests cancellation. Pending and Paused jobs transition to
// Canceled immediately; for Running jobs the cooperative flag is raised
// and the terminal transition happens when the worker reports. Returns
// false when the job is already terminal.
func (s *Store) Cancel(jobID string) (bool, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return false, ErrJobNotFound
	}

	switch {
	case models.IsTerminal(job.Status):
		s.mu.Unlock()
		return false, nil

	case job.Status == models.JobStatusRunning:
		job.CancelRequested = true
		token := s.tokens[jobID]
		s.mu.Unlock()
		if token != nil {
			token.Cancel()
		}
		return true, nil

	default: // Pending or Paused
		s.removePendingLocked(jobID)
		now := time.Now()
		s.transitionLocked(job, models.JobStatusCanceled, "canceled before pickup")
		job.FinishedAt = &now
		s.mu.Unlock()
		s.persistAfterTerminal(jobID)
		return true, nil
	}
}

// CancelRunning raises the cooperative cancel flag on every Running job
// and returns how many were signaled. Used by immediate pool shutdown;
// terminal transitions still happen when the workers report.
func (s *Store) CancelRunning() int {
	s.mu.Lock()
	var tokens []*models.CancelToken
	for id, job := range s.jobs {
		if job.Status != models.JobStatusRunning {
			continue
		}
		job.CancelRequested = true
		if token := s.tokens[id]; token != nil {
			tokens = append(tokens, token)
		}
	}
	s.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	return len(tokens)
}

// ForceFail marks a Running job Failed without waiting for the backend,
// used when a cancellation grace period expires after a timeout. The
// backend invocation may still be running; the leak is accepted and logged.
func (s *Store) ForceFail(jobID, detail string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusRunning {
		s.mu.Unlock()
		return ErrStaleReport
	}

	now := time.Now()
	job.Error = detail
	s.transitionLocked(job, models.JobStatusFailed, "forced failure")
	job.FinishedAt = &now
	job.WorkerSlot = 0
	delete(s.tokens, jobID)
	s.mu.Unlock()

	s.logger.Warn("job force-failed, backend may still hold resources", map[string]interface{}{
		"job_id": jobID,
		"error":  detail,
	})
	s.persistAfterTerminal(jobID)
	return nil
}

// PauseJob parks a Pending job so workers skip it. Running jobs cannot be
// paused from this layer.
func (s *Store) PauseJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("cannot pause job in state %s", job.Status)
	}
	s.removePendingLocked(jobID)
	s.transitionLocked(job, models.JobStatusPaused, "paused by operator")
	return nil
}

// ResumeJob moves a Paused job back to the tail of the pending queue.
func (s *Store) ResumeJob(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("cannot resume job in state %s", job.Status)
	}
	s.transitionLocked(job, models.JobStatusPending, "resumed by operator")
	s.pending = append(s.pending, jobID)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Pause stops handing out new jobs. Running jobs are not disturbed.
func (s *Store) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("queue paused")
}

// Resume re-enables dequeuing.
func (s *Store) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("queue resumed")
	s.signal()
}

// Get returns a copy of one job.
func (s *Store) Get(jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Snapshot returns a deep, consistent copy of the whole queue, taken under
// a single critical section so counts and the job list agree.
func (s *Store) Snapshot() *models.QueueSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *models.QueueSnapshot {
	snap := &models.QueueSnapshot{
		TakenAt: time.Now(),
		Paused:  s.paused,
		Jobs:    make([]*models.Job, 0, len(s.order)),
		Counts:  make(map[models.JobStatus]int),
	}
	for _, id := range s.order {
		job := s.jobs[id]
		snap.Jobs = append(snap.Jobs, job.Clone())
		snap.Counts[job.Status]++
	}
	return snap
}

// Drained reports whether no work remains (nothing pending, paused or
// running). Used by batch runs to decide when to stop the pool.
func (s *Store) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		switch job.Status {
		case models.JobStatusPending, models.JobStatusRunning, models.JobStatusPaused:
			return false
		}
	}
	return true
}

// AverageDuration returns the mean duration of completed attempts, 0 when
// no history exists. Feeds the advisory aggregate ETA.
func (s *Store) AverageDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	return total / time.Duration(len(s.durations))
}

// TotalAttempts returns how many backend attempts this store has started.
// Monotonic: purging terminal jobs does not lower it.
func (s *Store) TotalAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Purge removes terminal jobs older than the retention window. Returns the
// number of jobs deleted.
func (s *Store) Purge(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		job := s.jobs[id]
		if models.IsTerminal(job.Status) && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("purged terminal jobs", map[string]interface{}{"count": removed})
	}
	return removed
}

// Persist writes the current snapshot through the journal.
func (s *Store) Persist() error {
	if s.journal == nil {
		return nil
	}
	snap := s.Snapshot()
	cfg := retry.Config{MaxRetries: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2.0}
	return retry.Do(context.Background(), cfg, func() error {
		return s.journal.Save(snap)
	})
}

// Load replaces the store contents with the journaled snapshot. Jobs that
// were Running at persist time re-enter the queue as Pending: an
// interrupted run is assumed not to have completed.
func (s *Store) Load() error {
	if s.journal == nil {
		return nil
	}
	snap, err := s.journal.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil // nothing journaled yet
	}

	s.mu.Lock()
	s.jobs = make(map[string]*models.Job, len(snap.Jobs))
	s.order = s.order[:0]
	s.pending = s.pending[:0]
	recovered := 0
	for _, job := range snap.Jobs {
		j := job.Clone()
		if j.Status == models.JobStatusRunning {
			s.transitionLocked(j, models.JobStatusPending, "requeued after restart")
			j.WorkerSlot = 0
			j.CancelRequested = false
			j.Progress = models.Progress{}
			recovered++
		}
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
		if j.Status == models.JobStatusPending {
			s.pending = append(s.pending, j.ID)
		}
		s.attempts += int64(j.AttemptCount)
	}
	pending := len(s.pending)
	s.mu.Unlock()

	s.logger.Info("queue loaded from journal", map[string]interface{}{
		"jobs":      len(snap.Jobs),
		"pending":   pending,
		"recovered": recovered,
	})
	if pending > 0 {
		s.signal()
	}
	return nil
}

// Close persists a final snapshot and closes the journal.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	if err := s.Persist(); err != nil {
		return err
	}
	return s.journal.Close()
}

// transitionLocked applies a validated status change and records it in the
// audit trail. Callers hold s.mu.
func (s *Store) transitionLocked(job *models.Job, to models.JobStatus, reason string) {
	if err := models.ValidateTransition(job.Status, to); err != nil {
		// The store is the only writer, so this indicates a programming
		// error rather than a race.
		s.logger.Error("rejected state transition", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      job.Status,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	job.Status = to
}

func (s *Store) removePendingLocked(jobID string) {
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Store) recordDurationLocked(d time.Duration) {
	s.durations = append(s.durations, d)
	if len(s.durations) > maxDurationSamples {
		s.durations = s.durations[len(s.durations)-maxDurationSamples:]
	}
}

func (s *Store) persistAfterTerminal(jobID string) {
	if s.journal == nil {
		return
	}
	if err := s.Persist(); err != nil {
		s.logger.Error("journal write failed", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
}
