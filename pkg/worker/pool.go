package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
)

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent slots. Values below 1 are raised
	// to 1.
	Workers int
	// PollInterval bounds how long an idle worker sleeps before re-checking
	// the queue. The store's notify channel wakes workers earlier.
	PollInterval time.Duration
	// GracePeriod is how long a timed-out job gets to acknowledge the
	// cancel before it is force-failed.
	GracePeriod time.Duration
}

// DefaultConfig returns the pool defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: time.Second,
		GracePeriod:  10 * time.Second,
	}
}

// Pool runs a fixed set of worker goroutines against the queue store. Each
// worker dequeues, invokes the backend, and reports the outcome; the store
// stays the single writer for job state.
type Pool struct {
	config   Config
	store    *queue.Store
	backend  Backend
	progress ProgressFunc
	logger   *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	active  int
}

// NewPool creates a pool. progress may be nil, in which case updates go
// straight to the store.
func NewPool(store *queue.Store, backend Backend, config Config, progress ProgressFunc, logger *logging.Logger) *Pool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	if progress == nil {
		progress = func(jobID string, p models.Progress) {
			store.UpdateProgress(jobID, p) //nolint:errcheck // stale updates are expected
		}
	}
	return &Pool{
		config:   config,
		store:    store,
		backend:  backend,
		progress: progress,
		logger:   logger.WithField("component", "pool"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("worker pool starting", map[string]interface{}{
		"workers": p.config.Workers,
	})
	for slot := 1; slot <= p.config.Workers; slot++ {
		p.wg.Add(1)
		go p.worker(slot)
	}
}

// Stop asks workers to finish their current job and exit, then waits for
// them. Pending jobs stay in the queue.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// StopImmediately raises the cancel flag on every running job before
// stopping, so workers return as soon as their backend acknowledges
// instead of finishing the current attempt.
func (p *Pool) StopImmediately() {
	if n := p.store.CancelRunning(); n > 0 {
		p.logger.Info("canceling in-flight jobs", map[string]interface{}{
			"count": n,
		})
	}
	p.Stop()
}

// Active returns how many workers are currently executing a job.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// WaitDrained blocks until the store has no pending, paused or running work,
// or the context is done.
func (p *Pool) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.store.Drained() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) worker(slot int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		// A stop between jobs wins over more pending work.
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, token := p.store.Dequeue(slot)
		if job != nil {
			p.runOne(slot, job, token)
			continue
		}

		select {
		case <-p.store.Notify():
		case <-ticker.C:
		case <-p.stopCh:
			return
		}
	}
}

// runOne executes a single attempt. The backend runs in its own goroutine
// so the worker can enforce the per-job timeout; a panic in the backend is
// converted into a failed attempt instead of killing the process.
func (p *Pool) runOne(slot int, job *models.Job, token *models.CancelToken) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	log := p.logger.WithField("job_id", job.ID)
	log.Info("attempt started", map[string]interface{}{
		"slot":    slot,
		"attempt": job.AttemptCount,
		"input":   job.InputRef,
	})

	done := make(chan models.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("backend panicked", map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				})
				done <- models.Outcome{
					Kind:   models.OutcomeFailure,
					Detail: fmt.Sprintf("backend panic: %v", r),
				}
			}
		}()
		done <- p.backend.Run(job, p.progress, token)
	}()

	var timeoutCh <-chan time.Time
	if job.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(job.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var outcome models.Outcome
	timedOut := false

	select {
	case outcome = <-done:

	case <-timeoutCh:
		timedOut = true
		log.Warn("attempt exceeded timeout, canceling", map[string]interface{}{
			"timeout_seconds": job.TimeoutSeconds,
		})
		token.Cancel()

		grace := time.NewTimer(p.config.GracePeriod)
		defer grace.Stop()
		select {
		case outcome = <-done:
		case <-grace.C:
			// Backend ignored the cancel. Mark the job failed and move on;
			// ReportResult from the stuck goroutine will be rejected as
			// stale if it ever arrives.
			p.store.ForceFail(job.ID, fmt.Sprintf("timed out after %ds and ignored cancel", job.TimeoutSeconds)) //nolint:errcheck
			return
		}
	}

	if timedOut {
		// The backend stopped because we canceled it, not because the user
		// asked. Count it as a normal (retryable) failure.
		outcome = models.Outcome{
			Kind:   models.OutcomeFailure,
			Detail: fmt.Sprintf("timed out after %ds", job.TimeoutSeconds),
		}
	}

	if err := p.store.ReportResult(job.ID, outcome); err != nil {
		log.Warn("result dropped", map[string]interface{}{"error": err.Error()})
		return
	}
	log.Info("attempt finished", map[string]interface{}{
		"outcome": string(outcome.Kind),
		"detail":  outcome.Detail,
	})
}
