package progress

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
)

// defaultInterval is the minimum spacing between store writes per job.
// Backends can emit updates per frame; the store only needs a few per
// second across the whole queue.
const defaultInterval = 300 * time.Millisecond

// Event is one progress report from a backend.
type Event struct {
	JobID    string
	Progress models.Progress
}

// Summary is an aggregate view across the queue, for status displays.
type Summary struct {
	Counts       map[models.JobStatus]int
	OverallPct   float64       // mean percent across non-terminal jobs, terminal jobs count as 100
	EstimatedETA time.Duration // advisory only
}

// Aggregator sits between backends and the store. It throttles per-job
// update frequency with a rate limiter and keeps the latest suppressed
// update per job, flushing it on the next tick so the final value of a
// burst is never lost.
type Aggregator struct {
	store    *queue.Store
	logger   *logging.Logger
	interval time.Duration

	events chan Event

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	deferred map[string]models.Progress

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator for the store. interval <= 0 selects
// the default.
func NewAggregator(store *queue.Store, interval time.Duration, logger *logging.Logger) *Aggregator {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Aggregator{
		store:    store,
		logger:   logger.WithField("component", "progress"),
		interval: interval,
		events:   make(chan Event, 256),
		limiters: make(map[string]*rate.Limiter),
		deferred: make(map[string]models.Progress),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the aggregation loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop flushes deferred updates and stops the loop.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Offer submits a progress event without blocking the caller. Events are
// dropped when the buffer is full; a later event supersedes them anyway.
func (a *Aggregator) Offer(jobID string, p models.Progress) {
	select {
	case a.events <- Event{JobID: jobID, Progress: p}:
	default:
	}
}

// Func returns Offer in the shape worker pools expect.
func (a *Aggregator) Func() func(string, models.Progress) {
	return a.Offer
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-a.events:
			a.handle(ev)
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			// Drain what is already buffered, then flush the stragglers.
			for {
				select {
				case ev := <-a.events:
					a.handle(ev)
				default:
					a.flush()
					return
				}
			}
		}
	}
}

func (a *Aggregator) handle(ev Event) {
	a.mu.Lock()
	lim, ok := a.limiters[ev.JobID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(a.interval), 1)
		a.limiters[ev.JobID] = lim
	}
	allowed := lim.Allow()
	if allowed {
		// An older suppressed update must not land after this one.
		delete(a.deferred, ev.JobID)
	} else {
		a.deferred[ev.JobID] = ev.Progress
	}
	a.mu.Unlock()

	if allowed {
		a.apply(ev.JobID, ev.Progress)
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	batch := a.deferred
	a.deferred = make(map[string]models.Progress)
	a.mu.Unlock()

	for jobID, p := range batch {
		a.apply(jobID, p)
	}
}

func (a *Aggregator) apply(jobID string, p models.Progress) {
	err := a.store.UpdateProgress(jobID, p)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrStaleReport), errors.Is(err, queue.ErrJobNotFound):
		// Job finished or was canceled while the update was in flight.
		a.forget(jobID)
	default:
		a.logger.Warn("progress update failed", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
}

func (a *Aggregator) forget(jobID string) {
	a.mu.Lock()
	delete(a.limiters, jobID)
	delete(a.deferred, jobID)
	a.mu.Unlock()
}

// Aggregate computes a queue-wide summary from a consistent snapshot. The
// ETA assumes pending jobs take the historical average each and running
// jobs finish at their reported rate; it is advisory, not a promise.
func (a *Aggregator) Aggregate() Summary {
	snap := a.store.Snapshot()
	avg := a.store.AverageDuration()

	summary := Summary{Counts: snap.Counts}

	var pctSum float64
	var eta time.Duration
	considered := 0
	for _, job := range snap.Jobs {
		switch job.Status {
		case models.JobStatusCompleted:
			pctSum += 100
			considered++
		case models.JobStatusFailed, models.JobStatusCanceled:
			pctSum += 100
			considered++
		case models.JobStatusRunning:
			pctSum += job.Progress.Percent
			considered++
			if job.Progress.ETASeconds > 0 {
				eta += time.Duration(job.Progress.ETASeconds) * time.Second
			} else if avg > 0 {
				remaining := (100 - job.Progress.Percent) / 100
				eta += time.Duration(float64(avg) * remaining)
			}
		case models.JobStatusPending, models.JobStatusPaused:
			considered++
			eta += avg
		}
	}
	if considered > 0 {
		summary.OverallPct = pctSum / float64(considered)
	}
	summary.EstimatedETA = eta
	return summary
}
