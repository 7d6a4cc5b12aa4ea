package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
)

func enqueue(t *testing.T, s *queue.Store, n int, maxAttempts, timeoutSeconds int) []string {
	t.Helper()
	dir := t.TempDir()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Enqueue(queue.EnqueueRequest{
			InputRef:       "/media/in/clip.mkv",
			OutputPath:     filepath.Join(dir, "clip.mkv"),
			MaxAttempts:    maxAttempts,
			TimeoutSeconds: timeoutSeconds,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func drain(t *testing.T, pool *Pool) {
	t.Helper()
	pool.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.WaitDrained(ctx); err != nil {
		t.Fatalf("pool did not drain: %v", err)
	}
	pool.Stop()
}

func fastConfig(workers int) Config {
	return Config{Workers: workers, PollInterval: 10 * time.Millisecond, GracePeriod: 100 * time.Millisecond}
}

func TestPoolDrainsQueue(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 6, 1, 0)

	backend := BackendFunc(func(job *models.Job, onProgress ProgressFunc, token *models.CancelToken) models.Outcome {
		onProgress(job.ID, models.Progress{Stage: "enhance", Percent: 50})
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	drain(t, NewPool(s, backend, fastConfig(3), nil, nil))

	for _, id := range ids {
		job, err := s.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != models.JobStatusCompleted {
			t.Errorf("job %s status = %s, want completed", id, job.Status)
		}
		if job.Progress.Percent != 100 {
			t.Errorf("job %s percent = %v, want 100", id, job.Progress.Percent)
		}
	}
}

func TestPoolConcurrencyBound(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	enqueue(t, s, 12, 1, 0)

	const workers = 3
	var current, peak int64
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, _ *models.CancelToken) models.Outcome {
		n := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	drain(t, NewPool(s, backend, fastConfig(workers), nil, nil))

	if p := atomic.LoadInt64(&peak); p > workers {
		t.Errorf("observed %d concurrent attempts, limit is %d", p, workers)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 1, 3, 0)

	var calls int64
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, _ *models.CancelToken) models.Outcome {
		atomic.AddInt64(&calls, 1)
		return models.Failure(errors.New("encoder crashed"))
	})

	drain(t, NewPool(s, backend, fastConfig(1), nil, nil))

	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Errorf("backend invoked %d times, want exactly 3", n)
	}
	job, _ := s.Get(ids[0])
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", job.AttemptCount)
	}
}

func TestPoolPanicIsolation(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 2, 1, 0)

	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, _ *models.CancelToken) models.Outcome {
		if job.ID == ids[0] {
			panic("corrupt frame buffer")
		}
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	drain(t, NewPool(s, backend, fastConfig(1), nil, nil))

	crashed, _ := s.Get(ids[0])
	if crashed.Status != models.JobStatusFailed {
		t.Errorf("panicking job status = %s, want failed", crashed.Status)
	}
	if crashed.Error == "" {
		t.Error("panic detail not recorded")
	}

	// The worker survived and processed the next job.
	ok, _ := s.Get(ids[1])
	if ok.Status != models.JobStatusCompleted {
		t.Errorf("follow-up job status = %s, want completed", ok.Status)
	}
}

func TestPoolTimeoutRetries(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 1, 2, 1)

	var calls int64
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, token *models.CancelToken) models.Outcome {
		if atomic.AddInt64(&calls, 1) == 1 {
			// First attempt hangs until the timeout cancels it.
			<-token.Done()
			return models.Outcome{Kind: models.OutcomeCanceled}
		}
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	drain(t, NewPool(s, backend, fastConfig(1), nil, nil))

	job, _ := s.Get(ids[0])
	if job.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want completed after retry", job.Status)
	}
	if job.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", job.AttemptCount)
	}

	// The timed-out attempt was recorded as a failure, not a cancel.
	var sawRetry bool
	for _, tr := range job.StateTransitions {
		if tr.From == models.JobStatusRunning && tr.To == models.JobStatusPending {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Error("no retry transition recorded for the timed-out attempt")
	}
}

func TestPoolForceFailsStuckBackend(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 1, 3, 1)

	release := make(chan struct{})
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, _ *models.CancelToken) models.Outcome {
		// Ignores the cancel entirely.
		<-release
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	pool := NewPool(s, backend, fastConfig(1), nil, nil)
	drain(t, pool)
	close(release)

	job, _ := s.Get(ids[0])
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want failed after grace expiry", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, force-fail must be terminal", job.AttemptCount)
	}
}

func TestPoolUserCancelMidRun(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 1, 3, 0)

	started := make(chan struct{})
	var once sync.Once
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, token *models.CancelToken) models.Outcome {
		once.Do(func() { close(started) })
		<-token.Done()
		return models.Outcome{Kind: models.OutcomeCanceled}
	})

	pool := NewPool(s, backend, fastConfig(1), nil, nil)
	pool.Start()

	<-started
	ok, err := s.Cancel(ids[0])
	if err != nil || !ok {
		t.Fatalf("Cancel = (%v, %v)", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.WaitDrained(ctx); err != nil {
		t.Fatal(err)
	}
	pool.Stop()

	job, _ := s.Get(ids[0])
	if job.Status != models.JobStatusCanceled {
		t.Errorf("status = %s, want canceled (no retry of a user cancel)", job.Status)
	}
}

func TestPoolStopImmediatelyCancelsRunning(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 2, 1, 0)

	started := make(chan struct{})
	var once sync.Once
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, token *models.CancelToken) models.Outcome {
		once.Do(func() { close(started) })
		<-token.Done()
		return models.Outcome{Kind: models.OutcomeCanceled}
	})

	pool := NewPool(s, backend, fastConfig(1), nil, nil)
	pool.Start()

	<-started
	pool.StopImmediately()

	running, _ := s.Get(ids[0])
	if running.Status != models.JobStatusCanceled {
		t.Errorf("in-flight job status = %s, want canceled", running.Status)
	}
	waiting, _ := s.Get(ids[1])
	if waiting.Status != models.JobStatusPending {
		t.Errorf("queued job status = %s, want pending (untouched)", waiting.Status)
	}
}

func TestPoolStopLeavesPendingWork(t *testing.T) {
	s := queue.NewStore(queue.Options{})
	ids := enqueue(t, s, 3, 1, 0)

	gate := make(chan struct{})
	backend := BackendFunc(func(job *models.Job, _ ProgressFunc, _ *models.CancelToken) models.Outcome {
		<-gate
		return models.Outcome{Kind: models.OutcomeSuccess}
	})

	pool := NewPool(s, backend, fastConfig(1), nil, nil)
	pool.Start()

	// Let the single worker pick up the first job, then stop.
	deadline := time.After(5 * time.Second)
	for pool.Active() == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never started a job")
		case <-time.After(5 * time.Millisecond):
		}
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	pool.Stop()

	snap := s.Snapshot()
	if got := snap.Count(models.JobStatusPending); got != 2 {
		t.Errorf("pending after stop = %d, want 2", got)
	}
	first, _ := s.Get(ids[0])
	if first.Status != models.JobStatusCompleted {
		t.Errorf("in-flight job status = %s, want completed (graceful stop)", first.Status)
	}
}
