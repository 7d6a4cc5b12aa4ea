package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
	"github.com/vidforge/vidforge/pkg/retry"
)

// fileState tracks one candidate across scans for the stability gate.
type fileState struct {
	size    int64
	modTime time.Time
	stable  int // consecutive scans with identical size and mtime
}

// Producer scans a watch directory, enqueues settled files and routes
// inputs to _completed/ or _failed/ when their jobs reach a terminal
// state. A claim marker next to each enqueued file makes the hand-off
// crash safe: a second producer (or a restarted one) skips claimed files.
type Producer struct {
	config *Config
	store  *queue.Store
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	candidates map[string]*fileState
	claimed    map[string]string // input path -> job ID
	enqueued   int64
}

// NewProducer creates a producer for the given store.
func NewProducer(config *Config, store *queue.Store, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		config:     config,
		store:      store,
		logger:     logger.WithField("component", "watch"),
		ctx:        ctx,
		cancel:     cancel,
		candidates: make(map[string]*fileState),
		claimed:    make(map[string]string),
	}
}

// Start prepares the directories, reconciles stale claims from a previous
// run and launches the scan loop.
func (p *Producer) Start() error {
	for _, dir := range []string{
		p.config.WatchDir,
		p.config.OutputDir,
		filepath.Join(p.config.WatchDir, completedSubdir),
		filepath.Join(p.config.WatchDir, failedSubdir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := p.reconcileClaims(); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.run()
	p.logger.Info("watching for inputs", map[string]interface{}{
		"dir":       p.config.WatchDir,
		"interval":  p.config.ScanInterval,
		"recursive": p.config.Recursive,
	})
	return nil
}

// Stop halts scanning. In-flight jobs keep running; their inputs are
// routed on the next start.
func (p *Producer) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Enqueued returns how many files this producer has handed to the queue.
func (p *Producer) Enqueued() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueued
}

// reconcileClaims matches leftover claim markers from a previous run
// against the store. A marker holds the job ID it was claimed for; when
// journal recovery restored that job, the claim is adopted so terminal
// routing resumes instead of the scanner enqueueing the input a second
// time. Markers with no matching job are removed so the file is picked
// up fresh.
func (p *Producer) reconcileClaims() error {
	snap := p.store.Snapshot()
	byID := make(map[string]bool, len(snap.Jobs))
	liveByInput := make(map[string]string)
	for _, job := range snap.Jobs {
		byID[job.ID] = true
		if !models.IsTerminal(job.Status) {
			liveByInput[job.InputRef] = job.ID
		}
	}

	return filepath.WalkDir(p.config.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return p.skipRouted(path, d, err)
		}
		if !strings.HasSuffix(path, claimSuffix) {
			return nil
		}
		input := strings.TrimSuffix(path, claimSuffix)
		if _, statErr := os.Stat(input); statErr != nil {
			// Input already routed away; the marker is litter.
			os.Remove(path) //nolint:errcheck
			return nil
		}

		jobID := readClaim(path)
		if jobID == "" {
			// Crash between claiming and recording the ID; fall back to
			// matching a live job by input path.
			jobID = liveByInput[input]
		}
		if byID[jobID] {
			p.mu.Lock()
			p.claimed[input] = jobID
			p.mu.Unlock()
			p.logger.Info("adopted claim from previous run", map[string]interface{}{
				"file":   input,
				"job_id": jobID,
			})
			return nil
		}

		p.logger.Warn("removing stale claim from previous run", map[string]interface{}{
			"file": input,
		})
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("failed to remove stale claim %s: %w", path, rmErr)
		}
		return nil
	})
}

func readClaim(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (p *Producer) run() {
	defer p.wg.Done()

	scan := time.NewTicker(p.config.ScanIntervalDuration())
	defer scan.Stop()
	stability := time.NewTicker(p.config.StabilityIntervalDuration())
	defer stability.Stop()

	for {
		select {
		case <-scan.C:
			p.scan()
			p.routeFinished()
		case <-stability.C:
			p.checkCandidates()
		case <-p.ctx.Done():
			return
		}
	}
}

// scan discovers new candidate files. Discovery only registers them; the
// stability gate decides when they are enqueued.
func (p *Producer) scan() {
	err := filepath.WalkDir(p.config.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return p.skipRouted(path, d, err)
		}
		name := d.Name()
		if strings.HasSuffix(name, claimSuffix) || strings.HasSuffix(name, errorSuffix) {
			return nil
		}
		if !p.matches(name) {
			return nil
		}
		if _, err := os.Stat(path + claimSuffix); err == nil {
			return nil // already claimed
		}

		p.mu.Lock()
		if _, tracked := p.candidates[path]; !tracked {
			if _, enqueued := p.claimed[path]; !enqueued {
				p.candidates[path] = &fileState{}
			}
		}
		p.mu.Unlock()
		return nil
	})
	if err != nil {
		p.logger.Error("scan failed", map[string]interface{}{"error": err.Error()})
	}
}

// skipRouted prunes the walk at the routing subdirectories and, outside
// recursive mode, every other subdirectory as well.
func (p *Producer) skipRouted(path string, d fs.DirEntry, err error) error {
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !d.IsDir() || path == p.config.WatchDir {
		return nil
	}
	name := d.Name()
	if name == completedSubdir || name == failedSubdir {
		return fs.SkipDir
	}
	if !p.config.Recursive {
		return fs.SkipDir
	}
	return nil
}

func (p *Producer) matches(name string) bool {
	for _, pattern := range p.config.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	for _, pattern := range p.config.Include {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// checkCandidates advances the stability counter for every candidate and
// enqueues the ones that settled.
func (p *Producer) checkCandidates() {
	p.mu.Lock()
	paths := make([]string, 0, len(p.candidates))
	for path := range p.candidates {
		paths = append(paths, path)
	}
	p.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			// Removed or renamed while settling.
			p.mu.Lock()
			delete(p.candidates, path)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		state := p.candidates[path]
		if state == nil {
			p.mu.Unlock()
			continue
		}
		if info.Size() == state.size && info.ModTime().Equal(state.modTime) {
			state.stable++
		} else {
			state.size = info.Size()
			state.modTime = info.ModTime()
			state.stable = 0
		}
		settled := state.stable >= p.config.Stability.Checks
		if settled {
			delete(p.candidates, path)
		}
		p.mu.Unlock()

		if settled {
			p.enqueueFile(path)
		}
	}
}

// enqueueFile claims the file and creates its job. The claim marker is
// created exclusively; losing the race to another producer is not an error.
func (p *Producer) enqueueFile(path string) {
	marker, err := os.OpenFile(path+claimSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return // claimed elsewhere
		}
		p.logger.Error("failed to claim file", map[string]interface{}{
			"file":  path,
			"error": err.Error(),
		})
		return
	}

	jobID, err := p.store.Enqueue(queue.EnqueueRequest{
		InputRef:       path,
		OutputPath:     p.outputFor(path),
		Spec:           p.config.Spec,
		MaxAttempts:    p.config.MaxAttempts,
		TimeoutSeconds: p.config.TimeoutSeconds,
	})
	if err != nil {
		marker.Close()
		os.Remove(path + claimSuffix) //nolint:errcheck
		p.logger.Error("failed to enqueue file", map[string]interface{}{
			"file":  path,
			"error": err.Error(),
		})
		return
	}
	fmt.Fprintln(marker, jobID) //nolint:errcheck
	marker.Close()

	p.mu.Lock()
	p.claimed[path] = jobID
	p.enqueued++
	p.mu.Unlock()

	p.logger.Info("file enqueued", map[string]interface{}{
		"file":   path,
		"job_id": jobID,
	})
}

func (p *Producer) outputFor(input string) string {
	return filepath.Join(p.config.OutputDir, filepath.Base(input))
}

// routeFinished moves inputs whose jobs reached a terminal state.
func (p *Producer) routeFinished() {
	p.mu.Lock()
	tracked := make(map[string]string, len(p.claimed))
	for path, jobID := range p.claimed {
		tracked[path] = jobID
	}
	p.mu.Unlock()
	if len(tracked) == 0 {
		return
	}

	snap := p.store.Snapshot()
	byID := make(map[string]*models.Job, len(snap.Jobs))
	for _, job := range snap.Jobs {
		byID[job.ID] = job
	}

	for path, jobID := range tracked {
		job, ok := byID[jobID]
		if !ok {
			// Purged before routing; treat the input as done.
			p.release(path)
			continue
		}
		switch job.Status {
		case models.JobStatusCompleted:
			p.routeCompleted(path)
		case models.JobStatusFailed:
			p.routeFailed(path, job.Error)
		case models.JobStatusCanceled:
			// Canceled inputs stay where they are for the operator, but the
			// claim is dropped so a re-drop picks them up again.
			os.Remove(path + claimSuffix) //nolint:errcheck
			p.release(path)
		}
	}
}

func (p *Producer) routeCompleted(path string) {
	var err error
	if p.config.OnComplete == "delete" {
		err = os.Remove(path)
	} else {
		err = p.move(path, filepath.Join(p.config.WatchDir, completedSubdir, filepath.Base(path)))
	}
	if err != nil {
		p.logger.Error("failed to route completed input", map[string]interface{}{
			"file":  path,
			"error": err.Error(),
		})
		return // retried on the next tick
	}
	os.Remove(path + claimSuffix) //nolint:errcheck
	p.release(path)
}

func (p *Producer) routeFailed(path, detail string) {
	dest := filepath.Join(p.config.WatchDir, failedSubdir, filepath.Base(path))
	if err := p.move(path, dest); err != nil {
		p.logger.Error("failed to route failed input", map[string]interface{}{
			"file":  path,
			"error": err.Error(),
		})
		return
	}
	if detail != "" {
		sidecar := dest + errorSuffix
		if err := os.WriteFile(sidecar, []byte(detail+"\n"), 0644); err != nil {
			p.logger.Warn("failed to write error sidecar", map[string]interface{}{
				"file":  sidecar,
				"error": err.Error(),
			})
		}
	}
	os.Remove(path + claimSuffix) //nolint:errcheck
	p.release(path)
}

// move renames with a short retry, falling back through transient
// filesystem errors (busy NFS handles and the like).
func (p *Producer) move(src, dst string) error {
	cfg := retry.Config{MaxRetries: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2.0}
	return retry.Do(p.ctx, cfg, func() error {
		err := os.Rename(src, dst)
		if err != nil && os.IsNotExist(err) {
			return nil // already routed
		}
		return err
	})
}

func (p *Producer) release(path string) {
	p.mu.Lock()
	delete(p.claimed, path)
	p.mu.Unlock()
}
