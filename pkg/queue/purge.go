package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
)

// PurgeConfig defines retention policy for terminal jobs
type PurgeConfig struct {
	Enabled   bool
	Retention time.Duration // how long Completed/Failed/Canceled jobs stay visible
	Interval  time.Duration // how often the sweep runs
}

// DefaultPurgeConfig returns sensible defaults for long-running daemons
func DefaultPurgeConfig() PurgeConfig {
	return PurgeConfig{
		Enabled:   true,
		Retention: 7 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// PurgeManager periodically removes terminal jobs past the retention
// window. Terminal jobs otherwise stay visible for inspection forever.
type PurgeManager struct {
	config PurgeConfig
	store  *Store
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	totalRemoved int64
	lastSweep    time.Time
}

// NewPurgeManager creates a purge manager for the given store.
func NewPurgeManager(store *Store, config PurgeConfig, logger *logging.Logger) *PurgeManager {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PurgeManager{
		config: config,
		store:  store,
		logger: logger.WithField("component", "purge"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the background sweep loop.
func (pm *PurgeManager) Start() {
	if !pm.config.Enabled {
		return
	}
	pm.wg.Add(1)
	go pm.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (pm *PurgeManager) Stop() {
	pm.cancel()
	pm.wg.Wait()
}

// Sweep runs one purge pass immediately and returns the number removed.
func (pm *PurgeManager) Sweep() int {
	removed := pm.store.Purge(pm.config.Retention)

	pm.mu.Lock()
	pm.totalRemoved += int64(removed)
	pm.lastSweep = time.Now()
	pm.mu.Unlock()

	return removed
}

// TotalRemoved returns the number of jobs removed since start.
func (pm *PurgeManager) TotalRemoved() int64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.totalRemoved
}

func (pm *PurgeManager) run() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pm.Sweep()
		case <-pm.ctx.Done():
			return
		}
	}
}
