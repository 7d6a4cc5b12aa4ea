package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vidforge/vidforge/pkg/models"
)

// Journal persists queue snapshots for crash recovery and --resume.
// FileJournal and SQLiteJournal implement it.
type Journal interface {
	Save(snap *models.QueueSnapshot) error
	// Load returns nil without error when nothing has been journaled yet.
	Load() (*models.QueueSnapshot, error)
	Close() error
}

var ErrUnsupportedJournal = errors.New("unsupported journal type")

// JournalConfig selects and configures a journal backend.
type JournalConfig struct {
	Type string // "file" (default) or "sqlite"
	Path string // state file or database path
	Sync bool   // fsync after every file write
}

// NewJournal creates a journal from configuration.
func NewJournal(cfg JournalConfig) (Journal, error) {
	path := cfg.Path
	if path == "" {
		path = "vidforge-state.json"
	}
	switch cfg.Type {
	case "sqlite":
		if !strings.HasSuffix(path, ".db") && path == "vidforge-state.json" {
			path = "vidforge-state.db"
		}
		return NewSQLiteJournal(path)
	case "file", "":
		return NewFileJournal(path, cfg.Sync), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedJournal, cfg.Type)
	}
}

// FileJournal stores the snapshot as a single JSON document, written
// atomically via a temp file and rename.
type FileJournal struct {
	path       string
	enableSync bool
	mu         sync.Mutex
}

// NewFileJournal creates a JSON file journal at the given path.
func NewFileJournal(path string, enableSync bool) *FileJournal {
	return &FileJournal{path: path, enableSync: enableSync}
}

// Save writes the snapshot to disk atomically.
func (j *FileJournal) Save(snap *models.QueueSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tempPath := j.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if j.enableSync {
		f, err := os.OpenFile(tempPath, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open temp file for sync: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
		f.Close()
	}

	if err := os.Rename(tempPath, j.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot, or nil when the file does not exist.
func (j *FileJournal) Load() (*models.QueueSnapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap models.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &snap, nil
}

// Close is a no-op for the file journal.
func (j *FileJournal) Close() error {
	return nil
}
