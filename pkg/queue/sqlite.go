package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vidforge/vidforge/pkg/models"
)

// SQLiteJournal persists queue snapshots in a SQLite database. Preferable
// to the JSON file for large queues: saves replace rows inside one
// transaction instead of rewriting the whole document.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteJournal opens (or creates) the journal database.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	// WAL + busy timeout for safe access when a status CLI reads while
	// the daemon writes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY on concurrent terminal transitions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		input_ref TEXT NOT NULL,
		output_path TEXT NOT NULL,
		spec TEXT,
		status TEXT NOT NULL,
		progress TEXT,
		attempt_count INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		error TEXT,
		state_transitions TEXT
	);

	CREATE TABLE IF NOT EXISTS queue_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Save replaces the journaled queue with the given snapshot in one
// transaction.
func (j *SQLiteJournal) Save(snap *models.QueueSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO jobs
		(id, input_ref, output_path, spec, status, progress, attempt_count,
		 max_attempts, timeout_seconds, created_at, started_at, finished_at,
		 error, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, job := range snap.Jobs {
		spec, err := json.Marshal(job.Spec)
		if err != nil {
			return fmt.Errorf("failed to marshal spec for %s: %w", job.ID, err)
		}
		progress, err := json.Marshal(job.Progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress for %s: %w", job.ID, err)
		}
		transitions, err := json.Marshal(job.StateTransitions)
		if err != nil {
			return fmt.Errorf("failed to marshal transitions for %s: %w", job.ID, err)
		}

		if _, err := stmt.Exec(
			job.ID, job.InputRef, job.OutputPath, string(spec), string(job.Status),
			string(progress), job.AttemptCount, job.MaxAttempts, job.TimeoutSeconds,
			job.CreatedAt, nullableTime(job.StartedAt), nullableTime(job.FinishedAt),
			job.Error, string(transitions),
		); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO queue_meta (key, value) VALUES ('paused', ?), ('taken_at', ?)
	`, fmt.Sprintf("%t", snap.Paused), snap.TakenAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	return tx.Commit()
}

// Load reads the journaled queue in insertion order. Returns nil when the
// journal is empty.
func (j *SQLiteJournal) Load() (*models.QueueSnapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT id, input_ref, output_path, spec, status, progress, attempt_count,
		       max_attempts, timeout_seconds, created_at, started_at, finished_at,
		       error, state_transitions
		FROM jobs ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	snap := &models.QueueSnapshot{
		Counts: make(map[models.JobStatus]int),
	}

	for rows.Next() {
		var (
			job                     models.Job
			specJSON, progressJSON  string
			transitionsJSON, status string
			startedAt, finishedAt   sql.NullTime
			errMsg                  sql.NullString
		)
		if err := rows.Scan(
			&job.ID, &job.InputRef, &job.OutputPath, &specJSON, &status,
			&progressJSON, &job.AttemptCount, &job.MaxAttempts, &job.TimeoutSeconds,
			&job.CreatedAt, &startedAt, &finishedAt, &errMsg, &transitionsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}

		job.Status = models.JobStatus(status)
		if errMsg.Valid {
			job.Error = errMsg.String
		}
		if startedAt.Valid {
			t := startedAt.Time
			job.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			job.FinishedAt = &t
		}
		if specJSON != "" && specJSON != "null" {
			if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
				return nil, fmt.Errorf("failed to parse spec for %s: %w", job.ID, err)
			}
		}
		if progressJSON != "" {
			if err := json.Unmarshal([]byte(progressJSON), &job.Progress); err != nil {
				return nil, fmt.Errorf("failed to parse progress for %s: %w", job.ID, err)
			}
		}
		if transitionsJSON != "" && transitionsJSON != "null" {
			if err := json.Unmarshal([]byte(transitionsJSON), &job.StateTransitions); err != nil {
				return nil, fmt.Errorf("failed to parse transitions for %s: %w", job.ID, err)
			}
		}

		snap.Jobs = append(snap.Jobs, &job)
		snap.Counts[job.Status]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	if len(snap.Jobs) == 0 {
		return nil, nil
	}

	var pausedStr string
	if err := j.db.QueryRow(`SELECT value FROM queue_meta WHERE key = 'paused'`).Scan(&pausedStr); err == nil {
		snap.Paused = pausedStr == "true"
	}
	var takenStr string
	if err := j.db.QueryRow(`SELECT value FROM queue_meta WHERE key = 'taken_at'`).Scan(&takenStr); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, takenStr); err == nil {
			snap.TakenAt = t
		}
	}

	return snap, nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
