// Package store persists evaluation runs and their per-frame results in the
// sqlite database shared with the job queue.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/spadeval/metrics"
)

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunError     = "error"
)

// Run is one evaluation of one checkpoint.
type Run struct {
	ID          string
	Option      string
	Model       string
	Noise       int
	Checkpoint  string
	Status      string
	Error       string
	Frames      int
	ValidPixels int
	Metrics     metrics.Summary
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Frame is the score of one prediction.
type Frame struct {
	RunID        string
	Index        int
	Filename     string
	ValidPixels  int
	RMSE         float64
	Delta1       float64
	RelAbsDiff   float64
	BoundaryHits int
}

// InitializeSchema creates the runs and frames tables if they don't exist.
func InitializeSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			option_name TEXT NOT NULL,
			model TEXT NOT NULL,
			noise INTEGER NOT NULL,
			checkpoint TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			frames INTEGER NOT NULL DEFAULT 0,
			valid_pixels INTEGER NOT NULL DEFAULT 0,
			metrics TEXT, -- JSON object
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			filename TEXT NOT NULL,
			valid_pixels INTEGER NOT NULL,
			rmse REAL NOT NULL,
			delta1 REAL NOT NULL,
			rel_abs_diff REAL NOT NULL,
			boundary_hits INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, idx),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("failed to initialize results schema: %w", err)
		}
	}
	return nil
}

// CreateRun inserts r as running. An empty ID is replaced by a new UUID and
// a zero StartedAt by the current time.
func CreateRun(db *sql.DB, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	r.Status = RunRunning
	_, err := db.Exec(`
	INSERT INTO runs (id, option_name, model, noise, checkpoint, status, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Option, r.Model, r.Noise, r.Checkpoint, r.Status, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final metrics of a run.
func FinishRun(db *sql.DB, id string, s metrics.Summary, frames, validPixels int) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	res, err := db.Exec(`
	UPDATE runs SET status = ?, metrics = ?, frames = ?, valid_pixels = ?, finished_at = ?
	WHERE id = ?`,
		RunCompleted, string(data), frames, validPixels, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return expectOne(res, id)
}

// FailRun marks a run as failed with the error that stopped it.
func FailRun(db *sql.DB, id string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		RunError, msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark run %s as failed: %w", id, err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// AddFrame records one frame of a run.
func AddFrame(db *sql.DB, f Frame) error {
	_, err := db.Exec(`
	INSERT OR REPLACE INTO frames (run_id, idx, filename, valid_pixels, rmse, delta1, rel_abs_diff, boundary_hits)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.Index, f.Filename, f.ValidPixels, f.RMSE, f.Delta1, f.RelAbsDiff, f.BoundaryHits)
	if err != nil {
		return fmt.Errorf("failed to record frame %s: %w", f.Filename, err)
	}
	return nil
}

const runColumns = `id, option_name, model, noise, checkpoint, status, COALESCE(error, ''),
	frames, valid_pixels, COALESCE(metrics, ''), started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var metricsJSON string
	var finished sql.NullTime
	err := s.Scan(&r.ID, &r.Option, &r.Model, &r.Noise, &r.Checkpoint, &r.Status, &r.Error,
		&r.Frames, &r.ValidPixels, &metricsJSON, &r.StartedAt, &finished)
	if err != nil {
		return Run{}, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &r.Metrics); err != nil {
			return Run{}, fmt.Errorf("run %s has malformed metrics: %w", r.ID, err)
		}
	}
	return r, nil
}

// GetRun returns the run with id, or nil if there is none.
func GetRun(db *sql.DB, id string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListRuns returns every run, newest first.
func ListRuns(db *sql.DB) ([]Run, error) {
	rows, err := db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FramesForRun returns a run's frames in evaluation order.
func FramesForRun(db *sql.DB, runID string) ([]Frame, error) {
	rows, err := db.Query(`
	SELECT run_id, idx, filename, valid_pixels, rmse, delta1, rel_abs_diff, boundary_hits
	FROM frames WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.RunID, &f.Index, &f.Filename, &f.ValidPixels, &f.RMSE, &f.Delta1, &f.RelAbsDiff, &f.BoundaryHits); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
