// Package runstore keeps a SQLite mirror of stage execution history:
// timings, status and trainer losses. It powers the status and watch
// commands only — the RECORD file remains the sole resume authority, and
// a missing or stale mirror never affects a run.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qcloop/qcloop/internal/domain"
)

// StageRunStatus is the execution state of one stage attempt.
type StageRunStatus string

const (
	RunRunning   StageRunStatus = "running"
	RunCompleted StageRunStatus = "completed"
	RunFailed    StageRunStatus = "failed"
)

// StageRun is one persisted stage attempt.
type StageRun struct {
	JobID      string
	StageID    domain.StageID
	Status     StageRunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	TrainLoss  *float64
	TestLoss   *float64
	Error      string
}

// DBName is the history database file inside a workdir.
const DBName = ".history.db"

// Store provides SQLite-backed stage-run persistence.
type Store struct {
	db *sql.DB
}

// New creates a Store at the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records the start of a stage attempt. A previous attempt with the
// same job ID is overwritten — restarts reuse the deterministic job ID.
func (s *Store) Begin(jobID string, stage domain.StageID) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_runs (job_id, stage_id, status, started_at, finished_at, train_loss, test_loss, error_message)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, '')
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = NULL,
			train_loss = NULL,
			test_loss = NULL,
			error_message = ''
	`, jobID, stage.String(), string(RunRunning), time.Now())
	return err
}

// Complete marks a stage attempt finished.
func (s *Store) Complete(jobID string) error {
	_, err := s.db.Exec(`UPDATE stage_runs SET status = ?, finished_at = ? WHERE job_id = ?`,
		string(RunCompleted), time.Now(), jobID)
	return err
}

// Fail marks a stage attempt failed with an error message.
func (s *Store) Fail(jobID string, msg string) error {
	_, err := s.db.Exec(`UPDATE stage_runs SET status = ?, finished_at = ?, error_message = ? WHERE job_id = ?`,
		string(RunFailed), time.Now(), msg, jobID)
	return err
}

// RecordLosses stores the final trainer losses for a stage attempt.
func (s *Store) RecordLosses(jobID string, trainLoss, testLoss float64) error {
	_, err := s.db.Exec(`UPDATE stage_runs SET train_loss = ?, test_loss = ? WHERE job_id = ?`,
		trainLoss, testLoss, jobID)
	return err
}

// Get retrieves a stage run by job ID.
func (s *Store) Get(jobID string) (*StageRun, error) {
	row := s.db.QueryRow(`
		SELECT job_id, stage_id, status, started_at, finished_at, train_loss, test_loss, error_message
		FROM stage_runs WHERE job_id = ?
	`, jobID)
	return scanRun(row.Scan)
}

// List returns all stage runs ordered by start time.
func (s *Store) List() ([]*StageRun, error) {
	rows, err := s.db.Query(`
		SELECT job_id, stage_id, status, started_at, finished_at, train_loss, test_loss, error_message
		FROM stage_runs ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*StageRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...any) error) (*StageRun, error) {
	var run StageRun
	var stageID, status string
	var finishedAt sql.NullTime
	var trainLoss, testLoss sql.NullFloat64
	var errMsg sql.NullString

	if err := scan(&run.JobID, &stageID, &status, &run.StartedAt, &finishedAt, &trainLoss, &testLoss, &errMsg); err != nil {
		return nil, err
	}

	id, err := domain.ParseStageID(stageID)
	if err != nil {
		return nil, fmt.Errorf("stored stage ID: %w", err)
	}
	run.StageID = id
	run.Status = StageRunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if trainLoss.Valid {
		run.TrainLoss = &trainLoss.Float64
	}
	if testLoss.Valid {
		run.TestLoss = &testLoss.Float64
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}
