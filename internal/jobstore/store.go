// Package jobstore persists activity job state and result matrices.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job result is not stored.
var ErrNotFound = errors.New("not found")

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ResultKind names a stored result matrix.
type ResultKind string

const (
	KindScores  ResultKind = "scores"
	KindRejects ResultKind = "rejects"
)

// JobParams contains the parameters for an activity job.
type JobParams struct {
	DatasetID  string  `json:"dataset_id"`
	Iterations int     `json:"iterations"`
	Strategy   string  `json:"strategy"`
	Alpha      float64 `json:"alpha"`
	Seed       uint64  `json:"seed"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// JobCounts summarises what a finished run produced.
type JobCounts struct {
	Samples  int `json:"samples"`
	TFs      int `json:"tfs"`
	Skipped  int `json:"skipped"`
	Failures int `json:"failures"`
}

// Job represents an activity inference job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	Counts     JobCounts   `json:"counts"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// NewJob returns a queued job with a fresh ID.
func NewJob(params JobParams) *Job {
	return &Job{
		ID:        uuid.NewString(),
		DatasetID: params.DatasetID,
		Status:    JobStatusQueued,
		Params:    params,
		Progress:  JobProgress{Phase: "queued"},
		CreatedAt: time.Now().UTC(),
	}
}

type jobRow struct {
	ID         string         `db:"job_id"`
	DatasetID  string         `db:"dataset_id"`
	Status     string         `db:"status"`
	ParamsJSON string         `db:"params_json"`
	Phase      string         `db:"phase"`
	Done       int            `db:"done"`
	Total      int            `db:"total"`
	Samples    int            `db:"n_samples"`
	TFs        int            `db:"n_tfs"`
	Skipped    int            `db:"n_skipped"`
	Failures   int            `db:"n_failures"`
	Error      string         `db:"error"`
	CreatedAt  string         `db:"created_at"`
	StartedAt  sql.NullString `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
}

const jobColumns = `job_id, dataset_id, status, params_json, phase, done, total,
	n_samples, n_tfs, n_skipped, n_failures, error, created_at, started_at, finished_at`

func (r *jobRow) job() (*Job, error) {
	job := &Job{
		ID:        r.ID,
		DatasetID: r.DatasetID,
		Status:    JobStatus(r.Status),
		Progress:  JobProgress{Phase: r.Phase, Done: r.Done, Total: r.Total},
		Counts:    JobCounts{Samples: r.Samples, TFs: r.TFs, Skipped: r.Skipped, Failures: r.Failures},
		Error:     r.Error,
	}
	if err := json.Unmarshal([]byte(r.ParamsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	job.CreatedAt, _ = time.Parse(timeLayout, r.CreatedAt)
	if r.StartedAt.Valid {
		t, _ := time.Parse(timeLayout, r.StartedAt.String)
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t, _ := time.Parse(timeLayout, r.FinishedAt.String)
		job.FinishedAt = &t
	}
	return job, nil
}

// Store provides persistent storage for jobs on SQLite or PostgreSQL.
type Store struct {
	db     *sqlx.DB
	driver string
	mu     sync.Mutex

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open connects to the job database. driver is "sqlite" (dsn is a file
// path) or "postgres" (dsn is a connection URL).
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
		db, err = sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	case "postgres":
		db, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", driver)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, driver: driver, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	blob := "BLOB"
	if s.driver == "postgres" {
		blob = "BYTEA"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS activity_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_samples INTEGER DEFAULT 0,
		n_tfs INTEGER DEFAULT 0,
		n_skipped INTEGER DEFAULT 0,
		n_failures INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_activity_jobs_dataset ON activity_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_activity_jobs_status ON activity_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_activity_jobs_finished ON activity_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS activity_results (
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload ` + blob + ` NOT NULL,
		raw_size INTEGER NOT NULL,
		PRIMARY KEY (job_id, kind)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func now() string { return time.Now().UTC().Format(timeLayout) }

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO activity_jobs (job_id, dataset_id, status, params_json, phase, done, total, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM activity_jobs WHERE job_id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.job()
}

// UpdateJobStatus updates the job status and error message. Terminal
// statuses also set finished_at.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := now()
		finishedAt = &t
	}
	_, err := s.exec(ctx, `
		UPDATE activity_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		UPDATE activity_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now(), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, p JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		UPDATE activity_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, p.Phase, p.Done, p.Total, jobID)
	return err
}

// UpdateJobParams replaces the stored parameters, e.g. once defaults have been resolved.
func (s *Store) UpdateJobParams(ctx context.Context, jobID string, params JobParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = s.exec(ctx, `
		UPDATE activity_jobs SET params_json = ?
		WHERE job_id = ?
	`, string(paramsJSON), jobID)
	return err
}

// UpdateJobCounts records the result dimensions.
func (s *Store) UpdateJobCounts(ctx context.Context, jobID string, c JobCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.exec(ctx, `
		UPDATE activity_jobs SET n_samples = ?, n_tfs = ?, n_skipped = ?, n_failures = ?
		WHERE job_id = ?
	`, c.Samples, c.TFs, c.Skipped, c.Failures, jobID)
	return err
}

// PutResult stores a result payload, replacing any previous one of the same kind.
func (s *Store) PutResult(ctx context.Context, jobID string, kind ResultKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := s.enc.EncodeAll(payload, nil)
	_, err := s.exec(ctx, `
		INSERT INTO activity_results (job_id, kind, payload, raw_size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, kind) DO UPDATE SET payload = excluded.payload, raw_size = excluded.raw_size
	`, jobID, string(kind), compressed, len(payload))
	return err
}

// GetResult returns a stored result payload or ErrNotFound.
func (s *Store) GetResult(ctx context.Context, jobID string, kind ResultKind) ([]byte, error) {
	var row struct {
		Payload []byte `db:"payload"`
		RawSize int    `db:"raw_size"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT payload, raw_size FROM activity_results WHERE job_id = ? AND kind = ?
	`), jobID, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s result for job %s: %w", kind, jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out, err := s.dec.DecodeAll(row.Payload, make([]byte, 0, row.RawSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s result: %w", kind, err)
	}
	return out, nil
}

func (s *Store) selectJobs(ctx context.Context, where string, args ...interface{}) ([]*Job, error) {
	var rows []jobRow
	query := `SELECT ` + jobColumns + ` FROM activity_jobs ` + where
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(ctx context.Context, datasetID string) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE dataset_id = ? ORDER BY created_at DESC`, datasetID)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	return s.selectJobs(ctx, `WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(ctx context.Context, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `
		UPDATE activity_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now(), string(JobStatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs deletes finished jobs older than retention.
func (s *Store) DeleteExpiredJobs(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	_, err := s.exec(ctx, `
		DELETE FROM activity_results WHERE job_id IN (
			SELECT job_id FROM activity_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	res, err := s.exec(ctx, `
		DELETE FROM activity_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.exec(ctx, "DELETE FROM activity_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.exec(ctx, "DELETE FROM activity_jobs WHERE job_id = ?", jobID)
	return err
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }
