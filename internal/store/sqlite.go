package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calebwren/imagegate/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    pipeline    TEXT NOT NULL,
    params      TEXT NOT NULL,
    output      BLOB,
    error_kind  TEXT,
    error       TEXT,
    timings     TEXT,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	timings, err := marshalTimings(j.Timings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, status, pipeline, params, output, error_kind, error,
			timings, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Pipeline, string(params), j.Output, j.ErrorKind, j.Error,
		timings, j.DurationMS, j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, pipeline, params, output, error_kind, error,
			timings, duration_ms, created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id,
	)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, pipeline, params, output, error_kind, error,
			timings, duration_ms, created_at, started_at, finished_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus updates the status of a job. For terminal statuses it also
// sets finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	var result sql.Result
	var err error

	if status == model.StatusCompleted || status == model.StatusFailed {
		result, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE jobs SET status = ? WHERE id = ?",
			status, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateJob updates the mutable fields of a job record.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j *model.Job) error {
	timings, err := marshalTimings(j.Timings)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, output = ?, error_kind = ?, error = ?,
			timings = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Output, j.ErrorKind, j.Error,
		timings, j.DurationMS, j.StartedAt, j.FinishedAt, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetJobStats computes aggregate statistics over all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus:   make(map[string]int),
		CountByPipeline: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, pipeline, COUNT(*) FROM jobs GROUP BY status, pipeline")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, pipeline string
		var count int
		if err := rows.Scan(&status, &pipeline, &count); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByPipeline[pipeline] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func marshalTimings(timings []model.StageTiming) (sql.NullString, error) {
	if timings == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(timings)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal timings: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// scanJob reads one job row, decoding the params and timings JSON columns.
func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	j := &model.Job{}
	var params string
	var timings sql.NullString

	if err := scan(
		&j.ID, &j.Status, &j.Pipeline, &params, &j.Output, &j.ErrorKind, &j.Error,
		&timings, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if timings.Valid {
		if err := json.Unmarshal([]byte(timings.String), &j.Timings); err != nil {
			return nil, fmt.Errorf("unmarshal timings: %w", err)
		}
	}
	return j, nil
}
