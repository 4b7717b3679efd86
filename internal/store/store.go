package store

import (
	"context"
	"errors"

	"github.com/calebwren/imagegate/internal/model"
)

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByPipeline map[string]int `json:"count_by_pipeline"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for asynchronous jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	UpdateJob(ctx context.Context, j *model.Job) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
