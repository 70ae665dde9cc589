// Package store defines the Job Store contract: a concurrent-read,
// serialized-write table of jobs with WAL-backed durability.
package store

import (
	"context"
	"errors"
	"time"

	"jobserver/pkg/models"
)

var (
	// ErrInvalidID is returned when a Job ID fails the path-safe pattern.
	ErrInvalidID = errors.New("store: invalid job id")
	// ErrInvalidStatus is returned when a Job status is not a recognised value.
	ErrInvalidStatus = errors.New("store: invalid job status")
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("store: not found")
)

// ListOptions filters and paginates List/ListAll.
type ListOptions struct {
	Status       models.Status
	Tab          string // "failed" etc, mirrors dashboard tab semantics
	Limit        int
	Offset       int
	IncludeTotal bool
}

// ListResult carries a page of jobs plus optional total count.
type ListResult struct {
	Jobs  []*models.Job
	Total int
	// HasMore indicates whether more rows exist beyond this page.
	HasMore bool
}

// Counts tallies jobs per status for a pipeline.
type Counts struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Paused    int
}

// PipelineStat is one row of PipelineStats.
type PipelineStat struct {
	PipelineID    string
	Counts        Counts
	LastCompleted *time.Time
}

// BulkImportResult reports the outcome of BulkImport.
type BulkImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// Health reports the store's operating mode.
type Health struct {
	Status              string // healthy, degraded, not_initialized
	DBPath              string
	DBSizeBytes         int64
	QueuedWrites        int
	QueueStalenessMs    int64
	MemoryPressure      string // "", "high"
	PersistFailureCount int
	RecoveryAttempts    int
	Message             string
}

// Store is the durable Job table contract (SPEC_FULL.md §4.B).
type Store interface {
	// Ping verifies the store is initialised and reachable.
	Ping(ctx context.Context) error

	Save(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, pipelineID string, opts ListOptions) (ListResult, error)
	ListAll(ctx context.Context, opts ListOptions) (ListResult, error)
	Counts(ctx context.Context, pipelineID string) (Counts, error)
	Last(ctx context.Context, pipelineID string) (*models.Job, error)
	PipelineStats(ctx context.Context) ([]PipelineStat, error)
	BulkImport(ctx context.Context, jobs []*models.Job) (BulkImportResult, error)

	Health(ctx context.Context) Health
	Close() error
}
