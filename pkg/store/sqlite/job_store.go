// Package sqlite is the WAL-backed Job Store implementation: a single
// writer connection backed by SQLite, with an in-memory degraded-mode
// write queue as defence-in-depth above the database itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobserver/pkg/logger"
	"jobserver/pkg/models"
	"jobserver/pkg/store"
)

const (
	maxQueueDepth       = 10_000
	maxRecoveryAttempts = 10
	baseRecoveryDelay   = 5 * time.Second
	maxRecoveryDelay    = 5 * time.Minute

	// maxPersistFailures is the number of consecutive Save failures
	// required before the store flips into degraded mode.
	maxPersistFailures = 5

	// highPressureBytes is the db size above which Health reports
	// memoryPressure "high".
	highPressureBytes = 50 * 1024 * 1024
)

// queuedWrite is one job pending persistence while the store is degraded.
type queuedWrite struct {
	job      *models.Job
	queuedAt time.Time
}

// Store implements store.Store against a SQLite database opened in WAL mode.
// Writes are serialized through the single database connection (see open)
// and mu guards the degraded-mode state; when the underlying write fails,
// jobs are held in an in-memory queue and retried on a backoff schedule
// rather than returned to the caller as an error, so a transient disk or
// filesystem hiccup does not fail a scheduler tick.
type Store struct {
	db     *sql.DB
	dbPath string

	mu                  sync.Mutex
	degraded            bool
	queue               []queuedWrite
	persistFailureCount int
	recoveryAttempts    int
	recoveryTimer       *time.Timer
	lastRecoveryErr     error

	closeOnce sync.Once
	closed    chan struct{}
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the SQLite database at dbPath and applies
// migrations, returning a ready-to-use Store.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		dbPath: dbPath,
		closed: make(chan struct{}),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.recoveryTimer != nil {
			s.recoveryTimer.Stop()
		}
		s.mu.Unlock()
		close(s.closed)
		err = s.db.Close()
	})
	return err
}

// Save upserts a job by ID. On a store-level write failure it enters
// degraded mode and queues the write for background recovery instead of
// surfacing the error to the caller.
func (s *Store) Save(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("store: nil job")
	}
	if !models.IDPattern.MatchString(job.ID) {
		return store.ErrInvalidID
	}
	if err := validateStatus(job.Status); err != nil {
		return err
	}

	if err := s.persist(ctx, job); err != nil {
		s.enqueueDegraded(job, err)
		return nil
	}
	s.resetFailureCount()
	return nil
}

// resetFailureCount clears the consecutive-failure counter after a
// successful direct persist; the store only degrades on a run of failures,
// not a single transient one.
func (s *Store) resetFailureCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistFailureCount = 0
}

func (s *Store) persist(ctx context.Context, job *models.Job) error {
	data, err := job.Data.Value()
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	result, err := job.Result.Value()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	var jobErr interface{}
	if job.Error != nil {
		jobErr, err = job.Error.Value()
		if err != nil {
			return fmt.Errorf("encode error: %w", err)
		}
	}
	var gitInfo interface{}
	if job.Git != nil {
		gitInfo, err = job.Git.Value()
		if err != nil {
			return fmt.Errorf("encode git: %w", err)
		}
	}

	const q = `
INSERT INTO jobs (
	id, pipeline_id, status, created_at, started_at, completed_at,
	paused_at, resumed_at, data, result, error, git, retry_count, retry_pending
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	pipeline_id = excluded.pipeline_id,
	status = excluded.status,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	paused_at = excluded.paused_at,
	resumed_at = excluded.resumed_at,
	data = excluded.data,
	result = excluded.result,
	error = excluded.error,
	git = excluded.git,
	retry_count = excluded.retry_count,
	retry_pending = excluded.retry_pending
`
	_, err = s.db.ExecContext(ctx, q,
		job.ID, job.PipelineID, string(job.Status), job.CreatedAt,
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullTime(job.PausedAt), nullTime(job.ResumedAt),
		data, result, jobErr, gitInfo,
		job.RetryCount, job.RetryPending,
	)
	if err != nil {
		return fmt.Errorf("exec upsert: %w", err)
	}
	return nil
}

// enqueueDegraded records a failed write, queuing it for background
// recovery. The store only flips into degraded mode once
// maxPersistFailures consecutive failures have piled up; the queue still
// holds each failed write below that threshold so nothing written during
// the run-up is lost once recovery starts.
func (s *Store) enqueueDegraded(job *models.Job, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persistFailureCount++

	if len(s.queue) >= maxQueueDepth {
		// Drop the oldest entry rather than grow unbounded; the dropped
		// write is lost, which is surfaced via Health for operators.
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, queuedWrite{job: job.Clone(), queuedAt: time.Now()})

	logger.Warn("job store write failed",
		zap.String("job_id", job.ID), zap.Error(cause),
		zap.Int("queue_depth", len(s.queue)), zap.Int("persist_failure_count", s.persistFailureCount))

	if s.persistFailureCount < maxPersistFailures {
		return
	}
	if !s.degraded {
		s.degraded = true
		s.recoveryAttempts = 0
		s.scheduleRecoveryLocked(baseRecoveryDelay)
	}
}

// scheduleRecoveryLocked arms the next recovery attempt. Caller holds mu.
func (s *Store) scheduleRecoveryLocked(delay time.Duration) {
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.recoveryTimer = time.AfterFunc(delay, s.attemptRecovery)
}

func (s *Store) attemptRecovery() {
	select {
	case <-s.closed:
		return
	default:
	}

	s.mu.Lock()
	if !s.degraded || len(s.queue) == 0 {
		s.degraded = false
		s.mu.Unlock()
		return
	}
	pending := make([]queuedWrite, len(s.queue))
	copy(pending, s.queue)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var failed []queuedWrite
	var lastErr error
	for _, qw := range pending {
		if err := s.persist(ctx, qw.job); err != nil {
			failed = append(failed, qw)
			lastErr = err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = failed
	s.lastRecoveryErr = lastErr
	s.recoveryAttempts++

	if len(s.queue) == 0 {
		s.degraded = false
		logger.Info("job store recovered from degraded mode")
		return
	}

	if s.recoveryAttempts >= maxRecoveryAttempts {
		logger.Error("job store recovery exhausted retry budget, queue retained",
			zap.Int("queue_depth", len(s.queue)), zap.Error(lastErr))
		return
	}

	delay := backoffFor(s.recoveryAttempts)
	s.scheduleRecoveryLocked(delay)
}

func backoffFor(attempt int) time.Duration {
	d := baseRecoveryDelay * time.Duration(1<<uint(attempt))
	if d > maxRecoveryDelay {
		d = maxRecoveryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d - jitter/2 + jitter
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.Job, error) {
	if !models.IDPattern.MatchString(id) {
		return nil, store.ErrInvalidID
	}
	if queued := s.lookupQueued(id); queued != nil {
		return queued, nil
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// lookupQueued returns a job's queued version if it has a pending degraded
// write more recent than what is on disk.
func (s *Store) lookupQueued(id string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.queue) - 1; i >= 0; i-- {
		if s.queue[i].job.ID == id {
			return s.queue[i].job.Clone()
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, pipelineID string, opts store.ListOptions) (store.ListResult, error) {
	return s.query(ctx, `pipeline_id = ?`, []interface{}{pipelineID}, opts)
}

func (s *Store) ListAll(ctx context.Context, opts store.ListOptions) (store.ListResult, error) {
	return s.query(ctx, ``, nil, opts)
}

func (s *Store) query(ctx context.Context, whereBase string, args []interface{}, opts store.ListOptions) (store.ListResult, error) {
	where := whereBase
	if opts.Status != "" {
		if where != "" {
			where += " AND "
		}
		where += "status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Tab == "failed" {
		if where != "" {
			where += " AND "
		}
		where += "status = ?"
		args = append(args, string(models.StatusFailed))
	}

	clause := ""
	if where != "" {
		clause = " WHERE " + where
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset

	q := selectColumns + clause + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, q, append(append([]interface{}{}, args...), limit+1, offset)...)
	if err != nil {
		return store.ListResult{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return store.ListResult{}, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return store.ListResult{}, err
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}

	result := store.ListResult{Jobs: jobs, HasMore: hasMore}
	if opts.IncludeTotal {
		countQ := "SELECT COUNT(*) FROM jobs" + clause
		if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&result.Total); err != nil {
			return store.ListResult{}, fmt.Errorf("count jobs: %w", err)
		}
	}
	return result, nil
}

func (s *Store) Counts(ctx context.Context, pipelineID string) (store.Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE pipeline_id = ? GROUP BY status`, pipelineID)
	if err != nil {
		return store.Counts{}, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	var c store.Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return store.Counts{}, err
		}
		switch models.Status(status) {
		case models.StatusQueued:
			c.Queued = n
		case models.StatusRunning:
			c.Running = n
		case models.StatusCompleted:
			c.Completed = n
		case models.StatusFailed:
			c.Failed = n
		case models.StatusCancelled:
			c.Cancelled = n
		case models.StatusPaused:
			c.Paused = n
		}
	}
	return c, rows.Err()
}

func (s *Store) Last(ctx context.Context, pipelineID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE pipeline_id = ? ORDER BY created_at DESC LIMIT 1`, pipelineID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last job: %w", err)
	}
	return job, nil
}

func (s *Store) PipelineStats(ctx context.Context) ([]store.PipelineStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT pipeline_id FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("distinct pipelines: %w", err)
	}
	var pipelineIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pipelineIDs = append(pipelineIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]store.PipelineStat, 0, len(pipelineIDs))
	for _, id := range pipelineIDs {
		counts, err := s.Counts(ctx, id)
		if err != nil {
			return nil, err
		}
		stat := store.PipelineStat{PipelineID: id, Counts: counts}
		last, err := s.Last(ctx, id)
		if err == nil && last.CompletedAt != nil {
			stat.LastCompleted = last.CompletedAt
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// BulkImport inserts a batch of jobs, skipping any whose ID already exists
// or with an invalid ID or status rather than failing the whole batch.
func (s *Store) BulkImport(ctx context.Context, jobs []*models.Job) (store.BulkImportResult, error) {
	var result store.BulkImportResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if !models.IDPattern.MatchString(job.ID) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: invalid id", job.ID))
			continue
		}
		if err := validateStatus(job.Status); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		if err := s.persistTx(ctx, tx, job); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		result.Imported++
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

func (s *Store) persistTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	data, err := job.Data.Value()
	if err != nil {
		return err
	}
	result, err := job.Result.Value()
	if err != nil {
		return err
	}
	var jobErr interface{}
	if job.Error != nil {
		if jobErr, err = job.Error.Value(); err != nil {
			return err
		}
	}
	var gitInfo interface{}
	if job.Git != nil {
		if gitInfo, err = job.Git.Value(); err != nil {
			return err
		}
	}
	const q = `
INSERT INTO jobs (
	id, pipeline_id, status, created_at, started_at, completed_at,
	paused_at, resumed_at, data, result, error, git, retry_count, retry_pending
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	pipeline_id = excluded.pipeline_id,
	status = excluded.status,
	started_at = excluded.started_at,
	completed_at = excluded.completed_at,
	paused_at = excluded.paused_at,
	resumed_at = excluded.resumed_at,
	data = excluded.data,
	result = excluded.result,
	error = excluded.error,
	git = excluded.git,
	retry_count = excluded.retry_count,
	retry_pending = excluded.retry_pending
`
	_, err = tx.ExecContext(ctx, q,
		job.ID, job.PipelineID, string(job.Status), job.CreatedAt,
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullTime(job.PausedAt), nullTime(job.ResumedAt),
		data, result, jobErr, gitInfo,
		job.RetryCount, job.RetryPending,
	)
	return err
}

func (s *Store) Health(ctx context.Context) store.Health {
	s.mu.Lock()
	degraded := s.degraded
	queueDepth := len(s.queue)
	var staleness int64
	if queueDepth > 0 {
		staleness = time.Since(s.queue[0].queuedAt).Milliseconds()
	}
	failures := s.persistFailureCount
	attempts := s.recoveryAttempts
	s.mu.Unlock()

	h := store.Health{
		DBPath:              s.dbPath,
		DBSizeBytes:         s.dbSizeBytes(),
		QueuedWrites:        queueDepth,
		QueueStalenessMs:    staleness,
		PersistFailureCount: failures,
		RecoveryAttempts:    attempts,
	}
	if h.DBSizeBytes > highPressureBytes {
		h.MemoryPressure = "high"
	}
	if err := s.db.PingContext(ctx); err != nil {
		h.Status = "not_initialized"
		h.Message = err.Error()
		return h
	}
	if degraded {
		h.Status = "degraded"
		h.Message = fmt.Sprintf("%d writes queued after %d persist failures", queueDepth, failures)
	} else {
		h.Status = "healthy"
	}
	return h
}

// dbSizeBytes sums the size of the main database file and its WAL sidecar,
// since data written since the last checkpoint only lives in the latter.
func (s *Store) dbSizeBytes() int64 {
	var total int64
	for _, p := range []string{s.dbPath, s.dbPath + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

func validateStatus(s models.Status) error {
	switch s {
	case models.StatusQueued, models.StatusRunning, models.StatusCompleted,
		models.StatusFailed, models.StatusCancelled, models.StatusPaused:
		return nil
	default:
		return store.ErrInvalidStatus
	}
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
