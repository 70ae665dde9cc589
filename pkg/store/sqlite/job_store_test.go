package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobserver/pkg/models"
	"jobserver/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleJob(id string) *models.Job {
	return &models.Job{
		ID:         id,
		PipelineID: "pipeline-a",
		Status:     models.StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestSave_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("job-1")
	require.NoError(t, s.Save(ctx, job))
	require.NoError(t, s.Save(ctx, job))

	result, err := s.ListAll(ctx, store.ListOptions{IncludeTotal: true})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	require.Equal(t, 1, result.Total)
}

func TestSave_RejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	job := sampleJob("../etc/passwd")
	err := s.Save(context.Background(), job)
	require.ErrorIs(t, err, store.ErrInvalidID)
}

func TestSave_RejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	job := sampleJob("job-2")
	job.Status = models.Status("not-a-status")
	err := s.Save(context.Background(), job)
	require.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestGetByID_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBulkImport_IdempotentAndSkipsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobs := []*models.Job{
		sampleJob("job-a"),
		sampleJob("job-b"),
		{ID: "bad id with spaces", PipelineID: "p", Status: models.StatusQueued, CreatedAt: time.Now()},
	}

	res, err := s.BulkImport(ctx, jobs)
	require.NoError(t, err)
	require.Equal(t, 2, res.Imported)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)

	res2, err := s.BulkImport(ctx, jobs[:2])
	require.NoError(t, err)
	require.Equal(t, 0, res2.Imported)
	require.Equal(t, 2, res2.Skipped)

	all, err := s.ListAll(ctx, store.ListOptions{IncludeTotal: true})
	require.NoError(t, err)
	require.Equal(t, 2, all.Total)
}

func TestCounts_AggregatesByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j1 := sampleJob("job-x")
	j2 := sampleJob("job-y")
	j2.Status = models.StatusFailed
	require.NoError(t, s.Save(ctx, j1))
	require.NoError(t, s.Save(ctx, j2))

	counts, err := s.Counts(ctx, "pipeline-a")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Queued)
	require.Equal(t, 1, counts.Failed)
}

func TestHealth_HealthyWhenNotDegraded(t *testing.T) {
	s := newTestStore(t)
	h := s.Health(context.Background())
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, 0, h.QueuedWrites)
}

func TestHealth_ReportsDBSizeAndMemoryPressure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleJob("job-size")))

	h := s.Health(ctx)
	require.Greater(t, h.DBSizeBytes, int64(0))
	require.Empty(t, h.MemoryPressure)

	s.dbPath = filepath.Join(t.TempDir(), "oversized.db")
	require.NoError(t, os.WriteFile(s.dbPath, make([]byte, highPressureBytes+1), 0o644))
	h = s.Health(ctx)
	require.Equal(t, "high", h.MemoryPressure)
}

func TestEnqueueDegraded_BelowThresholdStaysHealthy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("job-transient")
	for i := 0; i < maxPersistFailures-1; i++ {
		s.enqueueDegraded(job, errors.New("simulated disk failure"))
	}

	h := s.Health(ctx)
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, maxPersistFailures-1, h.PersistFailureCount)
	require.Equal(t, maxPersistFailures-1, h.QueuedWrites)
}

func TestDegradedWrite_QueuesAndRecovers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("job-degraded")
	for i := 0; i < maxPersistFailures; i++ {
		s.enqueueDegraded(job, errors.New("simulated disk failure"))
	}

	h := s.Health(ctx)
	require.Equal(t, "degraded", h.Status)
	require.Equal(t, maxPersistFailures, h.QueuedWrites)

	s.attemptRecovery()

	h = s.Health(ctx)
	require.Equal(t, "healthy", h.Status)
	require.Equal(t, 0, h.QueuedWrites)

	fetched, err := s.GetByID(ctx, "job-degraded")
	require.NoError(t, err)
	require.Equal(t, job.ID, fetched.ID)
}

func TestBackoffFor_NeverExceedsCeiling(t *testing.T) {
	for attempt := 1; attempt <= maxRecoveryAttempts; attempt++ {
		d := backoffFor(attempt)
		require.LessOrEqual(t, d, maxRecoveryDelay+maxRecoveryDelay/5)
		require.Greater(t, d, time.Duration(0))
	}
}
