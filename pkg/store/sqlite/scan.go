package sqlite

import (
	"database/sql"
	"time"

	"jobserver/pkg/models"
)

const selectColumns = `
SELECT id, pipeline_id, status, created_at, started_at, completed_at,
       paused_at, resumed_at, data, result, error, git, retry_count, retry_pending
FROM jobs`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                            models.Job
		status                                          string
		createdAt                                       time.Time
		startedAt, completedAt, pausedAt, resumedAt     sql.NullTime
		data, result, jobErr, git                       []byte
	)

	if err := row.Scan(
		&job.ID, &job.PipelineID, &status, &createdAt,
		&startedAt, &completedAt, &pausedAt, &resumedAt,
		&data, &result, &jobErr, &git,
		&job.RetryCount, &job.RetryPending,
	); err != nil {
		return nil, err
	}

	job.Status = models.Status(status)
	job.CreatedAt = createdAt
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.PausedAt = nullTimePtr(pausedAt)
	job.ResumedAt = nullTimePtr(resumedAt)

	if len(data) > 0 {
		if err := job.Data.Scan(data); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		if err := job.Result.Scan(result); err != nil {
			return nil, err
		}
	}
	if len(jobErr) > 0 {
		je := &models.JobError{}
		if err := je.Scan(jobErr); err != nil {
			return nil, err
		}
		job.Error = je
	}
	if len(git) > 0 {
		gi := &models.GitInfo{}
		if err := gi.Scan(git); err != nil {
			return nil, err
		}
		job.Git = gi
	}

	return &job, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
