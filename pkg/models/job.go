// Package models defines the entities persisted by the job store.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"time"
)

// IDPattern is the allowed shape for a Job ID: path-traversal-safe,
// injection-safe.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether a status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobError is the stable shape surfaced for a failed job.
type JobError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (e *JobError) Scan(value interface{}) error { return scanJSON(value, e) }
func (e JobError) Value() (driver.Value, error)   { return valueJSON(e) }

// GitInfo records the per-job git workflow outcome; owned jointly by the
// scheduler (top-level fields) and the git workflow engine (the rest).
type GitInfo struct {
	BranchName     string   `json:"branchName,omitempty"`
	OriginalBranch string   `json:"originalBranch,omitempty"`
	CommitSha      string   `json:"commitSha,omitempty"`
	PRUrl          string   `json:"prUrl,omitempty"`
	ChangedFiles   []string `json:"changedFiles,omitempty"`
}

func (g *GitInfo) Scan(value interface{}) error { return scanJSON(value, g) }
func (g GitInfo) Value() (driver.Value, error)   { return valueJSON(g) }

// RawJSON is an opaque JSON-serialised blob used for a Job's data/result
// fields, whose shape is owned by the handler, not the scheduler.
type RawJSON json.RawMessage

func (r *RawJSON) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else if value == nil {
			*r = nil
			return nil
		} else {
			return errScanType
		}
	}
	if len(bytes) == 0 {
		*r = nil
		return nil
	}
	// Defensive parse: malformed JSON must never crash the store. A bad
	// blob is treated as absent, with the caller responsible for logging.
	var probe interface{}
	if err := json.Unmarshal(bytes, &probe); err != nil {
		*r = nil
		return nil
	}
	*r = RawJSON(bytes)
	return nil
}

func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

// RepositoryPath extracts the optional repositoryPath field the git
// workflow engine keys off of.
func (r RawJSON) RepositoryPath() (string, bool) {
	if len(r) == 0 {
		return "", false
	}
	var probe struct {
		RepositoryPath string `json:"repositoryPath"`
	}
	if err := json.Unmarshal(r, &probe); err != nil || probe.RepositoryPath == "" {
		return "", false
	}
	return probe.RepositoryPath, true
}

// Job is the central entity: a unit of scheduled work and its full history.
type Job struct {
	ID          string     `json:"id"`
	PipelineID  string     `json:"pipelineId"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`

	Data   RawJSON `json:"data,omitempty"`
	Result RawJSON `json:"result,omitempty"`

	Error *JobError `json:"error,omitempty"`
	Git   *GitInfo  `json:"git,omitempty"`

	RetryCount   int  `json:"retryCount"`
	RetryPending bool `json:"retryPending"`
}

// Clone returns a deep-enough copy safe for handing to a caller without
// aliasing the scheduler's internal state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.PausedAt != nil {
		t := *j.PausedAt
		cp.PausedAt = &t
	}
	if j.ResumedAt != nil {
		t := *j.ResumedAt
		cp.ResumedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Git != nil {
		g := *j.Git
		g.ChangedFiles = append([]string(nil), j.Git.ChangedFiles...)
		cp.Git = &g
	}
	return &cp
}
