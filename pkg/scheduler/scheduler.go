// Package scheduler is the single-process job scheduler: a FIFO queue, a
// bounded pool of concurrent handler invocations, and a retry-timer set,
// all guarded by one mutex per pipeline and drained by one dispatch
// goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"jobserver/pkg/activity"
	"jobserver/pkg/classify"
	"jobserver/pkg/gitworkflow"
	"jobserver/pkg/logger"
	"jobserver/pkg/models"
	"jobserver/pkg/store"
)

// DefaultMaxRetries is the retry ceiling used when Config.MaxRetries is
// left at zero, and the upper bound New clamps any larger value to.
const DefaultMaxRetries = 5

var (
	ErrJobNotFound  = errors.New("scheduler: job not found")
	ErrJobTerminal  = errors.New("scheduler: job is already in a terminal state")
	ErrJobNotPaused = errors.New("scheduler: job is not paused")
)

// Handler runs the work for one job and returns its result payload.
type Handler func(ctx context.Context, job *models.Job) (models.RawJSON, error)

// Config wires a Scheduler to its collaborators.
type Config struct {
	PipelineID         string
	JobType            string
	MaxConcurrent      int
	MaxRetries         int
	GitWorkflowEnabled bool
	Handler            Handler
	Store              store.Store
	Activity           *activity.Stream
	GitEngine          *gitworkflow.Engine
}

// Stats is the snapshot GetStats returns.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Scheduler owns one pipeline's job lifecycle.
type Scheduler struct {
	cfg Config

	mu          sync.Mutex
	jobs        map[string]*models.Job
	queue       []string
	activeJobs  int
	isRunning   bool
	retryTimers map[string]*time.Timer
	cancel      context.CancelFunc

	repoLocks sync.Map // repositoryPath -> *sync.Mutex

	kick chan struct{}

	eventMu  sync.Mutex
	handlers []func(activity.SchedulerEvent)
}

// New builds a Scheduler. MaxConcurrent defaults to 5, MaxRetries to
// DefaultMaxRetries when left at zero; MaxRetries is capped at
// DefaultMaxRetries.
func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries <= 0 || cfg.MaxRetries > DefaultMaxRetries {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		cfg:         cfg,
		jobs:        make(map[string]*models.Job),
		retryTimers: make(map[string]*time.Timer),
		kick:        make(chan struct{}, 1),
	}
}

// OnEvent registers fn to receive every lifecycle emission, implementing
// activity.EventSource.
func (s *Scheduler) OnEvent(fn func(activity.SchedulerEvent)) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *Scheduler) emit(evt activity.SchedulerEvent) {
	s.eventMu.Lock()
	handlers := append([]func(activity.SchedulerEvent){}, s.handlers...)
	s.eventMu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Kick nudges the dispatch loop without blocking; redundant kicks collapse.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start blocks on store readiness, then launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cfg.Store.Ping(ctx); err != nil {
		return fmt.Errorf("scheduler: store not ready: %w", err)
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.dispatchLoop(runCtx)
	s.Kick()
	return nil
}

// Stop flips isRunning off. In-flight handler goroutines are not
// interrupted and run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			s.drain(ctx)
		}
	}
}

// drain pops jobs while a concurrency slot is open, launching each handler
// on its own goroutine. It never blocks on a suspension point itself.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.isRunning || s.activeJobs >= s.cfg.MaxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		job, ok := s.jobs[id]
		if !ok || job.Status != models.StatusQueued {
			s.mu.Unlock()
			continue
		}
		s.activeJobs++
		s.mu.Unlock()

		go s.runJob(context.WithoutCancel(ctx), id)
	}
}

// CreateJob validates id, constructs a queued Job, persists it, and kicks
// the dispatch loop. A duplicate id overwrites the existing job's history.
func (s *Scheduler) CreateJob(ctx context.Context, id string, data models.RawJSON) (*models.Job, error) {
	if !models.IDPattern.MatchString(id) {
		return nil, store.ErrInvalidID
	}

	job := &models.Job{
		ID:         id,
		PipelineID: s.cfg.PipelineID,
		Status:     models.StatusQueued,
		CreatedAt:  time.Now(),
		Data:       data,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("scheduler: persist job: %w", err)
	}
	s.emit(activity.SchedulerEvent{Type: "job:created", JobID: id, Status: string(models.StatusQueued)})
	s.Kick()

	return job.Clone(), nil
}

// CancelJob cancels a queued or running job. Terminal jobs are rejected.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		s.mu.Unlock()
		return ErrJobTerminal
	}

	if job.Status == models.StatusQueued {
		s.removeFromQueueLocked(id)
	}
	if timer, ok := s.retryTimers[id]; ok {
		timer.Stop()
		delete(s.retryTimers, id)
	}

	now := time.Now()
	job.Status = models.StatusCancelled
	job.CompletedAt = &now
	job.RetryPending = false
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist cancel failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:cancelled", JobID: id, Status: string(models.StatusCancelled)})
	return nil
}

// PauseJob removes a queued/running job from active dispatch.
func (s *Scheduler) PauseJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() || job.Status == models.StatusPaused {
		s.mu.Unlock()
		return ErrJobTerminal
	}

	if job.Status == models.StatusQueued {
		s.removeFromQueueLocked(id)
	}
	if timer, ok := s.retryTimers[id]; ok {
		timer.Stop()
		delete(s.retryTimers, id)
	}

	now := time.Now()
	job.Status = models.StatusPaused
	job.PausedAt = &now
	job.RetryPending = false
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist pause failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:paused", JobID: id, Status: string(models.StatusPaused)})
	return nil
}

// ResumeJob re-enqueues a paused job.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != models.StatusPaused {
		s.mu.Unlock()
		return ErrJobNotPaused
	}

	now := time.Now()
	job.Status = models.StatusQueued
	job.PausedAt = nil
	job.ResumedAt = &now
	s.queue = append(s.queue, id)
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist resume failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:resumed", JobID: id, Status: string(models.StatusQueued)})
	s.Kick()
	return nil
}

// GetStats summarises current job counts. Caller holds no lock.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.jobs), Queued: len(s.queue), Active: s.activeJobs}
	for _, j := range s.jobs {
		switch j.Status {
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// removeFromQueueLocked deletes id from the FIFO queue. Caller holds mu.
func (s *Scheduler) removeFromQueueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) repoMutex(path string) *sync.Mutex {
	v, _ := s.repoLocks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// runJob executes the full pipeline for one job: prepare, optional git
// branch setup, handler invocation (panic-guarded), and the success/failure
// tail. It always decrements activeJobs and redrives dispatch on exit.
func (s *Scheduler) runJob(ctx context.Context, id string) {
	defer func() {
		s.mu.Lock()
		s.activeJobs--
		s.mu.Unlock()
		s.Kick()
	}()

	snapshot, ok := s.prepare(ctx, id)
	if !ok {
		return
	}

	var branchHandle *gitworkflow.BranchHandle
	var repoPath string
	if s.cfg.GitWorkflowEnabled && s.cfg.GitEngine != nil {
		if path, found := snapshot.Data.RepositoryPath(); found {
			repoPath = path
			lock := s.repoMutex(path)
			lock.Lock()
			defer lock.Unlock()

			h, err := s.cfg.GitEngine.Branch(ctx, path, s.cfg.JobType, id)
			if err != nil {
				logger.Warn("scheduler: git branch setup failed, continuing without workflow",
					zap.String("job_id", id), zap.Error(err))
			} else {
				branchHandle = h
				s.mu.Lock()
				if job := s.jobs[id]; job != nil {
					job.Git = &models.GitInfo{BranchName: h.BranchName, OriginalBranch: h.OriginalBranch}
				}
				s.mu.Unlock()
			}
		}
	}

	result, err := s.invokeHandler(ctx, snapshot)
	if err != nil {
		s.handleFailure(ctx, id, err, branchHandle)
		return
	}
	s.handleSuccess(ctx, id, result, branchHandle)
	_ = repoPath
}

func (s *Scheduler) invokeHandler(ctx context.Context, job *models.Job) (result models.RawJSON, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: handler panicked: %v", r)
		}
	}()
	return s.cfg.Handler(ctx, job)
}

func (s *Scheduler) prepare(ctx context.Context, id string) (*models.Job, bool) {
	s.mu.Lock()
	job := s.jobs[id]
	if job == nil || job.Status != models.StatusQueued {
		s.mu.Unlock()
		return nil, false
	}
	now := time.Now()
	job.Status = models.StatusRunning
	job.StartedAt = &now
	job.RetryPending = false
	snapshot := job.Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist prepare failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:started", JobID: id, Status: string(models.StatusRunning)})
	return snapshot, true
}

func (s *Scheduler) handleSuccess(ctx context.Context, id string, result models.RawJSON, branchHandle *gitworkflow.BranchHandle) {
	s.mu.Lock()
	job := s.jobs[id]
	if job == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	job.Status = models.StatusCompleted
	job.CompletedAt = &now
	job.Result = result
	s.mu.Unlock()

	if branchHandle != nil {
		info, err := s.cfg.GitEngine.Finish(ctx, branchHandle, s.cfg.JobType, id)
		if err != nil {
			logger.Warn("scheduler: git finish failed", zap.String("job_id", id), zap.Error(err))
		}
		if info != nil {
			s.mu.Lock()
			if j := s.jobs[id]; j != nil {
				j.Git = info
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	snapshot := s.jobs[id].Clone()
	s.mu.Unlock()

	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist completion failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:completed", JobID: id, Status: string(models.StatusCompleted)})
}

func (s *Scheduler) handleFailure(ctx context.Context, id string, jobErr error, branchHandle *gitworkflow.BranchHandle) {
	result := classify.Classify(jobErr)

	s.mu.Lock()
	job := s.jobs[id]
	if job == nil {
		s.mu.Unlock()
		return
	}

	if result.Retryable && job.RetryCount < s.cfg.MaxRetries {
		job.RetryCount++
		job.Status = models.StatusQueued
		job.StartedAt = nil
		job.Error = nil
		job.RetryPending = true
		attempt := job.RetryCount
		snapshot := job.Clone()
		s.mu.Unlock()

		if branchHandle != nil {
			s.cfg.GitEngine.Abort(branchHandle)
		}
		if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
			logger.Error("scheduler: persist retry failed", zap.String("job_id", id), zap.Error(err))
		}
		s.emit(activity.SchedulerEvent{
			Type: "retry:created", JobID: id, Status: string(models.StatusQueued),
			Attempt: attempt, MaxAttempts: s.cfg.MaxRetries,
		})

		delay := calculateBackoff(result.Delay(), attempt)
		timer := time.AfterFunc(delay, func() { s.onRetryFire(ctx, id) })
		s.mu.Lock()
		s.retryTimers[id] = timer
		s.mu.Unlock()
		return
	}

	now := time.Now()
	job.Status = models.StatusFailed
	job.CompletedAt = &now
	job.Error = &models.JobError{Message: jobErr.Error()}
	snapshot := job.Clone()
	s.mu.Unlock()

	if branchHandle != nil {
		s.cfg.GitEngine.Abort(branchHandle)
	}
	if err := s.cfg.Store.Save(ctx, snapshot); err != nil {
		logger.Error("scheduler: persist failure failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(activity.SchedulerEvent{Type: "job:failed", JobID: id, Status: string(models.StatusFailed), Err: jobErr})
}

// onRetryFire is invoked by a retry timer. It aborts if the job vanished,
// is no longer retry-pending, or changed status out from under the timer.
func (s *Scheduler) onRetryFire(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.retryTimers, id)
	job := s.jobs[id]
	if job == nil {
		s.mu.Unlock()
		return
	}
	if !job.RetryPending {
		s.mu.Unlock()
		return
	}
	if job.Status != models.StatusQueued {
		job.RetryPending = false
		s.mu.Unlock()
		return
	}
	job.RetryPending = false
	s.queue = append(s.queue, id)
	s.mu.Unlock()
	s.Kick()
}

// calculateBackoff computes an exponential backoff with +/-20% jitter from
// baseDelay, generalising the teacher's calculateBackoff() to use the
// classifier's per-error delay as the base instead of one global base.
func calculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	const maxDelay = 5 * time.Minute
	multiplier := 1 << uint(attempt-1)
	if multiplier < 1 {
		multiplier = 1
	}
	delay := baseDelay * time.Duration(multiplier)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitterFactor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitterFactor)
}
