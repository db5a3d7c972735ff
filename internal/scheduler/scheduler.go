package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Job is a recurring maintenance task driven by a cron expression. Jobs are
// persisted; the in-memory cron entries are rebuilt from the store on start.
type Job struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	Description string            `json:"description" db:"description"`
	Schedule    string            `json:"schedule" db:"schedule"`
	JobType     JobType           `json:"job_type" db:"job_type"`
	Config      map[string]string `json:"config" db:"config"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	LastRun     *time.Time        `json:"last_run,omitempty" db:"last_run"`
	NextRun     *time.Time        `json:"next_run,omitempty" db:"next_run"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

type JobType string

const (
	JobTypeSyncDependencyGraph JobType = "sync_dependency_graph"
	JobTypeCleanupHistory      JobType = "cleanup_score_history"
	JobTypeSLADigest           JobType = "sla_digest"
	JobTypeRescoreAll          JobType = "rescore_all_services"
)

// JobExecution is one run of a job, recorded around the handler call.
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

type JobHandler func(ctx context.Context, job *Job) error

// Store persists jobs and their execution history.
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start loads persisted jobs and begins running the enabled ones. Jobs with
// bad cron expressions are logged and skipped rather than blocking startup.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	scheduled := 0
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleJob(job); err != nil {
			s.logger.Error("skipping unschedulable job",
				"job_id", job.ID,
				"job_name", job.Name,
				"error", err)
			continue
		}
		scheduled++
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_total", len(jobs), "jobs_scheduled", scheduled)

	return nil
}

// Stop halts scheduling. The returned context is done when running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

// SetEnabled flips a job on or off, updating both the store and the live
// cron entries.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = enabled
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	if enabled {
		return s.scheduleJob(job)
	}
	s.unscheduleJob(id)
	return nil
}

// RunJobNow fires a job outside its schedule. The execution is recorded the
// same way as a scheduled run.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go s.executeJob(job)
	return nil
}

// GetNextRuns returns the next count fire times for a scheduled job, or nil
// when the job is not currently scheduled.
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}
	return runs
}

func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}
	s.entries[job.ID] = entryID

	nextRun := s.cron.Entry(entryID).Next
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) handlerFor(jobType JobType) (JobHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[jobType]
	return h, ok
}

// executeJob runs one job and records an execution row around it. Failures
// are captured on the row, never propagated; the schedule keeps ticking.
func (s *Scheduler) executeJob(job *Job) {
	ctx := context.Background()
	started := time.Now()

	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: started,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("recording execution start failed", "job_id", job.ID, "error", err)
	}

	s.logger.Info("executing job", "job_id", job.ID, "job_name", job.Name, "execution_id", exec.ID)

	var runErr error
	if handler, ok := s.handlerFor(job.JobType); ok {
		runErr = handler(ctx, job)
	} else {
		runErr = fmt.Errorf("no handler registered for job type %q", job.JobType)
	}

	ended := time.Now()
	exec.EndedAt = &ended
	if runErr != nil {
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
		s.logger.Error("job failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", runErr,
			"duration", ended.Sub(started))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"duration", ended.Sub(started))
	}

	_ = s.store.UpdateExecution(ctx, exec)
	_ = s.store.UpdateLastRun(ctx, job.ID, started)
}

// Handlers wires the pipeline's maintenance tasks into the scheduler.
type Handlers struct {
	SyncGraphFunc      func(ctx context.Context) error
	CleanupHistoryFunc func(ctx context.Context, olderThan time.Duration) error
	SLADigestFunc      func(ctx context.Context) error
	RescoreAllFunc     func(ctx context.Context) error
}

func (h *Handlers) Register(s *Scheduler) {
	if h.SyncGraphFunc != nil {
		s.RegisterHandler(JobTypeSyncDependencyGraph, func(ctx context.Context, job *Job) error {
			return h.SyncGraphFunc(ctx)
		})
	}

	if h.CleanupHistoryFunc != nil {
		s.RegisterHandler(JobTypeCleanupHistory, func(ctx context.Context, job *Job) error {
			days := 90
			if d, ok := job.Config["retention_days"]; ok {
				if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
					days = parsed
				}
			}
			return h.CleanupHistoryFunc(ctx, time.Duration(days)*24*time.Hour)
		})
	}

	if h.SLADigestFunc != nil {
		s.RegisterHandler(JobTypeSLADigest, func(ctx context.Context, job *Job) error {
			return h.SLADigestFunc(ctx)
		})
	}

	if h.RescoreAllFunc != nil {
		s.RegisterHandler(JobTypeRescoreAll, func(ctx context.Context, job *Job) error {
			return h.RescoreAllFunc(ctx)
		})
	}
}
