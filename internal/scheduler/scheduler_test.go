package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	executions map[string]*JobExecution
	lastRuns   map[string]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:       make(map[string]*Job),
		executions: make(map[string]*JobExecution),
		lastRuns:   make(map[string]time.Time),
	}
}

func (m *memoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (m *memoryStore) ListJobs(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (m *memoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = "job-" + job.Name
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memoryStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memoryStore) UpdateLastRun(_ context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRuns[id] = lastRun
	return nil
}

func (m *memoryStore) CreateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memoryStore) UpdateExecution(_ context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memoryStore) GetJobExecutions(_ context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var execs []*JobExecution
	for _, e := range m.executions {
		if e.JobID == jobID && len(execs) < limit {
			execs = append(execs, e)
		}
	}
	return execs, nil
}

func (m *memoryStore) executionStatuses(jobID string) []ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var statuses []ExecutionStatus
	for _, e := range m.executions {
		if e.JobID == jobID {
			statuses = append(statuses, e.Status)
		}
	}
	return statuses
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestAddJob_SchedulesEnabled(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	job := &Job{Name: "digest", Schedule: "0 8 * * *", JobType: JobTypeSLADigest, Enabled: true}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if job.NextRun == nil {
		t.Error("enabled job should have a next run computed")
	}
	if runs := s.GetNextRuns(job.ID, 3); len(runs) != 3 {
		t.Errorf("GetNextRuns = %d entries, expected 3", len(runs))
	}
}

func TestAddJob_RejectsBadSchedule(t *testing.T) {
	s := NewScheduler(newMemoryStore(), nil)

	job := &Job{Name: "bad", Schedule: "not a cron", JobType: JobTypeSLADigest, Enabled: true}
	if err := s.AddJob(context.Background(), job); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

func TestAddJob_DisabledIsNotScheduled(t *testing.T) {
	s := NewScheduler(newMemoryStore(), nil)

	job := &Job{Name: "idle", Schedule: "@hourly", JobType: JobTypeSLADigest, Enabled: false}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if runs := s.GetNextRuns(job.ID, 1); runs != nil {
		t.Error("disabled job must not be scheduled")
	}
}

func TestSetEnabled_Toggles(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	job := &Job{Name: "toggle", Schedule: "@hourly", JobType: JobTypeSLADigest, Enabled: false}
	s.AddJob(context.Background(), job)

	if err := s.SetEnabled(context.Background(), job.ID, true); err != nil {
		t.Fatalf("SetEnabled(true): %v", err)
	}
	if runs := s.GetNextRuns(job.ID, 1); runs == nil {
		t.Error("enabled job should be scheduled")
	}

	if err := s.SetEnabled(context.Background(), job.ID, false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if runs := s.GetNextRuns(job.ID, 1); runs != nil {
		t.Error("disabled job should be unscheduled")
	}

	if err := s.SetEnabled(context.Background(), "missing", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("unknown job: err = %v, expected ErrJobNotFound", err)
	}
}

func TestRunJobNow_RecordsExecution(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	var mu sync.Mutex
	ran := 0
	s.RegisterHandler(JobTypeSLADigest, func(ctx context.Context, job *Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	job := &Job{Name: "digest", Schedule: "@daily", JobType: JobTypeSLADigest, Enabled: false}
	s.AddJob(context.Background(), job)

	if err := s.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	})
	waitFor(t, func() bool {
		statuses := store.executionStatuses(job.ID)
		return len(statuses) == 1 && statuses[0] == StatusCompleted
	})
}

func TestRunJobNow_FailureRecorded(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	s.RegisterHandler(JobTypeRescoreAll, func(ctx context.Context, job *Job) error {
		return errors.New("store unavailable")
	})

	job := &Job{Name: "rescore", Schedule: "@daily", JobType: JobTypeRescoreAll, Enabled: false}
	s.AddJob(context.Background(), job)
	s.RunJobNow(context.Background(), job.ID)

	waitFor(t, func() bool {
		statuses := store.executionStatuses(job.ID)
		return len(statuses) == 1 && statuses[0] == StatusFailed
	})
}

func TestRunJobNow_NoHandlerFails(t *testing.T) {
	store := newMemoryStore()
	s := NewScheduler(store, nil)

	job := &Job{Name: "orphan", Schedule: "@daily", JobType: JobTypeSyncDependencyGraph, Enabled: false}
	s.AddJob(context.Background(), job)
	s.RunJobNow(context.Background(), job.ID)

	waitFor(t, func() bool {
		statuses := store.executionStatuses(job.ID)
		return len(statuses) == 1 && statuses[0] == StatusFailed
	})
}

func TestHandlers_CleanupRetention(t *testing.T) {
	s := NewScheduler(newMemoryStore(), nil)

	var got time.Duration
	h := &Handlers{
		CleanupHistoryFunc: func(ctx context.Context, olderThan time.Duration) error {
			got = olderThan
			return nil
		},
	}
	h.Register(s)

	handler, ok := s.handlerFor(JobTypeCleanupHistory)
	if !ok {
		t.Fatal("cleanup handler not registered")
	}

	// Explicit retention
	handler(context.Background(), &Job{Config: map[string]string{"retention_days": "30"}})
	if got != 30*24*time.Hour {
		t.Errorf("retention = %s, expected 720h", got)
	}

	// Default when unset or invalid
	handler(context.Background(), &Job{Config: map[string]string{"retention_days": "zero"}})
	if got != 90*24*time.Hour {
		t.Errorf("retention = %s, expected default 2160h", got)
	}
}
