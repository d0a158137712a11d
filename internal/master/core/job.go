package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobPhase string

const (
	JobPhasePending   JobPhase = "PENDING"
	JobPhaseBootstrap JobPhase = "BOOTSTRAP"
	JobPhaseExec      JobPhase = "EXEC"
	JobPhaseFin       JobPhase = "FIN"
	JobPhaseMerge     JobPhase = "MERGE"
	JobPhaseCompleted JobPhase = "COMPLETED"
	JobPhaseFailed    JobPhase = "FAILED"
)

// Done reports whether the phase is final.
func (p JobPhase) Done() bool {
	return p == JobPhaseCompleted || p == JobPhaseFailed
}

// Job is a snapshot of one multi-process run.
type Job struct {
	ID          uuid.UUID
	Processor   string
	NProcs      int
	Phase       JobPhase
	TopDir      string
	OutputDir   string
	RecordOrder bool
	ReplayFile  string
	Events      int64
	Records     int64
	Errors      []string

	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobReader exposes the current state of the running job.
type JobReader interface {
	Job() Job
}

// JobTracker is a JobReader the runner updates as the job advances.
type JobTracker struct {
	mu  sync.RWMutex
	job Job
}

func NewJobTracker(job Job) *JobTracker {
	if job.Phase == "" {
		job.Phase = JobPhasePending
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	return &JobTracker{job: job}
}

func (t *JobTracker) Job() Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job := t.job
	job.Errors = append([]string(nil), t.job.Errors...)
	return job
}

// SetPhase moves the job to phase, stamping the start and completion times.
func (t *JobTracker) SetPhase(phase JobPhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.job.StartedAt == nil && phase != JobPhasePending {
		t.job.StartedAt = &now
	}
	if phase.Done() && t.job.CompletedAt == nil {
		t.job.CompletedAt = &now
	}
	t.job.Phase = phase
}

func (t *JobTracker) AddEvents(events, records int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Events += events
	t.job.Records += records
}

func (t *JobTracker) AddError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Errors = append(t.job.Errors, msg)
}
