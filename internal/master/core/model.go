package core

import (
	"time"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// Process is the master's view of one worker process.
type Process struct {
	PID   int
	Group string
	Kind  work.Kind
	Index int
	Rank  int
	State work.WorkerState

	// Failed is set once the worker reports a non-success bootstrap. Failed
	// workers receive no further dispatch.
	Failed     bool
	Finished   bool
	LastStatus work.Status
	Events     int64
	RunDir     string
	LogPath    string
	Error      string

	ExitCode    int
	Signal      string
	HardFailure bool

	StartedAt time.Time
	ExitedAt  *time.Time
}

// Eligible reports whether the process may receive a dispatch.
func (p *Process) Eligible() bool {
	return !p.Failed && p.ExitedAt == nil && p.State.Live()
}

func (p *Process) Uptime(now time.Time) time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	if p.ExitedAt != nil {
		return p.ExitedAt.Sub(p.StartedAt)
	}
	return now.Sub(p.StartedAt)
}

// Result is one outcome returned by a worker.
type Result struct {
	PID    int
	Group  string
	Func   work.Func
	Status work.Status
	Body   []byte
}

// Success reports whether the worker returned StatusSuccess.
func (r Result) Success() bool {
	return r.Status == work.StatusSuccess
}

// ExitEvent describes a reaped worker. Hard is true for exits that leave
// the job in an inconsistent state.
type ExitEvent struct {
	PID      int
	Group    string
	Status   work.Status
	ExitCode int
	Signal   string
	Hard     bool
}

type ProcessFilter struct {
	Group  string
	State  *work.WorkerState
	Limit  int
	Offset int
}
