// Package mptools drives one athenamp job from the master process: it
// creates the shared queues, spawns the worker groups, walks them through
// bootstrap, exec and fin, and aggregates what they report.
package mptools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/group"
	"github.com/nemanja-m/athenamp/internal/orderlog"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

var (
	ErrNotMaster       = errors.New("order logs can only be merged by the master process")
	ErrHardFailure     = errors.New("worker failed hard")
	ErrBootstrapFailed = errors.New("bootstrap failed")
	ErrReplayMismatch  = errors.New("replay file does not fit the job")
)

// Failure is one non-success outcome or abnormal exit.
type Failure struct {
	PID    int
	Group  string
	Func   string
	Status work.Status
	Error  string
	Hard   bool
}

func (f Failure) String() string {
	s := fmt.Sprintf("%s pid %d %s %s", f.Group, f.PID, f.Func, f.Status)
	if f.Error != "" {
		s += ": " + f.Error
	}
	return s
}

// Tool is the master's handle on one worker role: its process group and
// everything the group's workers have reported so far.
type Tool struct {
	Kind  work.Kind
	Group *group.Group
	Count int

	logger logging.Logger

	mu       sync.Mutex
	boots    map[int]work.BootstrapReport
	failed   map[int]bool
	execs    map[int]work.ExecReport
	fins     map[int]work.FinReport
	failures []Failure
	execSeen chan struct{}
}

func newTool(kind work.Kind, g *group.Group, count int, logger logging.Logger) *Tool {
	return &Tool{
		Kind:     kind,
		Group:    g,
		Count:    count,
		logger:   logger.With("group", g.Name()),
		boots:    make(map[int]work.BootstrapReport),
		failed:   make(map[int]bool),
		execs:    make(map[int]work.ExecReport),
		fins:     make(map[int]work.FinReport),
		execSeen: make(chan struct{}),
	}
}

// Bootstrapped is the number of workers that reported a successful bootstrap.
func (t *Tool) Bootstrapped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for pid := range t.boots {
		if !t.failed[pid] {
			n++
		}
	}
	return n
}

// awaitBootstrap collects one bootstrap outcome, or an exit, from every
// worker of the group.
func (t *Tool) awaitBootstrap(ctx context.Context) error {
	pending := make(map[int]bool, t.Count)
	for _, p := range t.Group.Processes() {
		pending[p.PID] = true
	}

	for len(pending) > 0 {
		ev, err := t.Group.Next(ctx)
		if errors.Is(err, group.ErrDrained) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case ev.Result != nil:
			if ev.Result.Func == work.FuncBootstrap {
				delete(pending, ev.Result.PID)
			}
			t.onResult(*ev.Result)
		case ev.Exit != nil:
			delete(pending, ev.Exit.PID)
			if err := t.onExit(*ev.Exit); err != nil {
				return err
			}
		}
	}
	return nil
}

// drive consumes the group's events until every worker has been reaped.
// Every exec result is answered with fin for the same worker.
func (t *Tool) drive(ctx context.Context) error {
	for {
		ev, err := t.Group.Next(ctx)
		if errors.Is(err, group.ErrDrained) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Exit != nil {
			if err := t.onExit(*ev.Exit); err != nil {
				return err
			}
			continue
		}

		r := *ev.Result
		t.onResult(r)
		if r.Func != work.FuncExec {
			continue
		}
		if err := t.Group.MapAsync(work.FuncFin, work.ScheduledWork{}, r.PID); err != nil {
			t.logger.Warn("Failed to dispatch fin", "pid", r.PID, "error", err)
		}
	}
}

func (t *Tool) onResult(r core.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		reportErr string
		decodeErr error
	)
	switch r.Func {
	case work.FuncBootstrap:
		var report work.BootstrapReport
		decodeErr = report.Unmarshal(r.Body)
		t.boots[r.PID] = report
		t.failed[r.PID] = !r.Success()
		reportErr = report.Error
	case work.FuncExec:
		var report work.ExecReport
		decodeErr = report.Unmarshal(r.Body)
		t.execs[r.PID] = report
		reportErr = report.Error
		select {
		case <-t.execSeen:
		default:
			close(t.execSeen)
		}
	case work.FuncFin:
		var report work.FinReport
		decodeErr = report.Unmarshal(r.Body)
		t.fins[r.PID] = report
		reportErr = report.Error
	}
	if decodeErr != nil {
		t.logger.Warn("Malformed report", "pid", r.PID, "func", r.Func.String(), "error", decodeErr)
	}

	if !r.Success() {
		t.failures = append(t.failures, Failure{
			PID:    r.PID,
			Group:  r.Group,
			Func:   r.Func.String(),
			Status: r.Status,
			Error:  reportErr,
		})
	}
}

func (t *Tool) onExit(ev core.ExitEvent) error {
	if !ev.Hard {
		return nil
	}
	f := Failure{
		PID:    ev.PID,
		Group:  ev.Group,
		Func:   "EXIT",
		Status: ev.Status,
		Hard:   true,
	}
	if ev.Signal != "" {
		f.Error = "killed by " + ev.Signal
	} else {
		f.Error = fmt.Sprintf("exit code %d", ev.ExitCode)
	}

	t.mu.Lock()
	t.failures = append(t.failures, f)
	t.mu.Unlock()
	return fmt.Errorf("%s: %w", f, ErrHardFailure)
}

// waitExec blocks until some worker of the group has returned its exec
// outcome. It reports false when ctx ends first.
func (t *Tool) waitExec(ctx context.Context) bool {
	select {
	case <-t.execSeen:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tool) Failures() []Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Failure(nil), t.failures...)
}

// ExecReports returns the exec outcomes ordered by rank.
func (t *Tool) ExecReports() []work.ExecReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]work.ExecReport, 0, len(t.execs))
	for _, r := range t.execs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// FinReports returns the fin outcomes ordered by rank.
func (t *Tool) FinReports() []work.FinReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]work.FinReport, 0, len(t.fins))
	for _, r := range t.fins {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Finalize merges the partial order logs the group's workers left behind
// into orderFile and returns the number of assignments written. It only runs
// in the process whose pid is masterPID.
func (t *Tool) Finalize(masterPID int, orderFile string) (int, error) {
	if os.Getpid() != masterPID {
		return 0, ErrNotMaster
	}

	partials := make(map[int]string)
	for _, r := range t.FinReports() {
		if r.OrderLog != "" {
			partials[r.Rank] = r.OrderLog
		}
	}

	n, err := orderlog.Merge(orderFile, partials)
	if err != nil {
		return 0, err
	}
	t.logger.Info("Event order merged", "path", orderFile, "workers", len(partials), "events", n)
	return n, nil
}
