// Package group manages a pool of worker processes: spawning them, handing
// them work over per-child pipes, collecting their results and reaping them.
package group

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/monitoring"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

var (
	ErrNotFound          = errors.New("no such process in group")
	ErrNotEligible       = errors.New("process cannot receive work")
	ErrNoLiveProcesses   = errors.New("no live processes in group")
	ErrInvalidTransition = errors.New("invalid worker state transition")
	ErrDrained           = errors.New("group has no pending results or exits")
)

// SpawnSpec says how to start one worker process.
type SpawnSpec struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	LogDir string
}

type child struct {
	proc     core.Process
	cmd      *exec.Cmd
	dispatch *os.File
	results  *os.File
	writeMu  sync.Mutex
	done     chan struct{}
}

// Event is what Next returns: exactly one of Result or Exit is set.
type Event struct {
	Result *core.Result
	Exit   *core.ExitEvent
}

type Group struct {
	name    string
	kind    work.Kind
	spec    SpawnSpec
	store   core.ProcessStore
	logger  logging.Logger
	metrics *monitoring.Metrics

	mu          sync.Mutex
	children    map[int]*child
	order       []int
	results     *queue.Queue
	exits       *queue.Queue
	changed     chan struct{}
	terminating bool
	reaped      int
}

func New(name string, kind work.Kind, spec SpawnSpec, store core.ProcessStore, logger logging.Logger, metrics *monitoring.Metrics) *Group {
	return &Group{
		name:     name,
		kind:     kind,
		spec:     spec,
		store:    store,
		logger:   logger.With("group", name),
		metrics:  metrics,
		children: make(map[int]*child),
		results:  queue.New(),
		exits:    queue.New(),
		changed:  make(chan struct{}),
	}
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Kind() work.Kind {
	return g.kind
}

// Create spawns n workers. Each one blocks on its dispatch pipe until the
// first MapAsync reaches it.
func (g *Group) Create(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.spawn(i); err != nil {
			return fmt.Errorf("failed to spawn %s worker %d: %w", g.name, i, err)
		}
	}
	g.logger.Info("Workers spawned", "count", n)
	return nil
}

func (g *Group) spawn(index int) error {
	dispatchR, dispatchW, err := os.Pipe()
	if err != nil {
		return err
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		closeFiles(dispatchR, dispatchW)
		return err
	}

	logPath := filepath.Join(g.spec.LogDir, fmt.Sprintf("%s-%d.log", g.name, index))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		closeFiles(dispatchR, dispatchW, resultR, resultW)
		return fmt.Errorf("failed to open subprocess log: %w", err)
	}

	cmd := exec.Command(g.spec.Path, g.spec.Args...)
	cmd.Dir = g.spec.Dir
	cmd.Env = append(os.Environ(), g.spec.Env...)
	cmd.Env = append(cmd.Env, work.EnvGroup+"="+g.name, fmt.Sprintf("%s=%d", work.EnvIndex, index))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = []*os.File{dispatchR, resultW}
	cmd.SysProcAttr = sysProcAttr()

	startErr := cmd.Start()
	closeFiles(dispatchR, resultW, logFile)
	if startErr != nil {
		closeFiles(dispatchW, resultR)
		return startErr
	}

	c := &child{
		proc: core.Process{
			PID:       cmd.Process.Pid,
			Group:     g.name,
			Kind:      g.kind,
			Index:     index,
			Rank:      -1,
			State:     work.StateUnforked,
			LogPath:   logPath,
			StartedAt: time.Now(),
		},
		cmd:      cmd,
		dispatch: dispatchW,
		results:  resultR,
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	g.children[c.proc.PID] = c
	g.order = append(g.order, c.proc.PID)
	g.saveLocked(c, true)
	g.mu.Unlock()

	g.metrics.WorkerSpawned(g.name)
	g.logger.Debug("Worker spawned", "pid", c.proc.PID, "index", index, "log", logPath)

	go g.watch(c)
	return nil
}

// watch delivers a child's results in order and then reaps it, so every
// result of a child is queued before its exit.
func (g *Group) watch(c *child) {
	r := bufio.NewReader(c.results)
	for {
		env, err := work.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				g.logger.Warn("Result pipe broken", "pid", c.proc.PID, "error", err)
			}
			break
		}
		g.onResult(c, env)
	}

	waitErr := c.cmd.Wait()
	_ = c.results.Close()

	var ws syscall.WaitStatus
	if c.cmd.ProcessState != nil {
		ws, _ = c.cmd.ProcessState.Sys().(syscall.WaitStatus)
	} else {
		g.logger.Error("Failed to reap worker", "pid", c.proc.PID, "error", waitErr)
	}
	g.onExit(c, ws)
}

func (g *Group) onResult(c *child, env work.Envelope) {
	status, body, err := work.ParseOutcome(env.Work)
	if err != nil {
		g.logger.Error("Malformed result", "pid", c.proc.PID, "func", env.Func, "error", err)
	}

	g.mu.Lock()
	p := &c.proc
	p.LastStatus = status
	switch env.Func {
	case work.FuncBootstrap:
		var report work.BootstrapReport
		if err := report.Unmarshal(body); err == nil {
			p.Rank = report.Rank
			p.RunDir = report.RunDir
			p.Error = report.Error
		}
		if status == work.StatusSuccess {
			p.State = work.StateWaitForWork
		} else {
			p.Failed = true
		}
	case work.FuncExec:
		var report work.ExecReport
		if err := report.Unmarshal(body); err == nil {
			p.Events = report.Events
			if report.Error != "" {
				p.Error = report.Error
			}
			g.metrics.RecordEvents(g.name, report.Events, time.Duration(report.TotalEventNanos))
		}
	case work.FuncFin:
		p.Finished = true
		var report work.FinReport
		if err := report.Unmarshal(body); err == nil && report.Error != "" {
			p.Error = report.Error
		}
	}
	g.results.Add(core.Result{PID: p.PID, Group: g.name, Func: env.Func, Status: status, Body: body})
	g.saveLocked(c, false)
	g.broadcastLocked()
	g.mu.Unlock()

	g.metrics.RecordResult(g.name, env.Func.String(), status.String())
	if status != work.StatusSuccess {
		g.logger.Warn("Worker reported failure", "pid", c.proc.PID, "func", env.Func.String(), "status", status.String())
	} else {
		g.logger.Debug("Worker result", "pid", c.proc.PID, "func", env.Func.String())
	}
}

func (g *Group) onExit(c *child, ws syscall.WaitStatus) {
	g.mu.Lock()
	ev := core.ClassifyExit(&c.proc, ws, g.terminating)
	now := time.Now()
	p := &c.proc
	p.State = work.StateTerminated
	p.ExitedAt = &now
	p.ExitCode = ev.ExitCode
	p.Signal = ev.Signal
	p.HardFailure = ev.Hard
	g.exits.Add(ev)
	g.reaped++
	g.saveLocked(c, false)
	g.broadcastLocked()
	g.mu.Unlock()

	_ = c.dispatch.Close()
	close(c.done)

	g.metrics.WorkerExited(g.name, ev.Hard)
	if ev.Hard {
		g.logger.Error("Worker died", "pid", ev.PID, "status", ev.Status.String(), "exit_code", ev.ExitCode, "signal", ev.Signal)
	} else {
		g.logger.Debug("Worker exited", "pid", ev.PID, "status", ev.Status.String(), "exit_code", ev.ExitCode)
	}
}

func (g *Group) saveLocked(c *child, add bool) {
	if g.store == nil {
		return
	}
	snapshot := c.proc
	var err error
	if add {
		err = g.store.AddProcess(&snapshot)
	} else {
		err = g.store.UpdateProcess(&snapshot)
	}
	if err != nil {
		g.logger.Warn("Failed to store process", "pid", c.proc.PID, "error", err)
	}
}

func (g *Group) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// MapAsync dispatches fn with payload to the worker with the given pid, or
// to every eligible worker when pid is 0. Workers whose bootstrap failed are
// never eligible.
func (g *Group) MapAsync(fn work.Func, payload work.ScheduledWork, pid int) error {
	next := work.StateFor(fn)
	if next == "" {
		return fmt.Errorf("unknown function %s", fn)
	}

	g.mu.Lock()
	var targets []*child
	if pid == 0 {
		for _, p := range g.order {
			if c := g.children[p]; c.proc.Eligible() {
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			g.mu.Unlock()
			return fmt.Errorf("%s: %w", g.name, ErrNoLiveProcesses)
		}
	} else {
		c, ok := g.children[pid]
		if !ok {
			g.mu.Unlock()
			return fmt.Errorf("%s pid %d: %w", g.name, pid, ErrNotFound)
		}
		if !c.proc.Eligible() {
			g.mu.Unlock()
			return fmt.Errorf("%s pid %d: %w", g.name, pid, ErrNotEligible)
		}
		targets = append(targets, c)
	}

	for _, c := range targets {
		if !work.CanTransition(c.proc.State, next) {
			g.mu.Unlock()
			return fmt.Errorf("%s pid %d %s -> %s: %w", g.name, c.proc.PID, c.proc.State, next, ErrInvalidTransition)
		}
	}
	for _, c := range targets {
		c.proc.State = next
		g.saveLocked(c, false)
	}
	g.mu.Unlock()

	var eg errgroup.Group
	for _, c := range targets {
		eg.Go(func() error {
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			env := work.Envelope{Func: fn, PID: c.proc.PID, Work: payload}
			if err := work.WriteFrame(c.dispatch, env); err != nil {
				return fmt.Errorf("dispatch %s to pid %d: %w", fn, c.proc.PID, err)
			}
			g.metrics.RecordDispatch(g.name, fn.String())
			return nil
		})
	}
	return eg.Wait()
}

// PullOneResult returns the oldest undelivered result, blocking until one
// arrives. It returns ErrDrained once every worker is reaped and all their
// results were pulled.
func (g *Group) PullOneResult(ctx context.Context) (core.Result, error) {
	for {
		g.mu.Lock()
		if g.results.Length() > 0 {
			r := g.results.Remove().(core.Result)
			g.mu.Unlock()
			return r, nil
		}
		if g.reaped == len(g.children) {
			g.mu.Unlock()
			return core.Result{}, ErrDrained
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return core.Result{}, ctx.Err()
		case <-ch:
		}
	}
}

// WaitOnce blocks until one worker has been reaped and reports it.
func (g *Group) WaitOnce(ctx context.Context) (core.ExitEvent, error) {
	for {
		g.mu.Lock()
		if g.exits.Length() > 0 {
			ev := g.exits.Remove().(core.ExitEvent)
			g.mu.Unlock()
			return ev, nil
		}
		if g.reaped == len(g.children) {
			g.mu.Unlock()
			return core.ExitEvent{}, ErrDrained
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return core.ExitEvent{}, ctx.Err()
		case <-ch:
		}
	}
}

// Next returns the next result or exit, results first. A worker's exit is
// never returned before its results.
func (g *Group) Next(ctx context.Context) (Event, error) {
	for {
		g.mu.Lock()
		if g.results.Length() > 0 {
			r := g.results.Remove().(core.Result)
			g.mu.Unlock()
			return Event{Result: &r}, nil
		}
		if g.exits.Length() > 0 {
			ev := g.exits.Remove().(core.ExitEvent)
			g.mu.Unlock()
			return Event{Exit: &ev}, nil
		}
		if g.reaped == len(g.children) {
			g.mu.Unlock()
			return Event{}, ErrDrained
		}
		ch := g.changed
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-ch:
		}
	}
}

// Terminate stops every live worker: SIGTERM first, SIGKILL for whatever is
// still running after grace. It returns once every worker has been reaped.
func (g *Group) Terminate(ctx context.Context, grace time.Duration) error {
	g.mu.Lock()
	g.terminating = true
	var live []*child
	for _, pid := range g.order {
		c := g.children[pid]
		if c.proc.ExitedAt == nil {
			live = append(live, c)
		}
	}
	g.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	g.logger.Info("Terminating workers", "count", len(live), "grace", grace.String())

	var errs error
	for _, c := range live {
		errs = multierr.Append(errs, signalGroup(c.proc.PID, syscall.SIGTERM))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	for _, c := range live {
		select {
		case <-c.done:
			continue
		case <-timer.C:
		case <-ctx.Done():
		}
		break
	}

	killed := 0
	for _, c := range live {
		select {
		case <-c.done:
		default:
			killed++
			errs = multierr.Append(errs, signalGroup(c.proc.PID, syscall.SIGKILL))
		}
	}
	if killed > 0 {
		g.logger.Warn("Workers did not stop within grace period, killed", "count", killed)
	}

	for _, c := range live {
		<-c.done
	}
	return errs
}

// Live is the number of workers not yet reaped.
func (g *Group) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.children) - g.reaped
}

// Processes returns a snapshot of every worker in spawn order.
func (g *Group) Processes() []core.Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Process, 0, len(g.order))
	for _, pid := range g.order {
		out = append(out, g.children[pid].proc)
	}
	return out
}

// ReportSubprocessStatuses logs one line per worker.
func (g *Group) ReportSubprocessStatuses() {
	for _, p := range g.Processes() {
		g.logger.Info("Subprocess status",
			"pid", p.PID,
			"index", p.Index,
			"rank", p.Rank,
			"state", string(p.State),
			"status", p.LastStatus.String(),
			"exit_code", p.ExitCode,
			"signal", p.Signal,
			"hard_failure", p.HardFailure,
			"events", p.Events,
		)
	}
}

// SubprocessLogs lists the per-worker stdout/stderr log files.
func (g *Group) SubprocessLogs() []string {
	procs := g.Processes()
	logs := make([]string, 0, len(procs))
	for _, p := range procs {
		logs = append(logs, p.LogPath)
	}
	return logs
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
