package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
	"github.com/nemanja-m/athenamp/internal/worker/core"
)

type workerService struct {
	conn   core.MasterConn
	role   core.Role
	pid    int
	logger logging.Logger

	state work.WorkerState
}

func NewWorkerService(conn core.MasterConn, role core.Role, logger logging.Logger) core.WorkerService {
	return &workerService{
		conn:   conn,
		role:   role,
		pid:    os.Getpid(),
		logger: logger,
		state:  work.StateUnforked,
	}
}

type dispatch struct {
	env work.Envelope
	err error
}

// Run serves dispatches one at a time. It returns after fin, after a failed
// bootstrap (with that status), when the master closes the dispatch pipe, or
// when ctx is cancelled between dispatches.
func (w *workerService) Run(ctx context.Context) (work.Status, error) {
	done := make(chan struct{})
	defer close(done)
	dispatches := make(chan dispatch)
	go w.receiveLoop(dispatches, done)

	for {
		var d dispatch
		select {
		case <-ctx.Done():
			w.logger.Info("Worker cancelled", "state", string(w.state))
			return work.StatusSuccess, ctx.Err()
		case d = <-dispatches:
		}

		if d.err != nil {
			if errors.Is(d.err, io.EOF) {
				w.logger.Info("Master closed dispatch pipe", "state", string(w.state))
				return work.StatusSuccess, nil
			}
			return work.StatusProcFailed, fmt.Errorf("failed to read dispatch: %w", d.err)
		}

		status, finished, err := w.handle(ctx, d.env)
		if err != nil {
			return work.StatusProcFailed, err
		}
		if finished {
			return status, nil
		}
	}
}

func (w *workerService) receiveLoop(out chan<- dispatch, done <-chan struct{}) {
	for {
		env, err := w.conn.Receive()
		select {
		case out <- dispatch{env: env, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle runs one dispatch and reports whether the worker should exit.
func (w *workerService) handle(ctx context.Context, env work.Envelope) (work.Status, bool, error) {
	next := work.StateFor(env.Func)
	decoder := w.role.For(env.Func)
	if next == "" || decoder == nil || !work.CanTransition(w.state, next) {
		w.logger.Error("Rejected dispatch", "func", env.Func.String(), "state", string(w.state))
		reply := work.Envelope{Func: env.Func, PID: w.pid, Work: work.Outcome(work.StatusNotFound, nil)}
		return work.StatusNotFound, false, w.conn.Send(reply)
	}

	w.state = next
	w.logger.Debug("Dispatch received", "func", env.Func.String(), "bytes", env.Work.Size())

	out := decoder.Decode(ctx, env.Work)
	status, _, err := work.ParseOutcome(out)
	if err != nil {
		w.logger.Error("Role returned a malformed outcome", "func", env.Func.String(), "error", err)
		status = work.StatusProcFailed
		out = work.Outcome(status, nil)
	}

	if err := w.conn.Send(work.Envelope{Func: env.Func, PID: w.pid, Work: out}); err != nil {
		return work.StatusProcFailed, false, fmt.Errorf("failed to send %s result: %w", env.Func, err)
	}

	switch env.Func {
	case work.FuncBootstrap:
		if status != work.StatusSuccess {
			w.logger.Error("Bootstrap failed", "status", status.String())
			w.state = work.StateTerminated
			return status, true, nil
		}
		w.state = work.StateWaitForWork
	case work.FuncExec:
		if status != work.StatusSuccess {
			w.logger.Warn("Exec finished with failures", "status", status.String())
		}
	case work.FuncFin:
		w.state = work.StateTerminated
		return work.StatusSuccess, true, nil
	}
	return status, false, nil
}
