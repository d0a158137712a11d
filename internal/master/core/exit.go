package core

import (
	"syscall"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// ClassifyExit turns a wait status into an ExitEvent.
//
// A worker that finished its fin call, or that exited with the status of a
// failed bootstrap, has ended normally. So has any worker reaped while the
// master is terminating the group. Everything else, including every death by
// signal outside termination, is a hard failure.
func ClassifyExit(p *Process, ws syscall.WaitStatus, terminating bool) ExitEvent {
	ev := ExitEvent{PID: p.PID, Group: p.Group, ExitCode: -1}

	if ws.Signaled() {
		ev.Signal = ws.Signal().String()
		ev.Status = work.StatusProcFailed
		ev.Hard = !terminating
		return ev
	}

	ev.ExitCode = ws.ExitStatus()
	ev.Status = work.StatusFromExitCode(ev.ExitCode)
	switch {
	case terminating:
	case p.Failed:
		if ev.ExitCode == 0 {
			ev.Status = p.LastStatus
		}
	case p.Finished && ev.ExitCode == 0:
	default:
		ev.Hard = true
		if ev.Status == work.StatusSuccess {
			ev.Status = work.StatusProcFailed
		}
	}
	return ev
}
