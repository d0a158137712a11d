package core

import (
	"context"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// MessageDecoder runs one unit of bootstrap, exec or fin work in the worker
// process and returns its outcome.
type MessageDecoder interface {
	Decode(ctx context.Context, in work.ScheduledWork) work.ScheduledWork
}

type DecoderFunc func(ctx context.Context, in work.ScheduledWork) work.ScheduledWork

func (f DecoderFunc) Decode(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	return f(ctx, in)
}

// Role is the function table of one worker kind.
type Role struct {
	Bootstrap MessageDecoder
	Exec      MessageDecoder
	Fin       MessageDecoder
}

// For returns the decoder fn dispatches to, or nil.
func (r Role) For(fn work.Func) MessageDecoder {
	switch fn {
	case work.FuncBootstrap:
		return r.Bootstrap
	case work.FuncExec:
		return r.Exec
	case work.FuncFin:
		return r.Fin
	default:
		return nil
	}
}

// MasterConn is the worker's end of its dispatch and result pipes.
type MasterConn interface {
	Receive() (work.Envelope, error)
	Send(env work.Envelope) error
	Close() error
}

// WorkerService runs the dispatch loop until fin, EOF or cancellation. The
// returned status is the process exit code.
type WorkerService interface {
	Run(ctx context.Context) (work.Status, error)
}
