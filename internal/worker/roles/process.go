// Package roles implements the provider, consumer and shared-writer function
// tables a worker process runs.
package roles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nemanja-m/athenamp/internal/events"
	"github.com/nemanja-m/athenamp/internal/shared/config"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/shm"
	"github.com/nemanja-m/athenamp/internal/shared/work"
	"github.com/nemanja-m/athenamp/internal/worker/core"
)

// Process is everything one worker process knows about itself and its job.
// It is filled in by bootstrap and passed to every role callback.
type Process struct {
	PID       int
	MasterPID int
	Kind      work.Kind
	Rank      int
	JobID     string
	NProcs    int
	TopDir    string
	RunDir    string

	Config  *config.JobConfig
	Request work.BootstrapRequest
	Logger  logging.Logger

	// Files are the descriptors the master registered, reopened in this
	// process in registration order.
	Files []*os.File

	closers []io.Closer
}

func NewProcess(kind work.Kind, logger logging.Logger) *Process {
	return &Process{
		PID:    os.Getpid(),
		Kind:   kind,
		Rank:   -1,
		Logger: logger,
	}
}

// New returns the function table of kind bound to p.
func New(kind work.Kind, p *Process) (core.Role, error) {
	switch kind {
	case work.KindProvider:
		r := &provider{proc: p}
		return core.Role{
			Bootstrap: core.DecoderFunc(r.bootstrap),
			Exec:      core.DecoderFunc(r.exec),
			Fin:       core.DecoderFunc(r.fin),
		}, nil
	case work.KindConsumer:
		r := &consumer{proc: p}
		return core.Role{
			Bootstrap: core.DecoderFunc(r.bootstrap),
			Exec:      core.DecoderFunc(r.exec),
			Fin:       core.DecoderFunc(r.fin),
		}, nil
	case work.KindSharedWriter:
		r := &writer{proc: p}
		return core.Role{
			Bootstrap: core.DecoderFunc(r.bootstrap),
			Exec:      core.DecoderFunc(r.exec),
			Fin:       core.DecoderFunc(r.fin),
		}, nil
	default:
		return core.Role{}, fmt.Errorf("no role for worker kind %s", kind)
	}
}

func (p *Process) track(c io.Closer) {
	p.closers = append(p.closers, c)
}

// Close releases every queue handle and file the process opened. Queues are
// only unmapped; the master owns their segments.
func (p *Process) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	for _, f := range p.Files {
		_ = f.Close()
	}
	p.Files = nil
	_ = logging.Sync(p.Logger)
	return errors.Join(errs...)
}

// openQueue attaches to a queue the master created, waiting at most
// queue.open_timeout for it to appear.
func (p *Process) openQueue(ctx context.Context, name string) (*shm.Queue, error) {
	openCtx, cancel := context.WithTimeout(ctx, p.openTimeout())
	defer cancel()

	q, err := shm.Open(openCtx, name)
	if err != nil {
		return nil, err
	}
	p.track(q)
	return q, nil
}

func (p *Process) openTimeout() time.Duration {
	if p.Config.Queue.OpenTimeout <= 0 {
		return 30 * time.Second
	}
	return p.Config.Queue.OpenTimeout
}

// openSource builds the event source over the reopened input files. The
// source takes ownership of them.
func (p *Process) openSource() (*events.Source, error) {
	if len(p.Files) == 0 {
		return nil, errors.New("no input files were registered")
	}
	src, err := events.NewSource(p.Files)
	if err != nil {
		return nil, err
	}
	p.Files = nil
	p.track(src)
	return src, nil
}

func (p *Process) bootstrapOutcome(status work.Status, err error) work.ScheduledWork {
	report := work.BootstrapReport{Rank: p.Rank, PID: p.PID, RunDir: p.RunDir}
	if err != nil {
		report.Error = err.Error()
		p.Logger.Error("Bootstrap failed", "status", status.String(), "error", err)
	}
	return work.Outcome(status, report.Marshal())
}
