package roles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nemanja-m/athenamp/internal/events"
	"github.com/nemanja-m/athenamp/internal/shared/shm"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// writer collects the records of every consumer into one output file.
type writer struct {
	proc   *Process
	queue  *shm.Queue
	sink   *events.Sink
	report work.ExecReport
}

func (r *writer) bootstrap(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	if status, err := p.bootstrap(ctx, in); status != work.StatusSuccess {
		return p.bootstrapOutcome(status, err)
	}
	cfg := p.Config

	var err error
	if r.queue, err = p.openQueue(ctx, p.Request.WriterQueue); err != nil {
		return p.bootstrapOutcome(work.StatusNotFound, err)
	}

	dir := cfg.OutputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.bootstrapOutcome(work.StatusFileNotMade, fmt.Errorf("failed to create output directory: %w", err))
	}
	if r.sink, err = events.NewSink(filepath.Join(dir, cfg.Output.FileName), cfg.Output.Compression); err != nil {
		return p.bootstrapOutcome(work.StatusFileNotMade, err)
	}
	p.track(r.sink)
	return p.bootstrapOutcome(work.StatusSuccess, nil)
}

// exec writes records until the stop marker, or until the queue is shut
// down and empty.
func (r *writer) exec(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	start := time.Now()
	r.report = work.ExecReport{Rank: p.Rank, PID: p.PID}

	err := r.serve(ctx)
	r.report.WallNanos = time.Since(start).Nanoseconds()
	if err != nil {
		r.report.Error = err.Error()
		p.Logger.Error("Shared writer failed", "records", r.report.Records, "error", err)
		return work.Outcome(work.StatusProcFailed, r.report.Marshal())
	}

	p.Logger.Info("Shared writer drained", "records", r.report.Records)
	return work.Outcome(work.StatusSuccess, r.report.Marshal())
}

func (r *writer) serve(ctx context.Context) error {
	for {
		b, err := r.queue.Receive(ctx)
		if errors.Is(err, shm.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		data, stop, err := work.ParseWriterRecord(b)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
		if err := r.sink.Write(data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		r.report.Records++
		r.report.Events++
	}
}

func (r *writer) fin(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	report := work.FinReport{Rank: p.Rank, PID: p.PID, Events: r.report.Records}
	status := work.StatusSuccess

	if err := r.sink.Close(); err != nil {
		status = work.StatusFileNotMade
		report.Error = err.Error()
	} else {
		report.Output = r.sink.Path()
	}
	if err := p.Close(); err != nil && report.Error == "" {
		report.Error = err.Error()
	}
	return work.Outcome(status, report.Marshal())
}
