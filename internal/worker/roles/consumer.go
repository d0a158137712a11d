package roles

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nemanja-m/athenamp/internal/events"
	"github.com/nemanja-m/athenamp/internal/orderlog"
	"github.com/nemanja-m/athenamp/internal/shared/shm"
	"github.com/nemanja-m/athenamp/internal/shared/work"
	"github.com/nemanja-m/athenamp/pkg/processor"
)

// PartialOrderLog is the file a recording consumer writes its order log to,
// inside its run directory.
const PartialOrderLog = "event_order.partial"

// consumer pulls event ranges (or walks its replay slice) and runs the
// processor over every event.
type consumer struct {
	proc      *Process
	source    *events.Source
	processor processor.Processor

	events *shm.Queue
	writer *shm.Queue
	sink   *events.Sink

	replaying bool
	replay    []int64
	recorder  *orderlog.Recorder

	report work.ExecReport
}

func (r *consumer) bootstrap(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	if status, err := p.bootstrap(ctx, in); status != work.StatusSuccess {
		return p.bootstrapOutcome(status, err)
	}
	cfg := p.Config

	var err error
	if r.source, err = p.openSource(); err != nil {
		return p.bootstrapOutcome(work.StatusBadInpFile, err)
	}
	if r.processor, err = processor.New(cfg.Job.Processor, cfg.Job.ProcessorOptions); err != nil {
		return p.bootstrapOutcome(work.StatusNotFound, err)
	}

	if cfg.Replay() {
		r.replaying = true
		if r.replay, err = orderlog.LoadSlice(cfg.Reproducibility.ReplayFile, p.Rank); err != nil {
			return p.bootstrapOutcome(work.StatusBadInpFile, err)
		}
		p.Logger.Info("Replaying recorded event order", "events", len(r.replay))
	} else if r.events, err = p.openQueue(ctx, p.Request.EventQueue); err != nil {
		return p.bootstrapOutcome(work.StatusNotFound, err)
	}

	if cfg.Reproducibility.RecordOrder {
		r.recorder = orderlog.NewRecorder()
	}

	if cfg.Output.SharedWriter {
		if r.writer, err = p.openQueue(ctx, p.Request.WriterQueue); err != nil {
			return p.bootstrapOutcome(work.StatusNotFound, err)
		}
	} else {
		path := filepath.Join(p.RunDir, cfg.Output.FileName)
		if r.sink, err = events.NewSink(path, cfg.Output.Compression); err != nil {
			return p.bootstrapOutcome(work.StatusFileNotMade, err)
		}
		p.track(r.sink)
	}
	return p.bootstrapOutcome(work.StatusSuccess, nil)
}

func (r *consumer) exec(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	start := time.Now()
	r.report = work.ExecReport{Rank: p.Rank, PID: p.PID}

	status := work.StatusSuccess
	var firstErr error
	fail := func(s work.Status, err error) {
		if status == work.StatusSuccess {
			status, firstErr = s, err
		}
		p.Logger.Warn("Event failed", "status", s.String(), "error", err)
	}

	handle := func(index int64) {
		if r.recorder != nil {
			r.recorder.Record(index)
		}
		ev, err := r.source.Read(index)
		if err != nil {
			r.report.Failed++
			fail(work.StatusSeekFailed, err)
			return
		}

		t0 := time.Now()
		out, err := r.processor.Process(ctx, processor.Event{Index: ev.Index, Data: ev.Data})
		r.report.Observe(time.Since(t0).Nanoseconds())
		if err != nil {
			r.report.Failed++
			fail(work.StatusProcFailed, fmt.Errorf("event %d: %w", index, err))
			return
		}
		if out == nil {
			return
		}
		if err := r.emit(ctx, out); err != nil {
			r.report.Failed++
			fail(work.StatusProcFailed, fmt.Errorf("event %d output: %w", index, err))
			return
		}
		r.report.Records++
	}

	var err error
	if r.replaying {
		err = r.walkReplay(ctx, handle)
	} else {
		err = r.drain(ctx, handle)
	}
	if err != nil {
		fail(work.StatusProcFailed, err)
	}

	r.report.WallNanos = time.Since(start).Nanoseconds()
	if firstErr != nil {
		r.report.Error = firstErr.Error()
	}
	p.Logger.Info("Events processed",
		"events", r.report.Events,
		"failed", r.report.Failed,
		"records", r.report.Records,
		"wall", time.Duration(r.report.WallNanos).String(),
	)
	return work.Outcome(status, r.report.Marshal())
}

// drain consumes ranges until an end marker arrives or the queue is shut
// down. Cancellation is only observed between events.
func (r *consumer) drain(ctx context.Context, handle func(int64)) error {
	for {
		b, err := r.events.Receive(ctx)
		if errors.Is(err, shm.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		rg, err := work.DecodeRange(b)
		if err != nil {
			return err
		}
		if rg.End() {
			return nil
		}
		for i := rg.Start; i < rg.Start+rg.Count; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			handle(i)
		}
	}
}

func (r *consumer) walkReplay(ctx context.Context, handle func(int64)) error {
	for _, index := range r.replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		handle(index)
	}
	return nil
}

func (r *consumer) emit(ctx context.Context, record []byte) error {
	if r.writer != nil {
		return r.writer.Send(ctx, work.WriterRecord(record))
	}
	return r.sink.Write(record)
}

func (r *consumer) fin(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	report := work.FinReport{Rank: p.Rank, PID: p.PID, Events: r.report.Events}
	status := work.StatusSuccess

	if r.recorder != nil {
		path := filepath.Join(p.RunDir, PartialOrderLog)
		if err := r.recorder.WriteFile(path); err != nil {
			status = work.StatusFileNotMade
			report.Error = err.Error()
		} else {
			report.OrderLog = path
		}
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			status = work.StatusFileNotMade
			report.Error = err.Error()
		} else {
			report.Output = r.sink.Path()
		}
	}

	if err := p.Close(); err != nil && report.Error == "" {
		report.Error = err.Error()
	}
	p.Logger.Info("Consumer finalized", "status", status.String(), "order_log", report.OrderLog)
	return work.Outcome(status, report.Marshal())
}
