package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/nemanja-m/athenamp/internal/shared/shm"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// provider turns the input into event ranges on the event queue.
type provider struct {
	proc   *Process
	queue  *shm.Queue
	total  int64
	report work.ExecReport
}

func (r *provider) bootstrap(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	if status, err := p.bootstrap(ctx, in); status != work.StatusSuccess {
		return p.bootstrapOutcome(status, err)
	}

	src, err := p.openSource()
	if err != nil {
		return p.bootstrapOutcome(work.StatusBadInpFile, err)
	}
	r.total = src.Len()

	r.queue, err = p.openQueue(ctx, p.Request.EventQueue)
	if err != nil {
		return p.bootstrapOutcome(work.StatusNotFound, err)
	}
	return p.bootstrapOutcome(work.StatusSuccess, nil)
}

func (r *provider) exec(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	start := time.Now()
	r.report = work.ExecReport{Rank: p.Rank, PID: p.PID}

	var req work.ExecRequest
	if err := req.Unmarshal(in.Data); err != nil {
		return r.fail(fmt.Errorf("malformed exec request: %w", err))
	}
	consumers := req.Consumers
	if consumers <= 0 {
		consumers = p.NProcs
	}

	input := p.Config.Input
	for _, rg := range planRanges(r.total, input.SkipEvents, input.MaxEvents, input.ChunkSize) {
		if err := r.queue.Send(ctx, rg.Encode()); err != nil {
			return r.fail(fmt.Errorf("failed to queue range %d+%d: %w", rg.Start, rg.Count, err))
		}
		r.report.Records++
		r.report.Events += rg.Count
	}
	for range consumers {
		if err := r.queue.Send(ctx, work.EndOfRange().Encode()); err != nil {
			return r.fail(fmt.Errorf("failed to queue end marker: %w", err))
		}
	}
	r.report.WallNanos = time.Since(start).Nanoseconds()

	p.Logger.Info("Event ranges queued",
		"events", r.report.Events,
		"ranges", r.report.Records,
		"consumers", consumers,
	)
	return work.Outcome(work.StatusSuccess, r.report.Marshal())
}

func (r *provider) fail(err error) work.ScheduledWork {
	r.report.Error = err.Error()
	r.proc.Logger.Error("Provider failed", "error", err)
	return work.Outcome(work.StatusProcFailed, r.report.Marshal())
}

func (r *provider) fin(ctx context.Context, in work.ScheduledWork) work.ScheduledWork {
	p := r.proc
	report := work.FinReport{Rank: p.Rank, PID: p.PID, Events: r.report.Events}
	if err := p.Close(); err != nil {
		report.Error = err.Error()
	}
	return work.Outcome(work.StatusSuccess, report.Marshal())
}

// planRanges splits the selected events into chunk-sized ranges. The
// selection starts at skip and holds at most limit events; a negative limit
// selects everything after skip.
func planRanges(total, skip, limit, chunk int64) []work.Range {
	if chunk <= 0 {
		chunk = 1
	}
	start := min(skip, total)
	end := total
	if limit >= 0 {
		end = min(start+limit, total)
	}

	var ranges []work.Range
	for s := start; s < end; s += chunk {
		ranges = append(ranges, work.Range{Start: s, Count: min(chunk, end-s)})
	}
	return ranges
}
