package mptools

import (
	"time"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// Report summarises a finished, or aborted, job.
type Report struct {
	JobID        string
	Workers      int
	Events       int64
	Records      int64
	SoftFailures []Failure
	HardFailures []Failure
	OrderFile    string
	Outputs      []string
	Logs         []string
	Duration     time.Duration
}

// OK reports whether every worker succeeded.
func (r *Report) OK() bool {
	return len(r.SoftFailures) == 0 && len(r.HardFailures) == 0
}

// report aggregates what every tool has collected. Events and records are
// counted from the consumers only; the provider's counts describe what it
// queued, and the writer's are the records it wrote.
func (j *Job) report() *Report {
	r := &Report{JobID: j.id.String()}
	for _, t := range j.tools {
		r.Workers += t.Count
		r.Logs = append(r.Logs, t.Group.SubprocessLogs()...)

		for _, f := range t.Failures() {
			if f.Hard {
				r.HardFailures = append(r.HardFailures, f)
			} else {
				r.SoftFailures = append(r.SoftFailures, f)
				j.tracker.AddError(f.String())
			}
		}

		if t.Kind == work.KindConsumer {
			for _, e := range t.ExecReports() {
				r.Events += e.Events
				r.Records += e.Records
			}
		}
		for _, fin := range t.FinReports() {
			if fin.Output != "" {
				r.Outputs = append(r.Outputs, fin.Output)
			}
		}
	}
	j.tracker.AddEvents(r.Events, r.Records)
	return r
}
