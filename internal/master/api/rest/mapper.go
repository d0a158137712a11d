package rest

import (
	"time"

	"github.com/nemanja-m/athenamp/internal/master/core"
)

func ToWorkerResponse(p *core.Process, now time.Time) WorkerResponse {
	resp := WorkerResponse{
		PID:         p.PID,
		Group:       p.Group,
		Kind:        p.Kind.String(),
		Index:       p.Index,
		Rank:        p.Rank,
		State:       string(p.State),
		LastStatus:  p.LastStatus.String(),
		Failed:      p.Failed,
		Finished:    p.Finished,
		Events:      p.Events,
		RunDir:      p.RunDir,
		LogPath:     p.LogPath,
		Error:       p.Error,
		Signal:      p.Signal,
		HardFailure: p.HardFailure,
		StartedAt:   p.StartedAt,
		ExitedAt:    p.ExitedAt,
		UptimeMs:    p.Uptime(now).Milliseconds(),
	}
	if p.ExitedAt != nil && p.Signal == "" {
		code := p.ExitCode
		resp.ExitCode = &code
	}
	return resp
}

func ToGetJobResponse(job core.Job) GetJobResponse {
	errors := job.Errors
	if errors == nil {
		errors = []string{}
	}
	return GetJobResponse{
		JobID:       job.ID.String(),
		Processor:   job.Processor,
		NProcs:      job.NProcs,
		Phase:       string(job.Phase),
		TopDir:      job.TopDir,
		OutputDir:   job.OutputDir,
		RecordOrder: job.RecordOrder,
		ReplayFile:  job.ReplayFile,
		Progress: ProgressInfo{
			Events:  job.Events,
			Records: job.Records,
		},
		Timestamps: TimestampsInfo{
			Submitted: job.SubmittedAt,
			Started:   job.StartedAt,
			Completed: job.CompletedAt,
		},
		Errors: errors,
	}
}
