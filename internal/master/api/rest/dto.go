package rest

import "time"

type WorkerResponse struct {
	PID         int        `json:"pid"`
	Group       string     `json:"group"`
	Kind        string     `json:"kind"`
	Index       int        `json:"index"`
	Rank        int        `json:"rank"`
	State       string     `json:"state"`
	LastStatus  string     `json:"last_status"`
	Failed      bool       `json:"failed"`
	Finished    bool       `json:"finished"`
	Events      int64      `json:"events"`
	RunDir      string     `json:"run_dir,omitempty"`
	LogPath     string     `json:"log_path"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Signal      string     `json:"signal,omitempty"`
	HardFailure bool       `json:"hard_failure"`
	StartedAt   time.Time  `json:"started_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	UptimeMs    int64      `json:"uptime_ms"`
}

type ListWorkersResponse struct {
	Workers    []WorkerResponse `json:"workers"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
	NextOffset *int             `json:"next_offset,omitempty"`
}

type GetJobResponse struct {
	JobID       string         `json:"job_id"`
	Processor   string         `json:"processor"`
	NProcs      int            `json:"nprocs"`
	Phase       string         `json:"phase"`
	TopDir      string         `json:"top_dir"`
	OutputDir   string         `json:"output_dir"`
	RecordOrder bool           `json:"record_order"`
	ReplayFile  string         `json:"replay_file,omitempty"`
	Progress    ProgressInfo   `json:"progress"`
	Timestamps  TimestampsInfo `json:"timestamps"`
	Errors      []string       `json:"errors"`
}

type ProgressInfo struct {
	Events  int64 `json:"events"`
	Records int64 `json:"records"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	Completed *time.Time `json:"completed"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
