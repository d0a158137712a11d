package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

const (
	metricsPath  = "/metrics"
	healthzPath  = "/healthz"
	defaultLimit = 50
)

type API struct {
	store   core.ProcessStore
	job     core.JobReader
	metrics http.Handler
	logger  logging.Logger
	now     func() time.Time
}

// NewAPI builds the read-only status API. metrics may be nil.
func NewAPI(store core.ProcessStore, job core.JobReader, metrics http.Handler, logger logging.Logger) *API {
	return &API{
		store:   store,
		job:     job,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/job", a.getJob)
	mux.HandleFunc("GET /api/workers", a.listWorkers)
	mux.HandleFunc("GET /api/workers/{pid}", a.getWorker)
	mux.HandleFunc("GET "+healthzPath, a.healthz)
	if a.metrics != nil {
		mux.Handle("GET "+metricsPath, a.metrics)
	}
}

// getJob handles GET /api/job
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, ToGetJobResponse(a.job.Job()))
}

// listWorkers handles GET /api/workers with group/state filters and pagination
func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := core.ProcessFilter{
		Group:  query.Get("group"),
		Limit:  defaultLimit,
		Offset: 0,
	}
	if s := query.Get("state"); s != "" {
		state := work.WorkerState(s)
		filter.State = &state
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	processes, total, err := a.store.GetProcesses(filter)
	if err != nil {
		a.logger.Error("Failed to list workers", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list workers", err.Error())
		return
	}

	now := a.now()
	workers := make([]WorkerResponse, 0, len(processes))
	for _, p := range processes {
		workers = append(workers, ToWorkerResponse(p, now))
	}

	var nextOffset *int
	if end := filter.Offset + len(workers); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListWorkersResponse{
		Workers:    workers,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// getWorker handles GET /api/workers/{pid}
func (a *API) getWorker(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		a.respondError(w, http.StatusBadRequest, "invalid pid", r.PathValue("pid"))
		return
	}

	p, err := a.store.GetProcessByPID(pid)
	if errors.Is(err, core.ErrProcessNotFound) {
		a.respondError(w, http.StatusNotFound, "worker not found", "")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "failed to get worker", err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, ToWorkerResponse(p, a.now()))
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	job := a.job.Job()
	if job.Phase == core.JobPhaseFailed {
		a.respondError(w, http.StatusServiceUnavailable, "job failed", "")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"phase": string(job.Phase)})
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// NewServer serves the API's routes with request logging.
func NewServer(addr string, api *API) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	return &http.Server{
		Addr:         addr,
		Handler:      api.instrument(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}
