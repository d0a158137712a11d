package service

import (
	"context"
	"fmt"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
)

// StatusSetter is the part of the gRPC health server the checker drives.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// WorkerService returns the health service name of a worker process.
func WorkerService(pid int) string {
	return fmt.Sprintf("worker/%d", pid)
}

// WorkerHealthChecker mirrors the process table into health statuses: one
// entry per worker plus the overall "" service, which stops serving after the
// first hard failure.
type WorkerHealthChecker struct {
	checkInterval time.Duration
	store         core.ProcessStore
	health        StatusSetter
	logger        logging.Logger

	reported map[int]bool
}

func NewWorkerHealthChecker(
	checkInterval time.Duration,
	store core.ProcessStore,
	health StatusSetter,
	logger logging.Logger,
) *WorkerHealthChecker {
	return &WorkerHealthChecker{
		checkInterval: checkInterval,
		store:         store,
		health:        health,
		logger:        logger,
		reported:      make(map[int]bool),
	}
}

func (h *WorkerHealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.sync()
	for {
		select {
		case <-ctx.Done():
			h.sync()
			return
		case <-ticker.C:
			h.sync()
		}
	}
}

func (h *WorkerHealthChecker) sync() {
	processes, _, err := h.store.GetProcesses(core.ProcessFilter{})
	if err != nil {
		h.logger.Error("Failed to list worker processes", "error", err)
		return
	}

	overall := healthpb.HealthCheckResponse_SERVING
	for _, p := range processes {
		status := healthpb.HealthCheckResponse_SERVING
		switch {
		case p.HardFailure:
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			if !h.reported[p.PID] {
				h.reported[p.PID] = true
				h.logger.Warn("Worker failed", "pid", p.PID, "group", p.Group, "signal", p.Signal, "exit_code", p.ExitCode)
			}
		case p.Failed, !p.State.Live():
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.health.SetServingStatus(WorkerService(p.PID), status)
	}
	h.health.SetServingStatus("", overall)
}
