// Package app is the entry point of a worker process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
	"github.com/nemanja-m/athenamp/internal/worker/api/pipe"
	"github.com/nemanja-m/athenamp/internal/worker/roles"
	"github.com/nemanja-m/athenamp/internal/worker/service"
)

// KindFromEnv reads the worker kind the master put in the environment.
func KindFromEnv() (work.Kind, error) {
	group := os.Getenv(work.EnvGroup)
	if group == "" {
		return 0, fmt.Errorf("%s is not set; workers are started by the master", work.EnvGroup)
	}
	return work.ParseKind(group)
}

// Run serves the master over the inherited pipes until fin, EOF or
// cancellation, and returns the process exit code.
func Run(ctx context.Context, logger logging.Logger) int {
	kind, err := KindFromEnv()
	if err != nil {
		logger.Error("Cannot start worker", "error", err)
		return int(work.StatusNotFound)
	}
	logger = logger.With("pid", os.Getpid(), "kind", kind.String(), "index", os.Getenv(work.EnvIndex))

	conn, err := pipe.Inherited()
	if err != nil {
		logger.Error("Master pipes are missing", "error", err)
		return int(work.StatusNotFound)
	}
	defer conn.Close()

	proc := roles.NewProcess(kind, logger)
	role, err := roles.New(kind, proc)
	if err != nil {
		logger.Error("Cannot start worker", "error", err)
		return int(work.StatusNotFound)
	}
	defer proc.Close()

	status, err := service.NewWorkerService(conn, role, logger).Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Worker interrupted")
		} else {
			logger.Error("Worker stopped", "error", err)
		}
		return int(work.StatusProcFailed)
	}
	return int(status)
}
