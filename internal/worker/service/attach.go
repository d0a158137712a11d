package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nemanja-m/athenamp/internal/shared/logging"
)

// WaitForAttach blocks until the process receives SIGUSR1, so a debugger can
// attach before bootstrap continues.
func WaitForAttach(ctx context.Context, logger logging.Logger) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	logger.Info("Waiting for SIGUSR1 before bootstrap", "pid", os.Getpid())
	select {
	case <-ch:
		logger.Info("Resuming bootstrap")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
