package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/worker/app"
)

// workerCmd is what the master re-executes for every worker process. It
// talks to the master over inherited descriptors and is not meant to be run
// by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker process (started by the master)",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		code := app.Run(ctx, logging.NewSlogLoggerTo(os.Stderr, slog.LevelInfo, "json"))
		stop()
		os.Exit(code)
	},
}
