package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	grpcapi "github.com/nemanja-m/athenamp/internal/master/api/grpc"
	"github.com/nemanja-m/athenamp/internal/master/api/rest"
	"github.com/nemanja-m/athenamp/internal/master/monitoring"
	"github.com/nemanja-m/athenamp/internal/master/service"
	"github.com/nemanja-m/athenamp/internal/master/storage"
	"github.com/nemanja-m/athenamp/internal/mptools"
	"github.com/nemanja-m/athenamp/internal/shared/config"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
)

var configPath string

// flagKeys maps run flags onto the config keys they override.
var flagKeys = map[string]string{
	"nprocs":        "job.nprocs",
	"top-dir":       "job.top_dir",
	"processor":     "job.processor",
	"option":        "job.processor_options",
	"input":         "input.paths",
	"skip-events":   "input.skip_events",
	"max-events":    "input.max_events",
	"chunk-size":    "input.chunk_size",
	"output-dir":    "output.dir",
	"shared-writer": "output.shared_writer",
	"compression":   "output.compression",
	"record-order":  "reproducibility.record_order",
	"order-file":    "reproducibility.order_file",
	"replay-file":   "reproducibility.replay_file",
	"attach":        "debug.wait_for_attach",
	"log-level":     "logging.level",
	"rest-addr":     "monitor.rest_addr",
	"grpc-addr":     "monitor.grpc_addr",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job over the configured input",
	Long: `Runs one job: spawns the provider, consumer and writer processes, feeds
them the input and waits until every worker has finished.

Settings come from the config file, ATHENAMP_* environment variables and
the flags below, in increasing order of precedence.

Example:
  athenamp run --input 'data/**/*.txt' --nprocs 8 --processor grep --option pattern=ERROR`,
	Args: cobra.NoArgs,
	RunE: runJob,
}

func init() {
	registerRunFlags(runCmd)
}

func registerRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to config file (default: config/athenamp.yaml)")
	f.IntP("nprocs", "n", 0, "number of consumer processes (0: one per CPU)")
	f.String("top-dir", "", "directory for run directories, logs and the order file")
	f.StringP("processor", "p", "", "event processor")
	f.StringToString("option", nil, "processor option as key=value (repeatable)")
	f.StringSliceP("input", "i", nil, "input file or glob pattern (repeatable)")
	f.Int64("skip-events", 0, "number of leading events to skip")
	f.Int64("max-events", -1, "maximum number of events to process (-1: all)")
	f.Int64("chunk-size", 1, "events per range handed to a consumer")
	f.String("output-dir", "", "directory of the merged output (default: top dir)")
	f.Bool("shared-writer", true, "merge consumer output through one writer process")
	f.String("compression", "", "output compression: none or zstd")
	f.Bool("record-order", false, "record which consumer processed which event")
	f.String("order-file", "", "path of the merged event order file")
	f.String("replay-file", "", "replay the event assignment of a recorded order file")
	f.Bool("attach", false, "make every worker wait for SIGUSR1 during bootstrap")
	f.String("log-level", "", "log level: debug, info, warn or error")
	f.String("rest-addr", "", "address of the status REST API (empty: disabled)")
	f.String("grpc-addr", "", "address of the gRPC health service (empty: disabled)")
}

// flagOverrides returns the config values of every flag set on the command
// line.
func flagOverrides(cmd *cobra.Command) (map[string]any, error) {
	flags := cmd.Flags()
	overrides := make(map[string]any)
	for name, key := range flagKeys {
		if !flags.Changed(name) {
			continue
		}

		var (
			value any
			err   error
		)
		switch flags.Lookup(name).Value.Type() {
		case "int":
			value, err = flags.GetInt(name)
		case "int64":
			value, err = flags.GetInt64(name)
		case "bool":
			value, err = flags.GetBool(name)
		case "stringSlice":
			value, err = flags.GetStringSlice(name)
		case "stringToString":
			value, err = flags.GetStringToString(name)
		default:
			value, err = flags.GetString(name)
		}
		if err != nil {
			return nil, err
		}
		overrides[key] = value
	}
	return overrides, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	overrides, err := flagOverrides(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadJob(configPath, overrides)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.NewSlogLoggerTo(os.Stderr, level, cfg.Logging.Format)

	metrics := monitoring.NewMetrics()
	store := storage.NewInMemoryProcessStore()
	job, err := mptools.NewJob(cfg,
		mptools.WithLogger(logger),
		mptools.WithMetrics(metrics),
		mptools.WithStore(store),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Monitor.RESTAddr; addr != "" {
		api := rest.NewAPI(store, job.Tracker(), metrics.Handler(), logger)
		server := rest.NewServer(addr, api)
		go func() {
			logger.Info("Starting status API", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status API failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Status API forced to shut down", "error", err)
			}
		}()
	}

	if addr := cfg.Monitor.GRPCAddr; addr != "" {
		server := grpcapi.NewServer(addr, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
		defer server.Stop()

		checker := service.NewWorkerHealthChecker(cfg.Monitor.CheckInterval, store, server.Health(), logger)
		checkCtx, stopChecker := context.WithCancel(ctx)
		checkerDone := make(chan struct{})
		go func() {
			defer close(checkerDone)
			checker.Start(checkCtx)
		}()
		defer func() {
			stopChecker()
			<-checkerDone
		}()
	}

	report, err := job.Run(ctx)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("job finished with %d failed workers", len(report.SoftFailures))
	}
	return nil
}

func printReport(w io.Writer, r *mptools.Report) {
	fmt.Fprintf(w, "job %s: %d workers, %d events, %d records in %s\n",
		r.JobID, r.Workers, r.Events, r.Records, r.Duration.Round(time.Millisecond))

	outputs := append([]string(nil), r.Outputs...)
	sort.Strings(outputs)
	for _, out := range outputs {
		fmt.Fprintf(w, "  output     %s\n", out)
	}
	if r.OrderFile != "" {
		fmt.Fprintf(w, "  order file %s\n", r.OrderFile)
	}
	for _, f := range r.HardFailures {
		fmt.Fprintf(w, "  HARD       %s\n", f)
	}
	for _, f := range r.SoftFailures {
		fmt.Fprintf(w, "  soft       %s\n", f)
	}
}
