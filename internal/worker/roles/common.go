package roles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nemanja-m/athenamp/internal/shared/config"
	"github.com/nemanja-m/athenamp/internal/shared/fds"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
	"github.com/nemanja-m/athenamp/internal/worker/service"
)

// LogFileName is the per-worker log inside its run directory.
const LogFileName = "AthenaMP.log"

// bootstrap runs the steps every role shares: load the job config, wait for
// a debugger if asked to, draw a rank, enter the run directory, move logging
// there and reopen the registered descriptors.
func (p *Process) bootstrap(ctx context.Context, in work.ScheduledWork) (work.Status, error) {
	if err := p.Request.Unmarshal(in.Data); err != nil {
		return work.StatusProcFailed, fmt.Errorf("malformed bootstrap request: %w", err)
	}
	req := &p.Request
	if req.Kind != p.Kind {
		return work.StatusProcFailed, fmt.Errorf("bootstrap for a %s sent to a %s worker", req.Kind, p.Kind)
	}
	p.JobID = req.JobID
	p.MasterPID = req.MasterPID
	p.NProcs = req.NProcs
	topDir, err := filepath.Abs(req.TopDir)
	if err != nil {
		return work.StatusFileNotMade, fmt.Errorf("failed to resolve top directory: %w", err)
	}
	p.TopDir = topDir

	cfg, err := config.LoadJob(req.ConfigPath, nil)
	if err != nil {
		return work.StatusNotFound, fmt.Errorf("failed to load job config: %w", err)
	}
	p.Config = cfg

	if cfg.Debug.WaitForAttach {
		if err := service.WaitForAttach(ctx, p.Logger); err != nil {
			return work.StatusProcFailed, err
		}
	}

	if err := p.drawRank(ctx); err != nil {
		return work.StatusNotFound, err
	}

	p.RunDir = filepath.Join(p.TopDir, fmt.Sprintf("%s_%d", p.Kind, p.Rank))
	if err := os.MkdirAll(p.RunDir, 0o755); err != nil {
		return work.StatusFileNotMade, fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.Chdir(p.RunDir); err != nil {
		return work.StatusFileNotMade, fmt.Errorf("failed to enter run directory: %w", err)
	}

	if err := p.setupLogging(); err != nil {
		return work.StatusFileNotMade, err
	}

	files, err := fds.FromEntries(req.Fds).Reopen()
	if err != nil {
		return work.StatusBadInpFile, err
	}
	p.Files = files

	p.Logger.Info("Worker bootstrapped",
		"job_id", p.JobID,
		"run_dir", p.RunDir,
		"files", len(files),
	)
	return work.StatusSuccess, nil
}

// drawRank takes exactly one ticket from the rank queue.
func (p *Process) drawRank(ctx context.Context) error {
	q, err := p.openQueue(ctx, p.Request.RankQueue)
	if err != nil {
		return err
	}
	defer q.Close()

	rankCtx, cancel := context.WithTimeout(ctx, p.openTimeout())
	defer cancel()
	rank, err := q.ReceiveInt64(rankCtx)
	if err != nil {
		return fmt.Errorf("failed to draw a rank: %w", err)
	}
	p.Rank = int(rank)
	return nil
}

func (p *Process) setupLogging() error {
	logPath := filepath.Join(p.RunDir, LogFileName)
	if p.Config.Logging.RedirectStdio {
		f, err := service.RedirectStdio(logPath)
		if err != nil {
			return err
		}
		p.track(f)
	}

	zl, err := logging.NewZapFileLogger(p.Config.Logging.Level, logPath)
	if err != nil {
		return err
	}
	p.Logger = zl.With("pid", p.PID, "kind", p.Kind.String(), "rank", p.Rank)
	return nil
}
