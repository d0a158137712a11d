package mptools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/athenamp/internal/events"
	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/group"
	"github.com/nemanja-m/athenamp/internal/master/monitoring"
	"github.com/nemanja-m/athenamp/internal/master/storage"
	"github.com/nemanja-m/athenamp/internal/orderlog"
	"github.com/nemanja-m/athenamp/internal/shared/config"
	"github.com/nemanja-m/athenamp/internal/shared/fds"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/shm"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

// SnapshotName is the config snapshot every worker loads, inside the top
// directory.
const SnapshotName = "job.yaml"

// rankRecordSize fits one int64 rank ticket.
const rankRecordSize = 8

// Job is one multi-process run over the configured input.
type Job struct {
	cfg       *config.JobConfig
	id        uuid.UUID
	masterPID int

	spawn   group.SpawnSpec
	logger  logging.Logger
	metrics *monitoring.Metrics
	store   core.ProcessStore
	tracker *core.JobTracker

	registry *fds.Registry
	queues   []*shm.Queue
	tools    []*Tool
}

// jobQueues are the shared queues of one job.
type jobQueues struct {
	ranks  map[work.Kind]*shm.Queue
	events *shm.Queue
	writer *shm.Queue
}

func NewJob(cfg *config.JobConfig, opts ...Option) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job configuration: %w", err)
	}
	if cfg.Replay() {
		if err := fitReplay(cfg); err != nil {
			return nil, err
		}
	}

	j := &Job{
		cfg:       cfg,
		id:        uuid.New(),
		masterPID: os.Getpid(),
		logger:    logging.Nop(),
		registry:  fds.NewRegistry(),
	}
	for _, opt := range opts {
		opt(j)
	}

	if j.spawn.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate the athenamp executable: %w", err)
		}
		j.spawn = group.SpawnSpec{Path: exe, Args: []string{"worker"}}
	}
	if j.spawn.LogDir == "" {
		j.spawn.LogDir = cfg.Job.TopDir
	}
	if j.store == nil {
		j.store = storage.NewInMemoryProcessStore()
	}

	j.logger = j.logger.With("job_id", j.id.String())
	j.tracker = core.NewJobTracker(core.Job{
		ID:          j.id,
		Processor:   cfg.Job.Processor,
		NProcs:      cfg.EffectiveNProcs(),
		TopDir:      cfg.Job.TopDir,
		OutputDir:   cfg.OutputDir(),
		RecordOrder: cfg.Reproducibility.RecordOrder,
		ReplayFile:  cfg.Reproducibility.ReplayFile,
		SubmittedAt: time.Now(),
	})
	return j, nil
}

func (j *Job) ID() uuid.UUID {
	return j.id
}

// Tracker exposes the job's progress to the status API.
func (j *Job) Tracker() *core.JobTracker {
	return j.tracker
}

func (j *Job) Store() core.ProcessStore {
	return j.store
}

// Run executes the job to completion. Soft failures are collected in the
// report; a hard failure of any worker terminates every group and is
// returned as ErrHardFailure together with the partial report.
func (j *Job) Run(ctx context.Context) (report *Report, err error) {
	start := time.Now()
	j.tracker.SetPhase(core.JobPhaseBootstrap)
	defer func() {
		if err != nil {
			j.tracker.AddError(err.Error())
			j.tracker.SetPhase(core.JobPhaseFailed)
		} else {
			j.tracker.SetPhase(core.JobPhaseCompleted)
		}
		j.metrics.ObserveJob(time.Since(start))
		if report != nil {
			report.Duration = time.Since(start)
		}
	}()

	snapshot, err := j.prepare()
	if err != nil {
		return nil, err
	}

	queues, err := j.createQueues(ctx)
	defer func() {
		err = multierr.Append(err, j.removeQueues())
	}()
	if err != nil {
		return nil, err
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		j.monitorQueues(monitorCtx, append([]*shm.Queue(nil), j.queues...))
	}()
	defer func() {
		stopMonitor()
		<-monitorDone
	}()

	if err := j.spawnGroups(ctx); err != nil {
		return j.abort(err)
	}

	if err := j.bootstrap(ctx, snapshot, queues); err != nil {
		return j.abort(err)
	}

	j.tracker.SetPhase(core.JobPhaseExec)
	if err := j.execute(ctx, queues); err != nil {
		return j.abort(err)
	}

	report = j.report()
	if j.cfg.Reproducibility.RecordOrder {
		j.tracker.SetPhase(core.JobPhaseMerge)
		orderFile := j.cfg.OrderFilePath()
		if _, err := j.tool(work.KindConsumer).Finalize(j.masterPID, orderFile); err != nil {
			return report, fmt.Errorf("failed to merge event order: %w", err)
		}
		report.OrderFile = orderFile
	}

	j.logger.Info("Job finished",
		"events", report.Events,
		"records", report.Records,
		"soft_failures", len(report.SoftFailures),
		"duration", time.Since(start).String(),
	)
	return report, nil
}

// fitReplay sizes the consumer pool to the ranks of the replay file when
// job.nprocs is unset, and rejects a pool too small to hold every recorded
// rank.
func fitReplay(cfg *config.JobConfig) error {
	path := cfg.Reproducibility.ReplayFile
	assignments, err := orderlog.LoadAssignments(path)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return fmt.Errorf("%w: %s records no events", ErrReplayMismatch, path)
	}

	maxRank := 0
	for _, a := range assignments {
		if a.Rank < 0 {
			return fmt.Errorf("%w: %s assigns event %d to rank %d", ErrReplayMismatch, path, a.Index, a.Rank)
		}
		maxRank = max(maxRank, a.Rank)
	}

	if cfg.Job.NProcs == 0 {
		cfg.Job.NProcs = maxRank + 1
		return nil
	}
	if maxRank >= cfg.Job.NProcs {
		return fmt.Errorf("%w: %s was recorded with rank %d but job.nprocs is %d",
			ErrReplayMismatch, path, maxRank, cfg.Job.NProcs)
	}
	return nil
}

// prepare lays out the top directory, writes the config snapshot and
// registers the input files every worker reopens.
func (j *Job) prepare() (string, error) {
	if err := os.MkdirAll(j.cfg.Job.TopDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create top directory: %w", err)
	}
	snapshot := filepath.Join(j.cfg.Job.TopDir, SnapshotName)
	if err := config.SaveJob(snapshot, j.cfg); err != nil {
		return "", err
	}

	files, err := events.FindFiles(j.cfg.Input.Paths)
	if err != nil {
		return "", fmt.Errorf("failed to expand input paths: %w", err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no input files match %v", j.cfg.Input.Paths)
	}
	for _, f := range files {
		if err := j.registry.Register(f, os.O_RDONLY, 0); err != nil {
			return "", err
		}
	}

	j.logger.Info("Job prepared",
		"top_dir", j.cfg.Job.TopDir,
		"input_files", len(files),
		"nprocs", j.cfg.EffectiveNProcs(),
		"processor", j.cfg.Job.Processor,
	)
	return snapshot, nil
}

// createQueues creates every queue of the job under one random key. Rank
// queues are filled with one ticket per worker of their kind.
func (j *Job) createQueues(ctx context.Context) (*jobQueues, error) {
	key, err := shm.NewKey()
	if err != nil {
		return nil, err
	}
	create := func(purpose string, capacity, recordSize int) (*shm.Queue, error) {
		q, err := shm.Create(shm.Name(key, purpose), capacity, recordSize)
		if err != nil {
			return nil, err
		}
		j.queues = append(j.queues, q)
		return q, nil
	}

	qs := &jobQueues{ranks: make(map[work.Kind]*shm.Queue)}
	for _, kind := range j.kinds() {
		n := j.workerCount(kind)
		q, err := create(kind.String()+"_ranks", n, rankRecordSize)
		if err != nil {
			return nil, err
		}
		for rank := range n {
			if err := q.SendInt64(ctx, int64(rank)); err != nil {
				return nil, err
			}
		}
		qs.ranks[kind] = q
	}

	if !j.cfg.Replay() {
		if qs.events, err = create("events", j.cfg.Queue.Capacity, work.RangeSize); err != nil {
			return nil, err
		}
	}
	if j.cfg.Output.SharedWriter {
		if qs.writer, err = create("writer", j.cfg.Queue.Capacity, j.cfg.Queue.RecordSize); err != nil {
			return nil, err
		}
	}
	return qs, nil
}

func (j *Job) removeQueues() error {
	var errs error
	for _, q := range j.queues {
		q.Shutdown()
		errs = multierr.Append(errs, q.Unlink())
		errs = multierr.Append(errs, q.Close())
	}
	j.queues = nil
	return errs
}

func (j *Job) monitorQueues(ctx context.Context, queues []*shm.Queue) {
	if j.metrics == nil {
		return
	}
	interval := j.cfg.Monitor.CheckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				j.metrics.SetQueueDepth(q.Name(), q.Len())
			}
		}
	}
}

// kinds lists the roles the job runs, in spawn order: the writer first so
// that it is ready before any record is produced, then the provider, then
// the consumers. Replay runs need no provider.
func (j *Job) kinds() []work.Kind {
	var kinds []work.Kind
	if j.cfg.Output.SharedWriter {
		kinds = append(kinds, work.KindSharedWriter)
	}
	if !j.cfg.Replay() {
		kinds = append(kinds, work.KindProvider)
	}
	return append(kinds, work.KindConsumer)
}

func (j *Job) workerCount(kind work.Kind) int {
	if kind == work.KindConsumer {
		return j.cfg.EffectiveNProcs()
	}
	return 1
}

func (j *Job) tool(kind work.Kind) *Tool {
	for _, t := range j.tools {
		if t.Kind == kind {
			return t
		}
	}
	return nil
}

func (j *Job) spawnGroups(ctx context.Context) error {
	for _, kind := range j.kinds() {
		g := group.New(kind.String(), kind, j.spawn, j.store, j.logger, j.metrics)
		t := newTool(kind, g, j.workerCount(kind), j.logger)
		j.tools = append(j.tools, t)
		if err := g.Create(ctx, t.Count); err != nil {
			return err
		}
	}
	return nil
}

// bootstrap sends every worker its bootstrap request and waits for all of
// them to answer. The job cannot go on without its provider and writer, or
// without at least one consumer.
func (j *Job) bootstrap(ctx context.Context, snapshot string, qs *jobQueues) error {
	for _, t := range j.tools {
		req := work.BootstrapRequest{
			JobID:      j.id.String(),
			MasterPID:  j.masterPID,
			Kind:       t.Kind,
			TopDir:     j.cfg.Job.TopDir,
			ConfigPath: snapshot,
			NProcs:     j.cfg.EffectiveNProcs(),
			RankQueue:  qs.ranks[t.Kind].Name(),
			Fds:        j.registry.Entries(),
		}
		if qs.events != nil {
			req.EventQueue = qs.events.Name()
		}
		if qs.writer != nil {
			req.WriterQueue = qs.writer.Name()
		}
		if err := t.Group.MapAsync(work.FuncBootstrap, work.ScheduledWork{Data: req.Marshal()}, 0); err != nil {
			return fmt.Errorf("failed to dispatch bootstrap: %w", err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, t := range j.tools {
		eg.Go(func() error {
			return t.awaitBootstrap(egCtx)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, t := range j.tools {
		ok := t.Bootstrapped()
		j.logger.Info("Group bootstrapped", "group", t.Group.Name(), "ok", ok, "failed", t.Count-ok)
		if t.Kind != work.KindConsumer && ok < t.Count {
			return fmt.Errorf("%s: %w", t.Group.Name(), ErrBootstrapFailed)
		}
		if ok == 0 {
			return fmt.Errorf("no %s survived bootstrap: %w", t.Group.Name(), ErrBootstrapFailed)
		}
	}
	return nil
}

// execute starts every group working and drives each one to the end on its
// own goroutine. When the consumers are done the provider and the writer are
// told to stop.
func (j *Job) execute(ctx context.Context, qs *jobQueues) error {
	consumers := j.tool(work.KindConsumer)
	provider := j.tool(work.KindProvider)
	writer := j.tool(work.KindSharedWriter)

	if writer != nil {
		if err := writer.Group.MapAsync(work.FuncExec, work.ScheduledWork{}, 0); err != nil {
			return err
		}
	}
	if err := consumers.Group.MapAsync(work.FuncExec, work.ScheduledWork{}, 0); err != nil {
		return err
	}
	if provider != nil {
		req := work.ExecRequest{Consumers: consumers.Bootstrapped()}
		if err := provider.Group.MapAsync(work.FuncExec, work.ScheduledWork{Data: req.Marshal()}, 0); err != nil {
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if provider != nil {
		eg.Go(func() error {
			if err := provider.drive(egCtx); err != nil {
				return err
			}
			// Everything the provider queued stays deliverable; consumers
			// only stop waiting for end markers it will never send.
			qs.events.Shutdown()
			return nil
		})
	}
	if writer != nil {
		eg.Go(func() error {
			if err := writer.drive(egCtx); err != nil {
				return err
			}
			qs.writer.Shutdown()
			return nil
		})
	}
	eg.Go(func() error {
		if err := consumers.drive(egCtx); err != nil {
			return err
		}
		j.tracker.SetPhase(core.JobPhaseFin)
		return j.stopProducers(egCtx, qs, provider)
	})
	return eg.Wait()
}

// stopProducers runs once every consumer has been reaped. The writer gets
// its stop marker, and a provider that never finished exec is terminated.
func (j *Job) stopProducers(ctx context.Context, qs *jobQueues, provider *Tool) error {
	grace := j.cfg.Shutdown.GracePeriod

	if qs.events != nil {
		qs.events.Shutdown()
	}
	if provider != nil {
		waitCtx, cancel := context.WithTimeout(ctx, grace)
		done := provider.waitExec(waitCtx)
		cancel()
		if !done {
			j.logger.Warn("Provider did not finish after the consumers drained, terminating")
			if err := provider.Group.Terminate(ctx, grace); err != nil {
				j.logger.Warn("Failed to terminate provider", "error", err)
			}
		}
	}

	if qs.writer != nil {
		sendCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		if err := qs.writer.Send(sendCtx, work.WriterStop()); err != nil {
			j.logger.Warn("Failed to send writer stop marker, shutting the queue down", "error", err)
			qs.writer.Shutdown()
		}
	}
	return nil
}

// abort tears every group down after a failure and returns whatever the
// workers reported until then.
func (j *Job) abort(cause error) (*Report, error) {
	if errors.Is(cause, ErrHardFailure) {
		j.logger.Error("Hard failure, terminating all workers", "error", cause)
	} else {
		j.logger.Error("Job aborted", "error", cause)
	}

	for _, q := range j.queues {
		q.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*j.cfg.Shutdown.GracePeriod+5*time.Second)
	defer cancel()

	var eg errgroup.Group
	for _, t := range j.tools {
		eg.Go(func() error {
			return t.Group.Terminate(ctx, j.cfg.Shutdown.GracePeriod)
		})
	}
	if err := eg.Wait(); err != nil {
		j.logger.Warn("Errors while terminating workers", "error", err)
	}
	for _, t := range j.tools {
		t.Group.ReportSubprocessStatuses()
	}
	return j.report(), cause
}
