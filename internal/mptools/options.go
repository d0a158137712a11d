package mptools

import (
	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/group"
	"github.com/nemanja-m/athenamp/internal/master/monitoring"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
)

type Option func(*Job)

// WithWorkerCommand sets the command that starts a worker process. By
// default the running executable is re-executed with the worker subcommand.
func WithWorkerCommand(spec group.SpawnSpec) Option {
	return func(j *Job) {
		j.spawn = spec
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(j *Job) {
		j.metrics = metrics
	}
}

// WithStore sets the process table the groups publish their workers to.
func WithStore(store core.ProcessStore) Option {
	return func(j *Job) {
		j.store = store
	}
}
