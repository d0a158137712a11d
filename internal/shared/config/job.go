package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// JobConfig contains all configuration of one athenamp job. The master loads
// it once and hands every worker a YAML snapshot of the effective values.
type JobConfig struct {
	Job             JobSection            `mapstructure:"job" yaml:"job"`
	Input           InputConfig           `mapstructure:"input" yaml:"input"`
	Output          OutputConfig          `mapstructure:"output" yaml:"output"`
	Queue           QueueConfig           `mapstructure:"queue" yaml:"queue"`
	Reproducibility ReproducibilityConfig `mapstructure:"reproducibility" yaml:"reproducibility"`
	Shutdown        ShutdownConfig        `mapstructure:"shutdown" yaml:"shutdown"`
	Debug           DebugConfig           `mapstructure:"debug" yaml:"debug"`
	Logging         LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Monitor         MonitorConfig         `mapstructure:"monitor" yaml:"monitor"`
}

// JobSection selects the worker pool size and the event processor.
type JobSection struct {
	NProcs           int               `mapstructure:"nprocs" yaml:"nprocs"`
	TopDir           string            `mapstructure:"top_dir" yaml:"top_dir"`
	Processor        string            `mapstructure:"processor" yaml:"processor"`
	ProcessorOptions map[string]string `mapstructure:"processor_options" yaml:"processor_options"`
}

// InputConfig describes the event source. MaxEvents < 0 means all events.
type InputConfig struct {
	Paths      []string `mapstructure:"paths" yaml:"paths"`
	SkipEvents int64    `mapstructure:"skip_events" yaml:"skip_events"`
	MaxEvents  int64    `mapstructure:"max_events" yaml:"max_events"`
	ChunkSize  int64    `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// OutputConfig describes where processed records go.
type OutputConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir"`
	FileName     string `mapstructure:"file_name" yaml:"file_name"`
	SharedWriter bool   `mapstructure:"shared_writer" yaml:"shared_writer"`
	Compression  string `mapstructure:"compression" yaml:"compression"`
}

// QueueConfig sizes the shared-memory queues.
type QueueConfig struct {
	Capacity    int           `mapstructure:"capacity" yaml:"capacity"`
	RecordSize  int           `mapstructure:"record_size" yaml:"record_size"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// ReproducibilityConfig controls event-order recording and replay.
type ReproducibilityConfig struct {
	RecordOrder bool   `mapstructure:"record_order" yaml:"record_order"`
	OrderFile   string `mapstructure:"order_file" yaml:"order_file"`
	ReplayFile  string `mapstructure:"replay_file" yaml:"replay_file"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

type DebugConfig struct {
	WaitForAttach bool `mapstructure:"wait_for_attach" yaml:"wait_for_attach"`
}

const (
	CompressionNone = "none"
	CompressionZstd = "zstd"

	// MinRecordSize fits one event-range assignment.
	MinRecordSize = 16
)

// LoadJob loads the job configuration from the given path. If configPath is
// empty, it looks for athenamp.yaml in the config/ directory. Environment
// variables with ATHENAMP_ prefix override config file values, and overrides
// (typically command-line flags) override everything.
func LoadJob(configPath string, overrides map[string]any) (*JobConfig, error) {
	v := viper.New()

	v.SetDefault("job.nprocs", 0)
	v.SetDefault("job.top_dir", "athenamp_run")
	v.SetDefault("job.processor", "checksum")
	v.SetDefault("job.processor_options", map[string]string{})
	v.SetDefault("input.paths", []string{})
	v.SetDefault("input.skip_events", 0)
	v.SetDefault("input.max_events", -1)
	v.SetDefault("input.chunk_size", 1)
	v.SetDefault("output.dir", "")
	v.SetDefault("output.file_name", "output.txt")
	v.SetDefault("output.shared_writer", true)
	v.SetDefault("output.compression", CompressionNone)
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.record_size", 4096)
	v.SetDefault("queue.open_timeout", 30*time.Second)
	v.SetDefault("reproducibility.record_order", false)
	v.SetDefault("reproducibility.order_file", "")
	v.SetDefault("reproducibility.replay_file", "")
	v.SetDefault("shutdown.grace_period", 10*time.Second)
	v.SetDefault("debug.wait_for_attach", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.redirect_stdio", true)
	v.SetDefault("monitor.rest_addr", "")
	v.SetDefault("monitor.grpc_addr", "")
	v.SetDefault("monitor.check_interval", 2*time.Second)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("athenamp")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ATHENAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg JobConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.absolutize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// absolutize resolves every path against the current directory so the
// snapshot stays valid for workers running in their own run directories.
func (c *JobConfig) absolutize() error {
	var err error
	abs := func(p *string) {
		if *p == "" || err != nil {
			return
		}
		*p, err = filepath.Abs(*p)
	}

	abs(&c.Job.TopDir)
	abs(&c.Output.Dir)
	abs(&c.Reproducibility.OrderFile)
	abs(&c.Reproducibility.ReplayFile)
	for i := range c.Input.Paths {
		abs(&c.Input.Paths[i])
	}
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the job cannot run with.
func (c *JobConfig) Validate() error {
	var errs []error
	if c.Job.NProcs < 0 {
		errs = append(errs, fmt.Errorf("job.nprocs must not be negative, got %d", c.Job.NProcs))
	}
	if c.Job.TopDir == "" {
		errs = append(errs, errors.New("job.top_dir is required"))
	}
	if c.Job.Processor == "" {
		errs = append(errs, errors.New("job.processor is required"))
	}
	if len(c.Input.Paths) == 0 {
		errs = append(errs, errors.New("input.paths must name at least one file or pattern"))
	}
	if c.Input.SkipEvents < 0 {
		errs = append(errs, fmt.Errorf("input.skip_events must not be negative, got %d", c.Input.SkipEvents))
	}
	if c.Input.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("input.chunk_size must be positive, got %d", c.Input.ChunkSize))
	}
	switch c.Output.Compression {
	case CompressionNone, CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("output.compression must be %q or %q, got %q", CompressionNone, CompressionZstd, c.Output.Compression))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	if c.Queue.RecordSize < MinRecordSize {
		errs = append(errs, fmt.Errorf("queue.record_size must be at least %d, got %d", MinRecordSize, c.Queue.RecordSize))
	}
	if c.Reproducibility.RecordOrder && c.Reproducibility.ReplayFile != "" {
		errs = append(errs, errors.New("reproducibility.record_order and reproducibility.replay_file are mutually exclusive"))
	}
	if c.Shutdown.GracePeriod < 0 {
		errs = append(errs, errors.New("shutdown.grace_period must not be negative"))
	}
	if c.Monitor.CheckInterval <= 0 {
		errs = append(errs, errors.New("monitor.check_interval must be positive"))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// EffectiveNProcs is the consumer pool size: job.nprocs, or the CPU count
// when unset.
func (c *JobConfig) EffectiveNProcs() int {
	if c.Job.NProcs > 0 {
		return c.Job.NProcs
	}
	return runtime.NumCPU()
}

func (c *JobConfig) OutputDir() string {
	if c.Output.Dir != "" {
		return c.Output.Dir
	}
	return c.Job.TopDir
}

func (c *JobConfig) OrderFilePath() string {
	if c.Reproducibility.OrderFile != "" {
		return c.Reproducibility.OrderFile
	}
	return filepath.Join(c.Job.TopDir, "event_order.txt")
}

func (c *JobConfig) Replay() bool {
	return c.Reproducibility.ReplayFile != ""
}

// SaveJob writes the effective configuration as YAML.
func SaveJob(path string, cfg *JobConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing config snapshot: %w", err)
	}
	return nil
}
