package config

import "time"

// LoggingConfig contains logging-related configuration.
type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Format        string `mapstructure:"format" yaml:"format"`
	RedirectStdio bool   `mapstructure:"redirect_stdio" yaml:"redirect_stdio"`
}

// MonitorConfig contains the master's status endpoints. Empty addresses
// disable the corresponding server.
type MonitorConfig struct {
	RESTAddr      string        `mapstructure:"rest_addr" yaml:"rest_addr"`
	GRPCAddr      string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}
