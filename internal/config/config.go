// Package config defines process configuration for the chunkvault worker,
// loaded from environment variables with sensible defaults and a hardcoded
// fallback if the environment can't be parsed.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the worker's process configuration.
type Config struct {
	// DataDir is the root directory holding canonical chunk directories plus
	// the .staging and .trash subdirectories.
	DataDir string `envconfig:"CHUNKVAULT_DATA_DIR" default:"./data"`

	// ExecutorConcurrency bounds how many download tasks run at once.
	ExecutorConcurrency int `envconfig:"CHUNKVAULT_EXECUTOR_CONCURRENCY" default:"4"`

	// MaxDownloadAttempts is the retry cap consulted via the retry ledger
	// before download_chunk silently drops a chronically failing id.
	MaxDownloadAttempts uint32 `envconfig:"CHUNKVAULT_MAX_DOWNLOAD_ATTEMPTS" default:"5"`

	// FetchTimeout bounds a single file fetch by the Blob Source.
	FetchTimeout time.Duration `envconfig:"CHUNKVAULT_FETCH_TIMEOUT" default:"5m"`

	// LogLevel sets the level for every per-package ipfs/go-log logger.
	LogLevel string `envconfig:"CHUNKVAULT_LOG_LEVEL" default:"info"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `envconfig:"CHUNKVAULT_METRICS_ADDR" default:""`
}

// Default returns the Config FromEnv would load: CHUNKVAULT_* environment
// variables where set, each field's `default` tag otherwise. If the
// environment cannot be parsed it returns hardcoded defaults instead of an
// error.
func Default() *Config {
	cfg := &Config{}
	// envconfig.Process reads the environment, so a malformed variable makes
	// it fail; that case falls back to the hardcoded values below.
	if err := envconfig.Process("", cfg); err != nil {
		return &Config{
			DataDir:             "./data",
			ExecutorConcurrency: 4,
			MaxDownloadAttempts: 5,
			FetchTimeout:        5 * time.Minute,
			LogLevel:            "info",
		}
	}
	return cfg
}

// FromEnv loads configuration from environment variables, falling back to
// Config's `default` tags for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
