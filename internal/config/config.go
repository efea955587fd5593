// Package config loads coordinator settings from FANOUT_* environment
// variables, optionally overlaid by a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/utkarsh5026/fanout/dispatch"
	"github.com/utkarsh5026/fanout/internal/backoff"
	"github.com/utkarsh5026/fanout/internal/logging"
)

// Prefix of every environment variable read by Load.
const Prefix = "FANOUT"

// Config holds everything the example programs need to build a coordinator.
type Config struct {
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"64" yaml:"chunk_size"`
	Workers          int           `envconfig:"WORKERS" default:"0" yaml:"workers"`
	InfoEnable       bool          `envconfig:"INFO_ENABLE" default:"false" yaml:"info_enable"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"0s" yaml:"progress_interval"`
	ProgressPerBatch bool          `envconfig:"PROGRESS_PER_BATCH" default:"false" yaml:"progress_per_batch"`

	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"1" yaml:"max_attempts"`
	RetryDelay  time.Duration `envconfig:"RETRY_DELAY" default:"0s" yaml:"retry_delay"`
	RetryMax    time.Duration `envconfig:"RETRY_MAX" default:"0s" yaml:"retry_max"`
	RetryJitter float64       `envconfig:"RETRY_JITTER" default:"0" yaml:"retry_jitter"`
	// RetryBackoff is exponential, jittered or decorrelated.
	RetryBackoff string `envconfig:"RETRY_BACKOFF" default:"exponential" yaml:"retry_backoff"`

	FeedRate  float64 `envconfig:"FEED_RATE" default:"0" yaml:"feed_rate"`
	FeedBurst int     `envconfig:"FEED_BURST" default:"0" yaml:"feed_burst"`

	StopGrace      time.Duration `envconfig:"STOP_GRACE" default:"5s" yaml:"stop_grace"`
	ProcessWorkers bool          `envconfig:"PROCESS_WORKERS" default:"false" yaml:"process_workers"`
	CPUAffinity    bool          `envconfig:"CPU_AFFINITY" default:"false" yaml:"cpu_affinity"`

	Lanes []Lane `ignored:"true" yaml:"lanes"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	LogDev      bool   `envconfig:"LOG_DEV" default:"false" yaml:"log_dev"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"" yaml:"metrics_addr"`
}

// Lane mirrors dispatch.LaneConfig for the file format.
type Lane struct {
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

// Load reads the environment, then applies the YAML file at path on top when
// path is not empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if _, err := backoff.ParseKind(cfg.RetryBackoff); err != nil {
		return nil, fmt.Errorf("invalid retry_backoff: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault is Load, falling back to Default on error.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Default mirrors the envconfig defaults.
func Default() *Config {
	return &Config{
		ChunkSize:    dispatch.DefaultChunkSize,
		MaxAttempts:  1,
		RetryBackoff: "exponential",
		StopGrace:    dispatch.DefaultStopGrace,
		LogLevel:     "info",
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Development = c.LogDev
	return cfg
}

// ToDispatch maps c onto a dispatch.Config. Generator, Route and Total are
// left for the caller.
func ToDispatch[T any](c *Config) dispatch.Config[T] {
	kind, _ := backoff.ParseKind(c.RetryBackoff) // checked by Load
	dc := dispatch.Config[T]{
		ChunkSize:        c.ChunkSize,
		InfoEnable:       c.InfoEnable,
		Workers:          c.Workers,
		ProgressInterval: c.ProgressInterval,
		ProgressPerBatch: c.ProgressPerBatch,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:  c.MaxAttempts,
			InitialDelay: c.RetryDelay,
			MaxDelay:     c.RetryMax,
			Backoff:      kind,
			Jitter:       c.RetryJitter,
		},
		FeedRate:  c.FeedRate,
		FeedBurst: c.FeedBurst,
		StopGrace: c.StopGrace,
	}
	for _, l := range c.Lanes {
		dc.Lanes = append(dc.Lanes, dispatch.LaneConfig{Name: l.Name, Workers: l.Workers})
	}
	return dc
}
