// Package config loads the YAML configuration file and maps it onto
// transaction log options.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/loomdb/loomdb/pkg/wal/options"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvDataDir             = "LOOMDB_DATA_DIR"
	EnvFailOnCorruptedLogs = "LOOMDB_FAIL_ON_CORRUPTED_LOG_FILES"
)

type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	TxLog TxLogConfig `yaml:"tx_log"`
}

type TxLogConfig struct {
	BaseName           string `yaml:"base_name"`
	CheckpointBaseName string `yaml:"checkpoint_base_name"`

	RotationThresholdBytes int64 `yaml:"rotation_threshold_bytes"`

	Preallocate           bool  `yaml:"preallocate"`
	PreallocateChunkBytes int64 `yaml:"preallocate_chunk_bytes"`

	FailOnCorruptedLogFiles *bool `yaml:"fail_on_corrupted_log_files"`

	CheckpointStrategy string `yaml:"checkpoint_strategy"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	opts := options.DefaultOptions()
	fail := opts.FailOnCorruptedLogs

	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		TxLog: TxLogConfig{
			BaseName:                opts.BaseName,
			CheckpointBaseName:      opts.CheckpointBaseName,
			RotationThresholdBytes:  opts.RotationThreshold,
			Preallocate:             opts.Preallocate,
			PreallocateChunkBytes:   opts.PreallocateChunk,
			FailOnCorruptedLogFiles: &fail,
			CheckpointStrategy:      string(opts.Strategy),
		},
	}
}

// Load reads path, fills unset fields with defaults and applies environment
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvFailOnCorruptedLogs); v != "" {
		fail, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s=%q: %w", EnvFailOnCorruptedLogs, v, err)
		}
		cfg.TxLog.FailOnCorruptedLogFiles = &fail
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	opts := c.Options(nil)
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("tx_log: %w", err)
	}

	return nil
}

// Options maps the configuration onto transaction log options.
func (c *Config) Options(logger hclog.Logger) options.Options {
	opts := options.DefaultOptions()

	if c.TxLog.BaseName != "" {
		opts.BaseName = c.TxLog.BaseName
	}
	if c.TxLog.CheckpointBaseName != "" {
		opts.CheckpointBaseName = c.TxLog.CheckpointBaseName
	}
	if c.TxLog.RotationThresholdBytes > 0 {
		opts.RotationThreshold = c.TxLog.RotationThresholdBytes
	}
	opts.Preallocate = c.TxLog.Preallocate
	if c.TxLog.PreallocateChunkBytes > 0 {
		opts.PreallocateChunk = c.TxLog.PreallocateChunkBytes
	}
	if c.TxLog.FailOnCorruptedLogFiles != nil {
		opts.FailOnCorruptedLogs = *c.TxLog.FailOnCorruptedLogFiles
	}
	if c.TxLog.CheckpointStrategy != "" {
		opts.Strategy = options.CheckpointStrategy(c.TxLog.CheckpointStrategy)
	}
	if logger != nil {
		opts.Logger = logger
	}

	return opts
}

// Logger builds the process logger from the configured level.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(c.LogLevel),
	})
}
