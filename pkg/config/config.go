// Package config holds the pipeline's process-level configuration: data
// directory, poll intervals, timeouts, and the process-scoped secrets
// the credential decoder derives its key from. Flags and an optional
// YAML file both populate the same Config struct.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a running pipeline process.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Addr    string `yaml:"addr"`

	UploadPollInterval     time.Duration `yaml:"upload_poll_interval"`
	ConversionPollInterval time.Duration `yaml:"conversion_poll_interval"`
	ReaperInterval         time.Duration `yaml:"reaper_interval"`
	StaleClaimAge          time.Duration `yaml:"stale_claim_age"`

	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	ConversionTimeout time.Duration `yaml:"conversion_timeout"`

	MaxFileSize   int64 `yaml:"max_file_size"`
	ChunkSize     int64 `yaml:"chunk_size"`
	MaxRetryCount int   `yaml:"max_retry_count"`

	ConverterPath string `yaml:"converter_path"`

	// CredentialSecretA/B are the two process-scoped secrets the
	// credential decoder derives
	// its decryption key from. Never logged, never persisted.
	CredentialSecretA string `yaml:"-"`
	CredentialSecretB string `yaml:"-"`

	WorkerID string `yaml:"-"`
}

// Default returns a Config populated with the pipeline's documented
// defaults: poll interval 5s, reaper ~1min, stale claim age ~30min,
// phase budgets ~2h.
func Default() *Config {
	return &Config{
		DataDir:                "./data",
		Addr:                   ":8080",
		UploadPollInterval:     5 * time.Second,
		ConversionPollInterval: 5 * time.Second,
		ReaperInterval:         time.Minute,
		StaleClaimAge:          30 * time.Minute,
		UploadTimeout:          2 * time.Hour,
		ConversionTimeout:      2 * time.Hour,
		MaxFileSize:            10 << 30, // 10 GiB
		ChunkSize:              100 << 20,
		MaxRetryCount:          3,
		ConverterPath:          "convert",
	}
}

// LoadFile merges a YAML config file onto a copy of Default(). A missing
// file is not an error — callers run on defaults plus flags alone.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate ensures all fields required for a process to start are
// present and sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.UploadPollInterval <= 0 {
		return fmt.Errorf("upload poll interval must be positive")
	}
	if c.ConversionPollInterval <= 0 {
		return fmt.Errorf("conversion poll interval must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	if c.StaleClaimAge <= 0 {
		return fmt.Errorf("stale claim age must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("max retry count cannot be negative")
	}
	if c.ConverterPath == "" {
		return fmt.Errorf("converter path is required")
	}
	return nil
}
