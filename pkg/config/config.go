// Package config loads the bot's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBotKey      = "BOT_KEY"
	EnvStorageRoot = "EMOCCHI_STORAGE_ROOT"
	EnvMetricsAddr = "EMOCCHI_METRICS_ADDR"
)

// Config is the complete bot configuration.
type Config struct {
	// BotKey authenticates the chat binding. It is only read from the environment.
	BotKey string `yaml:"-"`

	Storage  StorageConfig  `yaml:"storage"`
	Download DownloadConfig `yaml:"download"`
	Router   RouterConfig   `yaml:"router"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Console  ConsoleConfig  `yaml:"console"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig locates the snapshot, images and staging area.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// DownloadConfig bounds image downloads.
type DownloadConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxBytes      int64         `yaml:"max_bytes"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
	AllowedHosts  []string      `yaml:"allowed_hosts"`
	DeniedHosts   []string      `yaml:"denied_hosts"`
}

// RouterConfig tunes redelivery detection.
type RouterConfig struct {
	DedupSize int           `yaml:"dedup_size"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ConsoleConfig configures the terminal binding.
type ConsoleConfig struct {
	Community   string `yaml:"community"`
	HistoryFile string `yaml:"history_file"`
	OutputDir   string `yaml:"output_dir"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Dir overrides the default ~/.emocchi/logs directory.
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Root: "data"},
		Download: DownloadConfig{
			Timeout:       15 * time.Second,
			MaxBytes:      8 << 20,
			MaxConcurrent: 4,
		},
		Router: RouterConfig{
			DedupSize: 1024,
			DedupTTL:  10 * time.Minute,
		},
		Console: ConsoleConfig{
			Community: "console",
			OutputDir: ".",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBotKey); ok {
		c.BotKey = v
	}
	if v, ok := lookup(EnvStorageRoot); ok && v != "" {
		c.Storage.Root = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.Addr = v
	}
}

// Validate checks the configuration and expands home-relative paths.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if c.Download.Timeout < 0 {
		errs = append(errs, errors.New("download.timeout cannot be negative"))
	}
	if c.Download.MaxBytes < 0 {
		errs = append(errs, errors.New("download.max_bytes cannot be negative"))
	}
	if c.Download.MaxConcurrent < 0 {
		errs = append(errs, errors.New("download.max_concurrent cannot be negative"))
	}
	if c.Router.DedupSize < 0 {
		errs = append(errs, errors.New("router.dedup_size cannot be negative"))
	}
	if c.Router.DedupTTL < 0 {
		errs = append(errs, errors.New("router.dedup_ttl cannot be negative"))
	}
	if c.Console.Community == "" {
		errs = append(errs, errors.New("console.community is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	for _, p := range []*string{&c.Storage.Root, &c.Console.HistoryFile, &c.Console.OutputDir, &c.Logging.Dir} {
		if *p, err = expandHome(*p); err != nil {
			return err
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
