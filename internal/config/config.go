// ============================================================================
// jobtrack Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// Sources, lowest precedence first:
//   1. Default() values
//   2. YAML file (only the keys present override)
//   3. JOBTRACK_* environment variables, e.g. JOBTRACK_POLLING_INTERVAL=30s
//
// Example:
//   scheduler:
//     dialect: slurm
//     submit_tool: ""           # empty uses the dialect's tool (sbatch, bsub)
//     accounting_tool: sacct
//     queue_tool: squeue
//   polling:
//     interval: 10s
//     settle_delay: 5s
//     retry_delay: 2s
//     retry_attempts: 1
//     max_concurrent_polls: 1
//     queries_per_second: 2
//   script:
//     dir: ./jobs
//     shell: /bin/bash
//   logging:
//     level: info
//     format: console
//   metrics:
//     textfile: ""
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobtrack/internal/script"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JOBTRACK"

// Config represents the complete configuration
// Maps config file fields through YAML tags
type Config struct {
	Scheduler struct {
		Dialect        string `yaml:"dialect"`
		SubmitTool     string `yaml:"submit_tool"`
		AccountingTool string `yaml:"accounting_tool"`
		QueueTool      string `yaml:"queue_tool"`
	} `yaml:"scheduler"`

	Polling struct {
		Interval           time.Duration `yaml:"interval"`
		SettleDelay        time.Duration `yaml:"settle_delay"`
		RetryDelay         time.Duration `yaml:"retry_delay"`
		RetryAttempts      int           `yaml:"retry_attempts"`
		MaxConcurrentPolls int           `yaml:"max_concurrent_polls"`
		QueriesPerSecond   float64       `yaml:"queries_per_second"`
	} `yaml:"polling"`

	Script struct {
		Dir   string `yaml:"dir"`
		Shell string `yaml:"shell"`
	} `yaml:"script"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		// Textfile, when set, receives a Prometheus text export after each
		// command.
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Scheduler.Dialect = script.Slurm.Name
	cfg.Scheduler.AccountingTool = "sacct"
	cfg.Scheduler.QueueTool = "squeue"
	cfg.Polling.Interval = 10 * time.Second
	cfg.Polling.SettleDelay = 5 * time.Second
	cfg.Polling.RetryDelay = 2 * time.Second
	cfg.Polling.RetryAttempts = 1
	cfg.Polling.MaxConcurrentPolls = 1
	cfg.Polling.QueriesPerSecond = 2
	cfg.Script.Dir = "."
	cfg.Script.Shell = script.DefaultShell
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return &cfg
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeys lists every key that can be overridden from the environment.
var envKeys = []string{
	"scheduler.dialect",
	"scheduler.submit_tool",
	"scheduler.accounting_tool",
	"scheduler.queue_tool",
	"polling.interval",
	"polling.settle_delay",
	"polling.retry_delay",
	"polling.retry_attempts",
	"polling.max_concurrent_polls",
	"polling.queries_per_second",
	"script.dir",
	"script.shell",
	"logging.level",
	"logging.format",
	"metrics.textfile",
}

func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setString("scheduler.dialect", &cfg.Scheduler.Dialect)
	setString("scheduler.submit_tool", &cfg.Scheduler.SubmitTool)
	setString("scheduler.accounting_tool", &cfg.Scheduler.AccountingTool)
	setString("scheduler.queue_tool", &cfg.Scheduler.QueueTool)
	setString("script.dir", &cfg.Script.Dir)
	setString("script.shell", &cfg.Script.Shell)
	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setString("metrics.textfile", &cfg.Metrics.Textfile)

	for key, dst := range map[string]*time.Duration{
		"polling.interval":     &cfg.Polling.Interval,
		"polling.settle_delay": &cfg.Polling.SettleDelay,
		"polling.retry_delay":  &cfg.Polling.RetryDelay,
	} {
		if !v.IsSet(key) {
			continue
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("env override %s: %w", key, err)
		}
		*dst = d
	}

	if v.IsSet("polling.retry_attempts") {
		cfg.Polling.RetryAttempts = v.GetInt("polling.retry_attempts")
	}
	if v.IsSet("polling.max_concurrent_polls") {
		cfg.Polling.MaxConcurrentPolls = v.GetInt("polling.max_concurrent_polls")
	}
	if v.IsSet("polling.queries_per_second") {
		cfg.Polling.QueriesPerSecond = v.GetFloat64("polling.queries_per_second")
	}
	return nil
}

// SubmitCommand returns the submit tool, falling back to the dialect's own
// (sbatch for slurm, bsub for lsf) when submit_tool is unset.
func (c *Config) SubmitCommand() string {
	if c.Scheduler.SubmitTool != "" {
		return c.Scheduler.SubmitTool
	}
	d, err := script.Lookup(c.Scheduler.Dialect)
	if err != nil {
		return script.Slurm.Submit
	}
	return d.Submit
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := script.Lookup(c.Scheduler.Dialect); err != nil {
		return fmt.Errorf("scheduler.dialect: %w", err)
	}
	if c.Scheduler.AccountingTool == "" {
		return fmt.Errorf("scheduler.accounting_tool is required")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive, got %s", c.Polling.Interval)
	}
	if c.Polling.SettleDelay < 0 || c.Polling.RetryDelay < 0 {
		return fmt.Errorf("polling: delays must not be negative")
	}
	if c.Polling.RetryAttempts < 0 {
		return fmt.Errorf("polling.retry_attempts must not be negative, got %d", c.Polling.RetryAttempts)
	}
	if c.Polling.MaxConcurrentPolls < 1 {
		return fmt.Errorf("polling.max_concurrent_polls must be at least 1, got %d", c.Polling.MaxConcurrentPolls)
	}
	if c.Polling.QueriesPerSecond < 0 {
		return fmt.Errorf("polling.queries_per_second must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
