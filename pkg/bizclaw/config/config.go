// Package config defines the configuration structures for the BizClaw
// backend. Configuration is loaded from a YAML file with sane defaults;
// secrets and environment overrides come from .env (godotenv) in cmd.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all backend configuration.
type Config struct {
	// Database configures the central SQLite database (bizclaw.db).
	Database DatabaseConfig `yaml:"database"`

	// Session configures conversation/browser session lifecycle.
	Session SessionConfig `yaml:"session"`

	// Queue configures the async job queue and worker.
	Queue QueueConfig `yaml:"queue"`

	// Scheduler configures the scheduled-task engine.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Trigger configures the trigger evaluator.
	Trigger TriggerConfig `yaml:"trigger"`

	// Dedup configures the inbound message dedup cache.
	Dedup DedupConfig `yaml:"dedup"`

	// Runner configures the external CLI task executor.
	Runner RunnerConfig `yaml:"runner"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the shared SQLite database.
type DatabaseConfig struct {
	// Path is the SQLite file location.
	Path string `yaml:"path"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// IdleTimeout ends a conversation session after this much inactivity.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// LeaseTTL is the session lease validity window.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// PruneInterval is how often idle sessions are swept.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// QueueConfig configures the job queue and worker.
type QueueConfig struct {
	// Concurrency is the number of worker slots.
	Concurrency int `yaml:"concurrency"`

	// JobTimeout is the hard wall-clock cap per job.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// ProgressInterval is how often progress notifications are sent.
	ProgressInterval time.Duration `yaml:"progress_interval"`

	// MaxAttempts bounds retries for retryable job types (session-end).
	MaxAttempts int `yaml:"max_attempts"`

	// EnqueueDedupTTL collapses identical submissions within this window.
	EnqueueDedupTTL time.Duration `yaml:"enqueue_dedup_ttl"`

	// MaxActivePerTenant caps queued+running jobs per tenant.
	MaxActivePerTenant int `yaml:"max_active_per_tenant"`

	// ShutdownGrace is how long shutdown waits for in-flight jobs.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// SchedulerConfig configures the due-task polling loop.
type SchedulerConfig struct {
	// TickInterval is the polling period for due tasks.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxTasksPerUser caps enabled tasks per user.
	MaxTasksPerUser int `yaml:"max_tasks_per_user"`

	// FailureBackoff delays the retry of a failed recurring task.
	FailureBackoff time.Duration `yaml:"failure_backoff"`

	// MaxErrors disables a task after this many consecutive failures.
	MaxErrors int `yaml:"max_errors"`
}

// TriggerConfig configures the trigger evaluator.
type TriggerConfig struct {
	// ConditionPollInterval is how often CONDITION triggers are evaluated.
	ConditionPollInterval time.Duration `yaml:"condition_poll_interval"`

	// ConfirmationTimeout is how long a CONFIRM firing waits for a reply.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// BreakerThreshold opens the circuit after this many consecutive failures.
	BreakerThreshold int `yaml:"breaker_threshold"`
}

// DedupConfig configures the inbound dedup cache.
type DedupConfig struct {
	// TTL is how long a message ID blocks reprocessing.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries caps cache memory.
	MaxEntries int `yaml:"max_entries"`

	// SweepInterval is the eviction sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RunnerConfig configures the external CLI task executor.
type RunnerConfig struct {
	// Command is the CLI binary backing each job.
	Command string `yaml:"command"`

	// Args are the fixed leading arguments.
	Args []string `yaml:"args"`

	// WorkDir is the working directory for spawned processes.
	WorkDir string `yaml:"work_dir"`

	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "./data/bizclaw.db",
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			LeaseTTL:      300 * time.Second,
			PruneInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Concurrency:        4,
			JobTimeout:         5 * time.Minute,
			ProgressInterval:   60 * time.Second,
			MaxAttempts:        3,
			EnqueueDedupTTL:    30 * time.Second,
			MaxActivePerTenant: 10,
			ShutdownGrace:      30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:    60 * time.Second,
			MaxTasksPerUser: 10,
			FailureBackoff:  2 * time.Minute,
			MaxErrors:       3,
		},
		Trigger: TriggerConfig{
			ConditionPollInterval: 60 * time.Second,
			ConfirmationTimeout:   10 * time.Minute,
			BreakerThreshold:      3,
		},
		Dedup: DedupConfig{
			TTL:           5 * time.Minute,
			MaxEntries:    10_000,
			SweepInterval: 60 * time.Second,
		},
		Runner: RunnerConfig{
			Command:   "bizclaw-agent",
			KillGrace: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}
