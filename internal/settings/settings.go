// Package settings loads the controller runtime settings from a YAML file.
//
// This file is the operator-facing configuration: which queue backend to
// use, how aggressively to poll, default resource requests, and extra
// classifier patterns. Flow topology lives in the HCL definition, not here.
package settings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the root of the controller configuration.
type Settings struct {
	Queue      QueueSettings      `yaml:"queue"`
	Scheduler  SchedulerSettings  `yaml:"scheduler"`
	Defaults   TaskDefaults       `yaml:"defaults"`
	Classifier ClassifierSettings `yaml:"classifier"`
	Server     ServerSettings     `yaml:"server"`
	Log        LogSettings        `yaml:"log"`
}

// QueueSettings selects and tunes the batch-queue backend.
type QueueSettings struct {
	// Backend is one of "slurm", "pbs" or "local".
	Backend string `yaml:"backend"`
	// SubmitArgs are extra arguments appended to every submission command,
	// e.g. a partition or account selector.
	SubmitArgs []string `yaml:"submit_args"`
}

// SchedulerSettings tunes the polling loop.
type SchedulerSettings struct {
	Interval       time.Duration `yaml:"interval"`
	IdleMultiplier float64       `yaml:"idle_multiplier"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	// PollWorkers bounds the number of concurrent poll calls per tick.
	PollWorkers int `yaml:"poll_workers"`
}

// TaskDefaults apply to tasks whose definition leaves a field unset.
type TaskDefaults struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Walltime    string `yaml:"walltime"`
	MemMB       int    `yaml:"mem_mb"`
	CPUs        int    `yaml:"cpus"`
}

// ClassifierSettings extends the built-in diagnosis rule table.
type ClassifierSettings struct {
	ExtraRules []RuleSetting `yaml:"extra_rules"`
}

// RuleSetting is one operator-supplied classification pattern.
type RuleSetting struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// ServerSettings configures the optional healthcheck/metrics HTTP server.
type ServerSettings struct {
	// Port of zero disables the server.
	Port int `yaml:"port"`
}

// LogSettings configures the application logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings used when no settings file is given.
// The chosen constants are deliberately conservative for shared clusters:
// a 30s poll interval backing off to 5m when idle, at most 16 jobs in
// flight, and 3 attempts per task.
func Default() *Settings {
	return &Settings{
		Queue: QueueSettings{
			Backend: "local",
		},
		Scheduler: SchedulerSettings{
			Interval:       30 * time.Second,
			IdleMultiplier: 2.0,
			MaxInterval:    5 * time.Minute,
			MaxConcurrent:  16,
			PollWorkers:    8,
		},
		Defaults: TaskDefaults{
			MaxAttempts: 3,
			Walltime:    "1:00:00",
			MemMB:       2000,
			CPUs:        1,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads settings from a YAML file, filling unset fields from Default.
// An empty path returns Default unchanged.
func Load(path string) (*Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) validate() error {
	switch s.Queue.Backend {
	case "slurm", "pbs", "local":
	default:
		return fmt.Errorf("unknown queue backend %q; must be 'slurm', 'pbs' or 'local'", s.Queue.Backend)
	}
	if s.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.Scheduler.Interval)
	}
	if s.Scheduler.IdleMultiplier < 1.0 {
		return fmt.Errorf("scheduler idle_multiplier must be >= 1.0, got %g", s.Scheduler.IdleMultiplier)
	}
	if s.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler max_concurrent must be positive, got %d", s.Scheduler.MaxConcurrent)
	}
	if s.Defaults.MaxAttempts <= 0 {
		return fmt.Errorf("defaults max_attempts must be positive, got %d", s.Defaults.MaxAttempts)
	}
	return nil
}
