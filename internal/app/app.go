// Package app wires the application together: settings, logger, queue
// adapter, classifier, and the per-flow scheduler loops.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/hclcfg"
	"github.com/vk/calcflowgo/internal/metrics"
	"github.com/vk/calcflowgo/internal/queue"
	"github.com/vk/calcflowgo/internal/scheduler"
	"github.com/vk/calcflowgo/internal/settings"
)

// Config holds everything an App needs to run one CLI verb.
type Config struct {
	SettingsPath string
	// LogLevel and LogFormat override the settings file when non-empty.
	LogLevel  string
	LogFormat string
	// KillOnCancel cancels outstanding jobs when a running loop is
	// interrupted.
	KillOnCancel bool
}

// App encapsulates the application's dependencies and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	settings *settings.Settings
	config   Config
	registry *Registry
	promReg  *prometheus.Registry
	tools    engine.Toolchain
}

// NewApp loads settings and constructs a fully initialized App with its
// own isolated logger and flow registry.
func NewApp(outW io.Writer, cfg Config) (*App, error) {
	s, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}

	ls := s.Log
	if cfg.LogLevel != "" {
		ls.Level = cfg.LogLevel
	}
	if cfg.LogFormat != "" {
		ls.Format = cfg.LogFormat
	}

	return &App{
		outW:     outW,
		logger:   newLogger(ls, outW),
		settings: s,
		config:   cfg,
		registry: NewRegistry(),
		promReg:  prometheus.NewRegistry(),
		tools:    engine.Stock(),
	}, nil
}

// Logger returns the application logger. Primarily for testing.
func (a *App) Logger() *slog.Logger { return a.logger }

// SetToolchain replaces the stock engine collaborators. Primarily for
// testing and for embedders with engine-specific materialization.
func (a *App) SetToolchain(tc engine.Toolchain) { a.tools = tc }

// StartFlow builds a flow from its HCL definition, persists the initial
// document, and runs the scheduler until the flow finishes or ctx is
// cancelled.
func (a *App) StartFlow(ctx context.Context, definitionPath string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	f, err := a.buildFlow(ctx, definitionPath)
	if err != nil {
		return err
	}
	if err := f.Save(time.Now()); err != nil {
		return err
	}
	a.logger.Info("Flow built.", "flow", f.Name, "workdir", f.Workdir, "tasks", len(f.Tasks))
	return a.runLoop(ctx, f)
}

// ResumeFlow reconstructs a flow from its persisted document and continues
// polling, re-attaching to any still-outstanding job handles.
func (a *App) ResumeFlow(ctx context.Context, workdir string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	f, err := flow.Load(workdir)
	if err != nil {
		return err
	}
	if f.AllTerminal() {
		return fmt.Errorf("flow %s is already finished; nothing to resume", f.Name)
	}
	f.Cancelled = false
	a.logger.Info("Flow restored from disk.", "flow", f.Name, "active_jobs", len(f.ActiveTasks()))
	return a.runLoop(ctx, f)
}

// CancelFlow marks a persisted flow as cancelled. With kill set, every
// outstanding job handle is cancelled on the queue; otherwise jobs are
// left running and a later resume re-attaches to them.
func (a *App) CancelFlow(ctx context.Context, workdir string, kill bool) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	f, err := flow.Load(workdir)
	if err != nil {
		return err
	}
	f.Cancelled = true

	if kill {
		adapter, err := a.buildAdapter()
		if err != nil {
			return err
		}
		for _, t := range f.ActiveTasks() {
			if err := adapter.Cancel(ctx, t.JobHandle); err != nil {
				a.logger.Warn("Failed to cancel outstanding job.", "task", t.Name, "job_handle", t.JobHandle, "error", err)
			}
		}
	}

	if err := f.Save(time.Now()); err != nil {
		return err
	}
	a.logger.Info("Flow cancelled.", "flow", f.Name, "killed_jobs", kill)
	return nil
}

// ValidateFlow parses and builds a definition without submitting anything.
func (a *App) ValidateFlow(ctx context.Context, definitionPath string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	f, err := a.buildFlow(ctx, definitionPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.outW, "flow %q is valid: %d works, %d tasks, %d edges\n",
		f.Name, len(f.Works), len(f.Tasks), len(f.Edges))
	return nil
}

func (a *App) buildFlow(ctx context.Context, definitionPath string) (*flow.Flow, error) {
	model, err := hclcfg.NewLoader().Load(ctx, definitionPath)
	if err != nil {
		return nil, err
	}
	return flow.NewFromModel(model, flow.Defaults{
		MaxAttempts: a.settings.Defaults.MaxAttempts,
		Walltime:    a.settings.Defaults.Walltime,
		MemMB:       a.settings.Defaults.MemMB,
		CPUs:        a.settings.Defaults.CPUs,
	})
}

func (a *App) buildAdapter() (queue.Adapter, error) {
	return queue.ForBackend(a.settings.Queue.Backend, a.settings.Queue.SubmitArgs)
}

func (a *App) buildClassifier() (*diagnose.Classifier, error) {
	specs := make([]diagnose.RuleSpec, 0, len(a.settings.Classifier.ExtraRules))
	for _, r := range a.settings.Classifier.ExtraRules {
		specs = append(specs, diagnose.RuleSpec{Kind: r.Kind, Pattern: r.Pattern, Reason: r.Reason})
	}
	extra, err := diagnose.CompileRules(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier settings: %w", err)
	}
	return diagnose.New(extra...), nil
}

// runLoop registers the flow, optionally starts the monitoring server, and
// ticks the scheduler to completion.
func (a *App) runLoop(ctx context.Context, f *flow.Flow) error {
	adapter, err := a.buildAdapter()
	if err != nil {
		return err
	}
	classifier, err := a.buildClassifier()
	if err != nil {
		return err
	}

	loop := scheduler.New(f, adapter, a.tools, classifier, metrics.New(a.promReg), scheduler.Options{
		Interval:       a.settings.Scheduler.Interval,
		IdleMultiplier: a.settings.Scheduler.IdleMultiplier,
		MaxInterval:    a.settings.Scheduler.MaxInterval,
		MaxConcurrent:  a.settings.Scheduler.MaxConcurrent,
		PollWorkers:    a.settings.Scheduler.PollWorkers,
		KillOnCancel:   a.config.KillOnCancel,
	})

	if err := a.registry.Add(f.RunID, loop); err != nil {
		return err
	}
	defer a.registry.Remove(f.RunID)

	if a.settings.Server.Port > 0 {
		stop := a.startMonitorServer(a.settings.Server.Port)
		defer stop()
	}

	return loop.Run(ctx)
}
