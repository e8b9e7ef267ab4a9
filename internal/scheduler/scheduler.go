package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/metrics"
	"github.com/vk/calcflowgo/internal/queue"
)

// Options tune one scheduler loop.
type Options struct {
	// Interval between ticks while the flow is making progress.
	Interval time.Duration
	// IdleMultiplier stretches the interval after a tick in which nothing
	// changed; any observed transition resets it.
	IdleMultiplier float64
	// MaxInterval caps the stretched interval.
	MaxInterval time.Duration
	// MaxConcurrent bounds simultaneously SUBMITTED+RUNNING tasks.
	MaxConcurrent int
	// PollWorkers bounds concurrent poll calls within one tick.
	PollWorkers int
	// KillOnCancel cancels outstanding jobs when the loop is interrupted.
	// When false, jobs keep running on the cluster and a later resume
	// re-attaches to them.
	KillOnCancel bool
	// Now is the clock; defaults to time.Now. Tests inject a fixed clock
	// for deterministic histories.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.IdleMultiplier < 1.0 {
		o.IdleMultiplier = 2.0
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * o.Interval
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 16
	}
	if o.PollWorkers <= 0 {
		o.PollWorkers = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Loop advances one flow until every node is terminal.
type Loop struct {
	flow       *flow.Flow
	adapter    queue.Adapter
	tools      engine.Toolchain
	classifier *diagnose.Classifier
	metrics    *metrics.Set
	opts       Options
}

// New assembles a loop. A nil metrics set falls back to unregistered
// collectors.
func New(f *flow.Flow, adapter queue.Adapter, tools engine.Toolchain, classifier *diagnose.Classifier, m *metrics.Set, opts Options) *Loop {
	if m == nil {
		m = metrics.Nop()
	}
	return &Loop{
		flow:       f,
		adapter:    adapter,
		tools:      tools,
		classifier: classifier,
		metrics:    m,
		opts:       opts.withDefaults(),
	}
}

// Flow returns the flow under control, for status reporting.
func (l *Loop) Flow() *flow.Flow { return l.flow }

// Run ticks until the flow is all-terminal or the context is cancelled.
// Cancellation stops new submissions immediately; already-submitted jobs
// are left running (and recorded) unless KillOnCancel is set, so a later
// resume can re-attach.
func (l *Loop) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("flow", l.flow.Name, "run_id", l.flow.RunID)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("🚀 Scheduler started.", "tasks", len(l.flow.Tasks), "backend", l.adapter.Name())

	interval := l.opts.Interval
	for {
		if err := ctx.Err(); err != nil {
			return l.interrupt(logger, err)
		}

		changed, err := l.Tick(ctx)
		if err != nil {
			return err
		}

		if l.flow.AllTerminal() {
			counts := l.flow.StatusCounts()
			if l.flow.Succeeded() {
				logger.Info("🏁 Flow completed.", "completed", counts[flow.StatusCompleted], "skipped", counts[flow.StatusSkippedOK])
				return nil
			}
			logger.Error("🏁 Flow finished with fatal failures.", "failed", counts[flow.StatusFailedFatal])
			return fmt.Errorf("flow %s finished with %d fatally failed tasks", l.flow.Name, counts[flow.StatusFailedFatal])
		}

		if changed {
			interval = l.opts.Interval
		} else {
			interval = time.Duration(float64(interval) * l.opts.IdleMultiplier)
			if interval > l.opts.MaxInterval {
				interval = l.opts.MaxInterval
			}
		}
		logger.Debug("Tick finished.", "changed", changed, "next_tick_in", interval)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.interrupt(logger, ctx.Err())
		case <-timer.C:
		}
	}
}

// interrupt records a cancellation point precisely: flag the flow, stop or
// keep the outstanding jobs per policy, persist, and hand the context
// error back.
func (l *Loop) interrupt(logger *slog.Logger, cause error) error {
	now := l.opts.Now()
	l.flow.Cancelled = true

	if l.opts.KillOnCancel {
		// The run context is already dead; give the cancel calls their own
		// short deadline.
		killCtx, killCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer killCancel()
		for _, t := range l.flow.ActiveTasks() {
			if err := l.adapter.Cancel(killCtx, t.JobHandle); err != nil {
				logger.Warn("Failed to cancel outstanding job.", "task", t.Name, "job_handle", t.JobHandle, "error", err)
			}
		}
	}

	if err := l.flow.Save(now); err != nil {
		return fmt.Errorf("failed to persist flow at cancellation point: %w", err)
	}
	logger.Info("Scheduler interrupted; flow state persisted.", "cause", cause)
	return cause
}
