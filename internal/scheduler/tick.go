package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/queue"
)

// Tick advances the flow by one scheduling round: propagate fatal
// failures, promote ready tasks, submit up to the concurrency ceiling,
// poll outstanding jobs, classify terminated ones, persist. It reports
// whether any node state changed.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	now := l.opts.Now()
	l.metrics.Ticks.Inc()
	changed := false

	// (1) Readiness. Fatal predecessor failures cascade first so a task is
	// never promoted on the strength of a doomed dependency chain.
	failed, err := l.flow.PropagateFailures(now)
	if err != nil {
		return changed, err
	}
	for _, id := range failed {
		logger.Warn("Task failed by propagation.", "task", l.flow.QualifiedName(id))
		l.metrics.Transitions.WithLabelValues(string(flow.StatusFailedFatal)).Inc()
		changed = true
	}

	ready, err := l.flow.MarkReady(now)
	if err != nil {
		return changed, err
	}
	for _, id := range ready {
		logger.Debug("Task ready.", "task", l.flow.QualifiedName(id))
		l.metrics.Transitions.WithLabelValues(string(flow.StatusReady)).Inc()
		changed = true
	}

	// (2) Submission, bounded by the concurrency ceiling.
	submitted, err := l.submitReady(ctx, now)
	if err != nil {
		return changed, err
	}
	changed = changed || submitted

	// (3) Poll every outstanding handle.
	polled, err := l.pollActive(ctx, now)
	if err != nil {
		return changed, err
	}
	changed = changed || polled

	// (4) Classify every freshly terminated task.
	classified, err := l.classifyTerminated(ctx, now)
	if err != nil {
		return changed, err
	}
	changed = changed || classified

	l.metrics.ActiveTasks.Set(float64(len(l.flow.ActiveTasks())))

	// (5) Persist the whole document; the tick is the durability unit.
	if err := l.flow.Save(now); err != nil {
		return changed, err
	}
	return changed, nil
}

// submitReady hands ready tasks to the adapter while the number of
// in-flight tasks stays under the ceiling. A submission failure leaves the
// task READY; infra-level retry already happened inside the adapter, and
// the next tick simply tries again.
func (l *Loop) submitReady(ctx context.Context, now time.Time) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	changed := false
	inFlight := len(l.flow.ActiveTasks())

	for _, t := range l.flow.ReadyTasks() {
		if ctx.Err() != nil {
			// Cancellation stops new submissions immediately.
			return changed, nil
		}
		if inFlight >= l.opts.MaxConcurrent {
			logger.Debug("Concurrency ceiling reached; deferring submissions.", "ceiling", l.opts.MaxConcurrent)
			break
		}

		inv, err := l.tools.Materializer.Materialize(ctx, t)
		if err != nil {
			// A task whose inputs cannot be produced will never run.
			reason := fmt.Sprintf("input materialization failed: %v", err)
			logger.Error("Task failed to materialize.", "task", l.flow.QualifiedName(t.ID), "error", err)
			if terr := l.fail(t, flow.StatusFailedFatal, reason, now); terr != nil {
				return changed, terr
			}
			changed = true
			continue
		}

		handle, err := l.adapter.Submit(ctx, t, inv)
		if err != nil {
			logger.Warn("Submission failed; will retry next tick.", "task", l.flow.QualifiedName(t.ID), "error", err)
			t.LastFailure = fmt.Sprintf("submission failed: %v", err)
			continue
		}
		if err := t.MarkSubmitted(handle, inv.Snapshot, now); err != nil {
			return changed, err
		}
		l.metrics.Submissions.Inc()
		l.metrics.Transitions.WithLabelValues(string(flow.StatusSubmitted)).Inc()
		logger.Info("Task submitted.", "task", l.flow.QualifiedName(t.ID), "job_handle", handle, "attempt", t.AttemptCount)
		inFlight++
		changed = true
	}
	return changed, nil
}

// pollResult pairs a task with its queue answer for the serial fold.
type pollResult struct {
	task   *flow.Task
	status queue.PollStatus
	err    error
}

// pollActive queries the adapter for every outstanding handle. The calls
// fan out on a bounded pool; the fold into node state happens strictly
// after the pool drains.
func (l *Loop) pollActive(ctx context.Context, now time.Time) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	active := l.flow.ActiveTasks()
	if len(active) == 0 {
		return false, nil
	}

	results := make([]pollResult, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.PollWorkers)
	for i, t := range active {
		i, t := i, t
		g.Go(func() error {
			status, err := l.adapter.Poll(gctx, t.JobHandle)
			results[i] = pollResult{task: t, status: status, err: err}
			return nil
		})
	}
	// Workers never return errors; they record them for the fold.
	_ = g.Wait()

	changed := false
	for _, r := range results {
		t := r.task
		if r.err != nil {
			l.metrics.PollErrors.Inc()
			logger.Warn("Poll failed; keeping state.", "task", l.flow.QualifiedName(t.ID), "job_handle", t.JobHandle, "error", r.err)
			continue
		}

		switch r.status {
		case queue.StatusPending:
			// Still queued; nothing to fold.
		case queue.StatusActive:
			if t.Status == flow.StatusSubmitted {
				if err := l.transition(t, flow.StatusRunning, "queue reports job active", now); err != nil {
					return changed, err
				}
				changed = true
			}
		case queue.StatusDone:
			if err := t.MarkTerminated("queue reports job finished", now); err != nil {
				return changed, err
			}
			l.metrics.Transitions.WithLabelValues(string(flow.StatusTerminated)).Inc()
			changed = true
		case queue.StatusUnknown:
			// The job vanished without a terminal record. Distinct from
			// DONE: route to retry, never to classification-as-success.
			reason := "job vanished from queue without terminal record"
			logger.Warn("Job vanished.", "task", l.flow.QualifiedName(t.ID), "job_handle", t.JobHandle)
			if err := t.MarkTerminated(reason, now); err != nil {
				return changed, err
			}
			l.metrics.Transitions.WithLabelValues(string(flow.StatusTerminated)).Inc()
			t.LastDiagnosis = diagnose.KindTransientInfra
			t.LastFailure = reason
			if err := l.failRetry(t, reason, now); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

// classifyTerminated runs the success check and, failing that, the log
// classifier for every task awaiting a verdict, then applies the
// retry/patch/abort policy.
func (l *Loop) classifyTerminated(ctx context.Context, now time.Time) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	changed := false

	for _, t := range l.flow.TerminatedTasks() {
		name := l.flow.QualifiedName(t.ID)

		checkErr := l.tools.OutputChecker.Check(ctx, t)
		if checkErr == nil {
			t.LastDiagnosis = diagnose.KindOK
			t.LastFailure = ""
			if err := l.transition(t, flow.StatusCompleted, "success criteria met", now); err != nil {
				return changed, err
			}
			logger.Info("Task completed.", "task", name, "attempts", t.AttemptCount)
			changed = true
			continue
		}

		previous := t.LastDiagnosis
		d := l.classifier.Classify(diagnose.Input{
			ExitCode: queue.ReadExitCode(t),
			Logs:     readTaskLogs(t),
		})
		t.LastDiagnosis = d.Kind
		t.LastFailure = fmt.Sprintf("%s (output check: %v)", d.Reason, checkErr)
		logger.Warn("Task diagnosed.", "task", name, "kind", d.Kind, "reason", d.Reason)

		switch d.Kind {
		case diagnose.KindTransientInfra:
			if err := l.failRetry(t, d.Reason, now); err != nil {
				return changed, err
			}

		case diagnose.KindResourceInsufficient:
			patched, perr := l.tools.Patcher.Patch(ctx, t, d)
			if perr != nil {
				logger.Warn("Patch failed; retrying unpatched.", "task", name, "error", perr)
			} else if patched {
				logger.Info("Task resources patched for resubmission.", "task", name, "walltime", t.Resources.Walltime, "mem_mb", t.Resources.MemMB)
			}
			if err := l.failRetry(t, d.Reason, now); err != nil {
				return changed, err
			}

		case diagnose.KindNumericalNonconvergence:
			// One patched resubmission; a second nonconvergence is final.
			if previous == diagnose.KindNumericalNonconvergence {
				if err := l.fail(t, flow.StatusFailedFatal, "repeated nonconvergence", now); err != nil {
					return changed, err
				}
				break
			}
			if _, perr := l.tools.Patcher.Patch(ctx, t, d); perr != nil {
				logger.Warn("Patch failed; retrying unpatched.", "task", name, "error", perr)
			}
			if err := l.failRetry(t, d.Reason, now); err != nil {
				return changed, err
			}

		case diagnose.KindFatalInput:
			if err := l.fail(t, flow.StatusFailedFatal, d.Reason, now); err != nil {
				return changed, err
			}

		default:
			// UNRECOGNIZED: conservative abort, loudly.
			logger.Error("Unrecognized failure; aborting task. Operator attention required.", "task", name, "workdir", t.Workdir, "exit_code", queue.ReadExitCode(t))
			if err := l.fail(t, flow.StatusFailedFatal, d.Reason, now); err != nil {
				return changed, err
			}
		}
		changed = true
	}
	return changed, nil
}

// failRetry routes a retryable failure: back to the queue while attempts
// remain, fatal once they are exhausted.
func (l *Loop) failRetry(t *flow.Task, reason string, now time.Time) error {
	if t.AttemptsExhausted() {
		return l.fail(t, flow.StatusFailedFatal,
			fmt.Sprintf("%s (attempts exhausted: %d/%d)", reason, t.AttemptCount, t.MaxAttempts), now)
	}
	return l.transition(t, flow.StatusFailedRetry, reason, now)
}

func (l *Loop) fail(t *flow.Task, to flow.Status, reason string, now time.Time) error {
	t.LastFailure = reason
	return l.transition(t, to, reason, now)
}

func (l *Loop) transition(t *flow.Task, to flow.Status, reason string, now time.Time) error {
	if err := t.Transition(to, reason, now); err != nil {
		return err
	}
	l.metrics.Transitions.WithLabelValues(string(to)).Inc()
	return nil
}

// maxLogBytes bounds how much log text is fed to the classifier; failure
// signatures live near the end of the logs.
const maxLogBytes = 128 << 10

// readTaskLogs concatenates the tails of the task's stdout and stderr.
func readTaskLogs(t *flow.Task) string {
	return readTail(t.StdoutPath()) + "\n" + readTail(t.StderrPath())
}

func readTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxLogBytes {
		data = data[len(data)-maxLogBytes:]
	}
	return string(data)
}
