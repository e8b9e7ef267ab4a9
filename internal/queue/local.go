package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

// Local runs the engine as a direct child process, for environments
// without a batch system. The job handle encodes the task workdir so that
// a restarted controller, which no longer owns the process, can still tell
// "finished with a recorded exit code" (done-file present) apart from
// "vanished" (no process, no done-file).
type Local struct {
	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// NewLocal returns the local-execution adapter.
func NewLocal() *Local {
	return &Local{jobs: make(map[string]*localJob)}
}

// Name implements Adapter.
func (l *Local) Name() string { return "local" }

// Submit implements Adapter.
func (l *Local) Submit(ctx context.Context, t *flow.Task, inv engine.Invocation) (string, error) {
	if t.JobHandle != "" {
		return "", fmt.Errorf("task %s: %w", t.Name, ErrOutstandingHandle)
	}
	if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create task workdir %s: %w", t.Workdir, err)
	}
	// A stale done-file from a previous attempt must not masquerade as this
	// attempt's result.
	if err := os.Remove(t.DonePath()); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to clear done-file for task %s: %w", t.Name, err)
	}

	stdout, err := os.Create(t.StdoutPath())
	if err != nil {
		return "", fmt.Errorf("failed to create stdout file for task %s: %w", t.Name, err)
	}
	stderr, err := os.Create(t.StderrPath())
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("failed to create stderr file for task %s: %w", t.Name, err)
	}

	cmd := exec.Command(inv.Command, inv.Args...)
	cmd.Dir = t.Workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", fmt.Errorf("failed to start engine for task %s: %w", t.Name, err)
	}

	handle := uuid.NewString() + "@" + t.Workdir
	job := &localJob{cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.jobs[handle] = job
	l.mu.Unlock()

	donePath := t.DonePath()
	logger := ctxlog.FromContext(ctx)
	go func() {
		defer stdout.Close()
		defer stderr.Close()

		code := 0
		if err := cmd.Wait(); err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}
		// Record the exit code before signalling completion so a poll
		// never observes DONE without a readable code.
		if err := os.WriteFile(donePath, []byte(fmt.Sprintf("%d\n", code)), 0o644); err != nil {
			logger.Error("Failed to write done-file.", "path", donePath, "error", err)
		}

		l.mu.Lock()
		job.exitCode = code
		close(job.done)
		l.mu.Unlock()
	}()

	logger.Debug("Engine started locally.", "task", t.Name, "pid", cmd.Process.Pid)
	return handle, nil
}

// Poll implements Adapter.
func (l *Local) Poll(ctx context.Context, handle string) (PollStatus, error) {
	l.mu.Lock()
	job, tracked := l.jobs[handle]
	l.mu.Unlock()

	if tracked {
		select {
		case <-job.done:
			return StatusDone, nil
		default:
			return StatusActive, nil
		}
	}

	// Untracked handle: this controller did not start the process (it was
	// restarted). The done-file is the only terminal record.
	workdir, ok := workdirFromHandle(handle)
	if !ok {
		return StatusUnknown, nil
	}
	if _, err := os.Stat(workdir + "/" + flow.DoneFileName); err == nil {
		return StatusDone, nil
	}
	return StatusUnknown, nil
}

// Cancel implements Adapter.
func (l *Local) Cancel(ctx context.Context, handle string) error {
	l.mu.Lock()
	job, tracked := l.jobs[handle]
	l.mu.Unlock()

	if !tracked {
		return nil
	}
	select {
	case <-job.done:
		return nil
	default:
	}
	if err := job.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill local job %s: %w", handle, err)
	}
	return nil
}

func workdirFromHandle(handle string) (string, bool) {
	_, workdir, found := strings.Cut(handle, "@")
	return workdir, found && workdir != ""
}
