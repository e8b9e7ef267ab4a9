package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

func localTask(t *testing.T) *flow.Task {
	t.Helper()
	return &flow.Task{
		Node:    flow.Node{ID: 1, Name: "scf"},
		Workdir: filepath.Join(t.TempDir(), "t00_scf"),
	}
}

// pollUntilDone polls the handle until DONE or the deadline expires.
func pollUntilDone(t *testing.T, l *Local, handle string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := l.Poll(context.Background(), handle)
		require.NoError(t, err)
		if status == StatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
}

func TestLocalSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("runs the process and records the exit code", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)
		inv := engine.Invocation{
			Command: "sh",
			Args:    []string{"-c", "echo result; echo diag >&2; exit 0"},
		}

		handle, err := l.Submit(ctx, task, inv)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(handle, "@"+task.Workdir),
			"handle must encode the workdir")
		pollUntilDone(t, l, handle)

		assert.Equal(t, 0, ReadExitCode(task))

		stdout, err := os.ReadFile(task.StdoutPath())
		require.NoError(t, err)
		assert.Equal(t, "result\n", string(stdout))
		stderr, err := os.ReadFile(task.StderrPath())
		require.NoError(t, err)
		assert.Equal(t, "diag\n", string(stderr))
	})

	t.Run("non-zero exit is recorded in the done-file", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)

		handle, err := l.Submit(ctx, task, engine.Invocation{Command: "sh", Args: []string{"-c", "exit 7"}})
		require.NoError(t, err)
		pollUntilDone(t, l, handle)
		assert.Equal(t, 7, ReadExitCode(task))
	})

	t.Run("env reaches the process", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)
		inv := engine.Invocation{
			Command: "sh",
			Args:    []string{"-c", "echo $CALC_MODE"},
			Env:     map[string]string{"CALC_MODE": "strict"},
		}

		handle, err := l.Submit(ctx, task, inv)
		require.NoError(t, err)
		pollUntilDone(t, l, handle)

		stdout, err := os.ReadFile(task.StdoutPath())
		require.NoError(t, err)
		assert.Equal(t, "strict\n", string(stdout))
	})

	t.Run("outstanding handle is rejected", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)
		task.JobHandle = "already@/somewhere"

		_, err := l.Submit(ctx, task, engine.Invocation{Command: "sh", Args: []string{"-c", "true"}})
		assert.ErrorIs(t, err, ErrOutstandingHandle)
	})

	t.Run("stale done-file is cleared on submit", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)
		require.NoError(t, os.MkdirAll(task.Workdir, 0o755))
		require.NoError(t, os.WriteFile(task.DonePath(), []byte("99\n"), 0o644))

		handle, err := l.Submit(ctx, task, engine.Invocation{Command: "sh", Args: []string{"-c", "sleep 5"}})
		require.NoError(t, err)
		defer l.Cancel(ctx, handle)

		status, err := l.Poll(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
		_, statErr := os.Stat(task.DonePath())
		assert.True(t, os.IsNotExist(statErr), "previous attempt's done-file must be gone")
	})

	t.Run("missing command fails submission", func(t *testing.T) {
		l := NewLocal()
		_, err := l.Submit(ctx, localTask(t), engine.Invocation{Command: "definitely-not-a-command-3141"})
		assert.ErrorContains(t, err, "failed to start engine")
	})
}

func TestLocalPollAfterRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("untracked handle with a done-file is done", func(t *testing.T) {
		// A fresh adapter stands in for a restarted controller: it never
		// started this job, so only the done-file can answer.
		workdir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(workdir, flow.DoneFileName), []byte("0\n"), 0o644))

		l := NewLocal()
		status, err := l.Poll(ctx, "dead-beef@"+workdir)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, status)
	})

	t.Run("untracked handle without a done-file is unknown", func(t *testing.T) {
		l := NewLocal()
		status, err := l.Poll(ctx, "dead-beef@"+t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})

	t.Run("malformed handle is unknown", func(t *testing.T) {
		l := NewLocal()
		status, err := l.Poll(ctx, "no-workdir-here")
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})
}

func TestLocalCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("kills a live process", func(t *testing.T) {
		l := NewLocal()
		task := localTask(t)

		handle, err := l.Submit(ctx, task, engine.Invocation{Command: "sh", Args: []string{"-c", "sleep 60"}})
		require.NoError(t, err)
		require.NoError(t, l.Cancel(ctx, handle))
		pollUntilDone(t, l, handle)
		assert.NotEqual(t, 0, ReadExitCode(task), "a killed job must not look successful")
	})

	t.Run("cancelling an untracked handle is a no-op", func(t *testing.T) {
		l := NewLocal()
		assert.NoError(t, l.Cancel(ctx, "dead-beef@/nowhere"))
	})
}
