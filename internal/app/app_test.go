package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/testutil"
)

// fastSettings writes a settings file tuned for tests: local backend and
// millisecond polling.
func fastSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calcflow.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  interval: 5ms
  max_interval: 20ms
`), 0o644))
	return path
}

func writeDefinition(t *testing.T, workdir string) string {
	t.Helper()
	content := fmt.Sprintf(`
flow "smoke" {
  workdir = %q

  work "stage" {
    task "hello" {
      command = "sh"
      args    = ["-c", "echo hello"]
    }
    task "goodbye" {
      command    = "sh"
      args       = ["-c", "echo goodbye"]
      depends_on = ["hello"]
    }
  }
}
`, workdir)
	path := filepath.Join(t.TempDir(), "flow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewApp(t *testing.T) {
	t.Run("defaults when no settings file is given", func(t *testing.T) {
		a, err := NewApp(&testutil.SafeBuffer{}, Config{})
		require.NoError(t, err)
		assert.Equal(t, "local", a.settings.Queue.Backend)
		require.NotNil(t, a.Logger())
	})

	t.Run("broken settings file fails fast", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("queue:\n  backend: lsf\n"), 0o644))
		_, err := NewApp(&testutil.SafeBuffer{}, Config{SettingsPath: path})
		assert.ErrorContains(t, err, "unknown queue backend")
	})

	t.Run("invalid classifier settings surface on run", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
classifier:
  extra_rules:
    - kind: NOPE
      pattern: x
`), 0o644))
		a, err := NewApp(&testutil.SafeBuffer{}, Config{SettingsPath: path})
		require.NoError(t, err)
		_, err = a.buildClassifier()
		assert.ErrorContains(t, err, "unknown diagnosis kind")
	})
}

func TestStartFlow(t *testing.T) {
	logs := &testutil.SafeBuffer{}
	a, err := NewApp(logs, Config{SettingsPath: fastSettings(t), LogLevel: "debug"})
	require.NoError(t, err)

	workdir := t.TempDir()
	err = a.StartFlow(context.Background(), writeDefinition(t, workdir))
	require.NoError(t, err)

	restored, err := flow.Load(workdir)
	require.NoError(t, err)
	assert.True(t, restored.Succeeded())
	assert.Contains(t, logs.String(), "Flow built")
	assert.Contains(t, logs.String(), "Flow completed")

	stdout, err := os.ReadFile(filepath.Join(workdir, "w00_stage", "t00_hello", "run.out"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))
}

func TestResumeFlow(t *testing.T) {
	t.Run("finished flows cannot be resumed", func(t *testing.T) {
		a, err := NewApp(&testutil.SafeBuffer{}, Config{SettingsPath: fastSettings(t)})
		require.NoError(t, err)

		workdir := t.TempDir()
		require.NoError(t, a.StartFlow(context.Background(), writeDefinition(t, workdir)))

		err = a.ResumeFlow(context.Background(), workdir)
		assert.ErrorContains(t, err, "nothing to resume")
	})

	t.Run("missing state file", func(t *testing.T) {
		a, err := NewApp(&testutil.SafeBuffer{}, Config{})
		require.NoError(t, err)
		err = a.ResumeFlow(context.Background(), t.TempDir())
		assert.ErrorContains(t, err, "failed to read flow state")
	})
}

func TestCancelFlow(t *testing.T) {
	a, err := NewApp(&testutil.SafeBuffer{}, Config{})
	require.NoError(t, err)

	model := testutil.NewModel("tocancel", testutil.NewWork("stage", testutil.NewTask("only")))
	f := testutil.BuildFlow(t, model)
	require.NoError(t, f.Save(time.Now()))

	require.NoError(t, a.CancelFlow(context.Background(), f.Workdir, false))

	restored, err := flow.Load(f.Workdir)
	require.NoError(t, err)
	assert.True(t, restored.Cancelled)
}

func TestFlowStatus(t *testing.T) {
	out := &testutil.SafeBuffer{}
	a, err := NewApp(out, Config{})
	require.NoError(t, err)

	model := testutil.NewModel("report", testutil.NewWork("stage", testutil.NewTask("only")))
	f := testutil.BuildFlow(t, model)
	require.NoError(t, f.Save(time.Now()))

	require.NoError(t, a.FlowStatus(context.Background(), f.Workdir))
	report := out.String()
	assert.Contains(t, report, "flow: report")
	assert.Contains(t, report, "run_id: "+f.RunID)
	assert.Contains(t, report, "INIT=1")
	assert.Contains(t, report, "only")
}

func TestValidateFlow(t *testing.T) {
	out := &testutil.SafeBuffer{}
	a, err := NewApp(out, Config{})
	require.NoError(t, err)

	t.Run("valid definition", func(t *testing.T) {
		err := a.ValidateFlow(context.Background(), writeDefinition(t, t.TempDir()))
		require.NoError(t, err)
		assert.Contains(t, out.String(), `flow "smoke" is valid: 1 works, 2 tasks, 1 edges`)
	})

	t.Run("cycle is rejected", func(t *testing.T) {
		content := `
flow "loop" {
  workdir = "/tmp/loop"
  work "stage" {
    task "a" {
      command    = "engine"
      depends_on = ["b"]
    }
    task "b" {
      command    = "engine"
      depends_on = ["a"]
    }
  }
}
`
		path := filepath.Join(t.TempDir(), "loop.hcl")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		err := a.ValidateFlow(context.Background(), path)
		assert.ErrorContains(t, err, "cycle detected")
	})
}
