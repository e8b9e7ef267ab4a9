package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/calcflowgo/internal/config"
	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/queue"
	"github.com/vk/calcflowgo/internal/testutil"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLoop(t *testing.T, f *flow.Flow, adapter queue.Adapter, opts Options) *Loop {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	return New(f, adapter, engine.Stock(), diagnose.New(), nil, opts)
}

// taskByName locates a task through its qualified name.
func taskByName(t *testing.T, f *flow.Flow, qualified string) *flow.Task {
	t.Helper()
	for _, task := range f.Tasks {
		if f.QualifiedName(task.ID) == qualified {
			return task
		}
	}
	t.Fatalf("no task named %s", qualified)
	return nil
}

func TestTickChain(t *testing.T) {
	ctx := context.Background()
	model := testutil.NewModel("chain",
		testutil.NewWork("stage",
			testutil.NewTask("first"),
			&config.TaskDef{Name: "second", Command: "/bin/true", DependsOn: []string{"first"}},
		))
	f := testutil.BuildFlow(t, model)
	adapter := testutil.NewFakeAdapter()
	loop := newTestLoop(t, f, adapter, Options{})

	changed, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, flow.StatusCompleted, taskByName(t, f, "stage.first").Status)
	assert.Equal(t, flow.StatusInit, taskByName(t, f, "stage.second").Status,
		"the dependent is promoted in the next tick, after its predecessor's verdict")

	changed, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, flow.StatusCompleted, taskByName(t, f, "stage.second").Status)
	assert.True(t, f.AllTerminal())
	assert.True(t, f.Succeeded())

	// Every tick persists; the document on disk matches memory.
	restored, err := flow.Load(f.Workdir)
	require.NoError(t, err)
	assert.True(t, restored.Succeeded())
}

func TestTickIdleWhenNothingChanges(t *testing.T) {
	ctx := context.Background()
	model := testutil.NewModel("idle", testutil.NewWork("stage", testutil.NewTask("only")))
	f := testutil.BuildFlow(t, model)
	adapter := testutil.NewFakeAdapter()
	adapter.Script("only", queue.StatusActive)
	loop := newTestLoop(t, f, adapter, Options{})

	changed, err := loop.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "submission plus promotion to RUNNING")

	changed, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "still running, nothing to fold")
	assert.Equal(t, 1, adapter.SubmittedCount("only"), "a running task is never resubmitted")
}

func TestTickFatalPropagation(t *testing.T) {
	ctx := context.Background()

	makeModel := func() *config.Model {
		return testutil.NewModel("prop",
			testutil.NewWork("stage",
				&config.TaskDef{Name: "broken", Command: "engine", OutputFile: "res.out"},
				&config.TaskDef{Name: "dependent", Command: "engine", DependsOn: []string{"broken"}},
			))
	}

	t.Run("fatal input strikes the whole chain", func(t *testing.T) {
		f := testutil.BuildFlow(t, makeModel())
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("broken", 2)
		adapter.Logs("broken", "", "ERROR: invalid input: ecut must be positive")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		broken := taskByName(t, f, "stage.broken")
		assert.Equal(t, flow.StatusFailedFatal, broken.Status)
		assert.Equal(t, diagnose.KindFatalInput, broken.LastDiagnosis)

		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		dependent := taskByName(t, f, "stage.dependent")
		assert.Equal(t, flow.StatusFailedFatal, dependent.Status)
		assert.Contains(t, dependent.LastFailure, "stage.broken failed fatally")
		assert.Zero(t, adapter.SubmittedCount("dependent"), "doomed tasks are never submitted")
		assert.True(t, f.AllTerminal())
		assert.False(t, f.Succeeded())
	})

	t.Run("crash without a declared output file is not a success", func(t *testing.T) {
		model := testutil.NewModel("crash",
			testutil.NewWork("stage",
				&config.TaskDef{Name: "broken", Command: "engine"},
			))
		f := testutil.BuildFlow(t, model)
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("broken", 2)
		adapter.Logs("broken", "", "ERROR: invalid input: ecut must be positive")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		broken := taskByName(t, f, "stage.broken")
		assert.Equal(t, flow.StatusFailedFatal, broken.Status)
		assert.Equal(t, diagnose.KindFatalInput, broken.LastDiagnosis)
	})

	t.Run("tolerant dependent runs anyway", func(t *testing.T) {
		model := makeModel()
		model.Flow.Edges = []*config.EdgeDef{
			{From: "stage.broken", To: "stage.dependent", Tolerant: true},
		}
		f := testutil.BuildFlow(t, model)
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("broken", 2)
		adapter.Logs("broken", "", "ERROR: invalid input: ecut must be positive")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		_, err = loop.Tick(ctx)
		require.NoError(t, err)

		assert.Equal(t, flow.StatusCompleted, taskByName(t, f, "stage.dependent").Status)
		assert.Equal(t, 1, adapter.SubmittedCount("dependent"))
	})
}

func TestTickRetryPolicy(t *testing.T) {
	ctx := context.Background()

	failingModel := func(maxAttempts int) *config.Model {
		return testutil.NewModel("retry",
			testutil.NewWork("stage",
				&config.TaskDef{Name: "flaky", Command: "engine", OutputFile: "res.out", MaxAttempts: maxAttempts},
			))
	}

	t.Run("transient failure is retried until attempts run out", func(t *testing.T) {
		f := testutil.BuildFlow(t, failingModel(2))
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("flaky", 1)
		adapter.Logs("flaky", "", "slurmstepd: error: node failure on cn-203")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		flaky := taskByName(t, f, "stage.flaky")
		assert.Equal(t, flow.StatusFailedRetry, flaky.Status)
		assert.Equal(t, diagnose.KindTransientInfra, flaky.LastDiagnosis)
		assert.Equal(t, 1, flaky.AttemptCount)

		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, flow.StatusFailedFatal, flaky.Status)
		assert.Equal(t, 2, flaky.AttemptCount)
		assert.Contains(t, flaky.LastFailure, "attempts exhausted: 2/2")
		assert.Equal(t, 2, adapter.SubmittedCount("flaky"))
	})

	t.Run("retry succeeds once the cluster recovers", func(t *testing.T) {
		f := testutil.BuildFlow(t, failingModel(3))
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("flaky", 1)
		adapter.Logs("flaky", "", "slurmstepd: error: node failure on cn-203")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		flaky := taskByName(t, f, "stage.flaky")
		require.Equal(t, flow.StatusFailedRetry, flaky.Status)

		// The next attempt exits cleanly and produces the output file.
		adapter.ExitCode("flaky", 0)
		adapter.Logs("flaky", "all good", "")
		require.NoError(t, os.MkdirAll(flaky.Workdir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(flaky.Workdir, "res.out"), []byte("converged\n"), 0o644))

		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, flow.StatusCompleted, flaky.Status)
		assert.Equal(t, diagnose.KindOK, flaky.LastDiagnosis)
		assert.Empty(t, flaky.LastFailure)
	})

	t.Run("nonconvergence is retried exactly once", func(t *testing.T) {
		f := testutil.BuildFlow(t, failingModel(5))
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("flaky", 1)
		adapter.Logs("flaky", "", "SCF cycle did not converge after 100 iterations")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		flaky := taskByName(t, f, "stage.flaky")
		assert.Equal(t, flow.StatusFailedRetry, flaky.Status)
		assert.Equal(t, diagnose.KindNumericalNonconvergence, flaky.LastDiagnosis)

		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, flow.StatusFailedFatal, flaky.Status)
		assert.Equal(t, "repeated nonconvergence", flaky.LastFailure)
		assert.Equal(t, 2, flaky.AttemptCount, "attempts were left, the policy cut it short")
	})

	t.Run("resource shortage patches the request before retrying", func(t *testing.T) {
		f := testutil.BuildFlow(t, failingModel(3))
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("flaky", 137)
		adapter.Logs("flaky", "", "slurmstepd: Exceeded memory limit, being killed\nout of memory")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		flaky := taskByName(t, f, "stage.flaky")
		assert.Equal(t, flow.StatusFailedRetry, flaky.Status)
		assert.Equal(t, 150, flaky.Resources.MemMB, "1.5x the test default of 100")
		assert.Equal(t, "0:20:00", flaky.Resources.Walltime, "double the test default")
	})

	t.Run("unrecognized failure aborts", func(t *testing.T) {
		f := testutil.BuildFlow(t, failingModel(3))
		adapter := testutil.NewFakeAdapter()
		adapter.ExitCode("flaky", 139)
		adapter.Logs("flaky", "", "Segmentation fault")
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		flaky := taskByName(t, f, "stage.flaky")
		assert.Equal(t, flow.StatusFailedFatal, flaky.Status)
		assert.Equal(t, diagnose.KindUnrecognized, flaky.LastDiagnosis)
		assert.Equal(t, 1, flaky.AttemptCount, "unrecognized failures burn no retries")
	})
}

func TestTickVanishedJob(t *testing.T) {
	ctx := context.Background()
	model := testutil.NewModel("vanish",
		testutil.NewWork("stage",
			&config.TaskDef{Name: "ghost", Command: "engine", MaxAttempts: 2},
		))
	f := testutil.BuildFlow(t, model)
	adapter := testutil.NewFakeAdapter()
	adapter.Script("ghost", queue.StatusUnknown)
	loop := newTestLoop(t, f, adapter, Options{})

	_, err := loop.Tick(ctx)
	require.NoError(t, err)
	ghost := taskByName(t, f, "stage.ghost")
	assert.Equal(t, flow.StatusFailedRetry, ghost.Status)
	assert.Equal(t, diagnose.KindTransientInfra, ghost.LastDiagnosis)
	assert.Contains(t, ghost.LastFailure, "vanished")
	assert.Empty(t, ghost.JobHandle)

	// The second disappearance exhausts the budget.
	_, err = loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusFailedFatal, ghost.Status)
	assert.Contains(t, ghost.LastFailure, "attempts exhausted: 2/2")
}

func TestTickSubmission(t *testing.T) {
	ctx := context.Background()

	t.Run("ceiling bounds in-flight tasks", func(t *testing.T) {
		model := testutil.NewModel("ceiling",
			testutil.NewWork("stage",
				testutil.NewTask("a"),
				testutil.NewTask("b"),
			))
		f := testutil.BuildFlow(t, model)
		adapter := testutil.NewFakeAdapter()
		adapter.Script("a", queue.StatusPending)
		adapter.Script("b", queue.StatusPending)
		loop := newTestLoop(t, f, adapter, Options{MaxConcurrent: 1})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, adapter.SubmittedCount("a"))
		assert.Zero(t, adapter.SubmittedCount("b"))
		assert.Equal(t, flow.StatusReady, taskByName(t, f, "stage.b").Status)

		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, adapter.SubmittedCount("b"), "first job still pending keeps the slot")
	})

	t.Run("submission failure leaves the task ready", func(t *testing.T) {
		model := testutil.NewModel("subfail", testutil.NewWork("stage", testutil.NewTask("only")))
		f := testutil.BuildFlow(t, model)
		adapter := testutil.NewFakeAdapter()
		adapter.FailSubmit("only", errors.New("sbatch: error: Slurm controller not responding"))
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		only := taskByName(t, f, "stage.only")
		assert.Equal(t, flow.StatusReady, only.Status)
		assert.Zero(t, only.AttemptCount)
		assert.Contains(t, only.LastFailure, "submission failed")

		adapter.FailSubmit("only", nil)
		_, err = loop.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, flow.StatusCompleted, only.Status)
	})

	t.Run("materialization failure is fatal", func(t *testing.T) {
		model := testutil.NewModel("matfail", testutil.NewWork("stage", testutil.NewTask("only")))
		f := testutil.BuildFlow(t, model)
		// Occupy the work directory path with a plain file so the task
		// workdir cannot be created.
		require.NoError(t, os.WriteFile(filepath.Join(f.Workdir, "w00_stage"), []byte("in the way"), 0o644))

		adapter := testutil.NewFakeAdapter()
		loop := newTestLoop(t, f, adapter, Options{})

		_, err := loop.Tick(ctx)
		require.NoError(t, err)
		only := taskByName(t, f, "stage.only")
		assert.Equal(t, flow.StatusFailedFatal, only.Status)
		assert.Contains(t, only.LastFailure, "materialization failed")
		assert.Zero(t, adapter.SubmittedCount("only"))
	})
}
