package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/calcflowgo/internal/config"
	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/flow"
)

// Defaults returns the per-task defaults used by test flows.
func Defaults() flow.Defaults {
	return flow.Defaults{MaxAttempts: 3, Walltime: "0:10:00", MemMB: 100, CPUs: 1}
}

// NewModel assembles a flow model from work definitions.
func NewModel(flowName string, works ...*config.WorkDef) *config.Model {
	return &config.Model{Flow: &config.FlowDef{Name: flowName, Works: works}}
}

// NewWork assembles a work definition from task definitions.
func NewWork(name string, tasks ...*config.TaskDef) *config.WorkDef {
	return &config.WorkDef{Name: name, Tasks: tasks}
}

// NewTask returns a minimal runnable task definition.
func NewTask(name string) *config.TaskDef {
	return &config.TaskDef{Name: name, Command: "/bin/true"}
}

// BuildFlow materializes a model into a flow rooted in a temporary
// directory, failing the test on any build error.
func BuildFlow(t *testing.T, model *config.Model) *flow.Flow {
	t.Helper()
	if model.Flow.Workdir == "" {
		model.Flow.Workdir = t.TempDir()
	}
	f, err := flow.NewFromModel(model, Defaults())
	require.NoError(t, err)
	return f
}

// LoggerContext returns a context carrying a debug-level text logger
// writing to outW.
func LoggerContext(outW io.Writer) context.Context {
	logger := slog.New(slog.NewTextHandler(outW, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger)
}
