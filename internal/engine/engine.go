// Package engine is the boundary to the external simulation engine.
//
// The orchestration core never interprets scientific content. It needs
// exactly three collaborator capabilities per task: produce the executable
// command plus input files (Materializer), decide whether the produced
// output satisfies the success criteria (OutputChecker), and optionally
// patch the inputs after a diagnosis before resubmission (Patcher). The
// stock implementations in this package treat the engine as a plain command
// with a declared output file; richer engines plug in their own.
package engine

import (
	"context"

	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/flow"
)

// Invocation is everything an adapter needs to launch one engine run.
type Invocation struct {
	Command string
	Args    []string
	Env     map[string]string
	// Snapshot is an immutable digest of the input deck for this attempt.
	Snapshot string
}

// Materializer prepares a task's workdir and returns the invocation.
// Implementations must be idempotent: materializing the same unpatched task
// twice yields the same invocation and snapshot.
type Materializer interface {
	Materialize(ctx context.Context, t *flow.Task) (Invocation, error)
}

// OutputChecker decides whether a terminated task met its success criteria.
// A nil error means success; a non-nil error describes what is missing or
// malformed.
type OutputChecker interface {
	Check(ctx context.Context, t *flow.Task) error
}

// Patcher adjusts a task's inputs or resource request in response to a
// diagnosis, before resubmission. It returns true when it changed anything.
type Patcher interface {
	Patch(ctx context.Context, t *flow.Task, d diagnose.Diagnosis) (bool, error)
}

// Toolchain bundles the three collaborator capabilities handed to the
// scheduler.
type Toolchain struct {
	Materializer  Materializer
	OutputChecker OutputChecker
	Patcher       Patcher
}

// Stock returns the toolchain used by the CLI: command pass-through
// materialization, declared-output-file checking, and resource patching.
func Stock() Toolchain {
	return Toolchain{
		Materializer:  &CommandMaterializer{},
		OutputChecker: &FileChecker{},
		Patcher:       &ResourcePatcher{},
	}
}
