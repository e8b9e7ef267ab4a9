// Package queue abstracts over batch-queue systems. Each adapter knows how
// to submit, poll and cancel jobs for one backend; the scheduler stays
// backend-agnostic.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

// PollStatus is the queue's answer about one job handle.
type PollStatus string

const (
	// StatusPending: the job is queued but not yet started.
	StatusPending PollStatus = "PENDING"
	// StatusActive: the job is running.
	StatusActive PollStatus = "ACTIVE"
	// StatusDone: the job finished and left a terminal record.
	StatusDone PollStatus = "DONE"
	// StatusUnknown: the job vanished from the queue without a recorded
	// terminal code (node failure, operator kill). Never treated as
	// success by callers.
	StatusUnknown PollStatus = "UNKNOWN"
)

// ErrOutstandingHandle is returned by Submit when the task already has a
// live job handle. Guards against double submission.
var ErrOutstandingHandle = errors.New("task already has an outstanding job handle")

// Adapter is the capability set every queue backend implements.
//
// Submit must be idempotent-safe: calling it for a task that already holds
// an outstanding handle fails with ErrOutstandingHandle rather than
// creating a second job.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, t *flow.Task, inv engine.Invocation) (string, error)
	Poll(ctx context.Context, handle string) (PollStatus, error)
	Cancel(ctx context.Context, handle string) error
}

// ForBackend constructs the adapter selected in the settings.
func ForBackend(backend string, submitArgs []string) (Adapter, error) {
	switch backend {
	case "slurm":
		return NewSlurm(submitArgs), nil
	case "pbs":
		return NewPBS(submitArgs), nil
	case "local":
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}
