package queue

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vk/calcflowgo/internal/ctxlog"
)

// runResult captures one queue-command execution.
type runResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution so adapter parsing can be
// tested against canned outputs.
type commandRunner interface {
	// Run executes the command. A non-zero exit is reported via
	// runResult.ExitCode, not via the error; the error is reserved for
	// failures to execute at all.
	Run(ctx context.Context, name string, args ...string) (runResult, error)
	// RunRetry executes the command, retrying with exponential backoff on
	// spawn failures and non-zero exits. Queue frontends on busy clusters
	// time out transiently; those retries belong below the task layer.
	RunRetry(ctx context.Context, name string, args ...string) (runResult, error)
}

type execRunner struct {
	maxRetries      uint64
	initialInterval time.Duration
}

func newExecRunner() *execRunner {
	return &execRunner{maxRetries: 4, initialInterval: 500 * time.Millisecond}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (runResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (r *execRunner) RunRetry(ctx context.Context, name string, args ...string) (runResult, error) {
	logger := ctxlog.FromContext(ctx)

	var res runResult
	operation := func() error {
		var err error
		res, err = r.Run(ctx, name, args...)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if res.ExitCode != 0 {
			return errors.New(name + " exited non-zero: " + res.Stderr)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, r.maxRetries), ctx))
	if err != nil {
		logger.Warn("Queue command failed after retries.", "command", name, "error", err)
		return res, err
	}
	return res, nil
}
