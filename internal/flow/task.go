package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/calcflowgo/internal/diagnose"
)

// Resources is the batch-system resource request for one task. The patcher
// raises these values on a RESOURCE_INSUFFICIENT diagnosis.
type Resources struct {
	Walltime string `json:"walltime,omitempty"`
	MemMB    int    `json:"mem_mb,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
}

// Task is a leaf node wrapping one engine invocation.
type Task struct {
	Node

	Workdir    string            `json:"workdir"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	OutputFile string            `json:"output_file,omitempty"`
	Resources  Resources         `json:"resources"`

	// InputSnapshot is a digest of the materialized input deck at the last
	// submission, recorded so patched resubmissions are distinguishable.
	InputSnapshot string `json:"input_snapshot,omitempty"`
	// JobHandle is the adapter's opaque identifier while the task is
	// SUBMITTED or RUNNING; empty otherwise.
	JobHandle    string `json:"job_handle,omitempty"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`

	LastDiagnosis diagnose.Kind `json:"last_diagnosis,omitempty"`
	LastFailure   string        `json:"last_failure,omitempty"`
}

// Standard file names inside a task workdir. They are fixed so a restarted
// controller can relocate existing results from the task id alone.
const (
	StdoutFileName = "run.out"
	StderrFileName = "run.err"
	ScriptFileName = "job_script.sh"
	DoneFileName   = "job.done"
)

// StdoutPath returns the path the engine's stdout is redirected to.
func (t *Task) StdoutPath() string { return filepath.Join(t.Workdir, StdoutFileName) }

// StderrPath returns the path the engine's stderr is redirected to.
func (t *Task) StderrPath() string { return filepath.Join(t.Workdir, StderrFileName) }

// ScriptPath returns the path of the rendered batch job script.
func (t *Task) ScriptPath() string { return filepath.Join(t.Workdir, ScriptFileName) }

// DonePath returns the path of the local adapter's completion marker.
func (t *Task) DonePath() string { return filepath.Join(t.Workdir, DoneFileName) }

// OutputPath returns the absolute path of the declared success output file,
// or an empty string when the task declares none.
func (t *Task) OutputPath() string {
	if t.OutputFile == "" {
		return ""
	}
	return filepath.Join(t.Workdir, t.OutputFile)
}

// RecordedExitCode recovers the engine's exit code from the task's
// done-file. Returns -1 when no code was recorded (the job vanished before
// the terminal record was written).
func (t *Task) RecordedExitCode() int {
	data, err := os.ReadFile(t.DonePath())
	if err != nil {
		return -1
	}
	var code int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &code); err != nil {
		return -1
	}
	return code
}

// MarkSubmitted records a successful hand-off to the queue adapter.
func (t *Task) MarkSubmitted(handle string, snapshot string, at time.Time) error {
	if err := t.Transition(StatusSubmitted, "submitted to queue", at); err != nil {
		return err
	}
	t.JobHandle = handle
	t.InputSnapshot = snapshot
	t.AttemptCount++
	return nil
}

// MarkTerminated records process exit and releases the job handle.
func (t *Task) MarkTerminated(reason string, at time.Time) error {
	if err := t.Transition(StatusTerminated, reason, at); err != nil {
		return err
	}
	t.JobHandle = ""
	return nil
}

// AttemptsExhausted reports whether the task may not be resubmitted again.
func (t *Task) AttemptsExhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}
