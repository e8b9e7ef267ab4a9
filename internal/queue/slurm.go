package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

// Slurm submits through sbatch, polls through squeue with an sacct
// fallback, and cancels through scancel.
type Slurm struct {
	runner     commandRunner
	submitArgs []string
}

// NewSlurm returns the Slurm adapter. submitArgs are appended to every
// sbatch invocation (partition, account, QOS selectors).
func NewSlurm(submitArgs []string) *Slurm {
	return &Slurm{runner: newExecRunner(), submitArgs: submitArgs}
}

// Name implements Adapter.
func (s *Slurm) Name() string { return "slurm" }

func (s *Slurm) directives(t *flow.Task) []string {
	directives := []string{
		fmt.Sprintf("#SBATCH --job-name=%s", t.Name),
		fmt.Sprintf("#SBATCH --chdir=%s", t.Workdir),
		"#SBATCH --output=/dev/null",
		"#SBATCH --error=/dev/null",
	}
	if t.Resources.Walltime != "" {
		directives = append(directives, fmt.Sprintf("#SBATCH --time=%s", t.Resources.Walltime))
	}
	if t.Resources.MemMB > 0 {
		directives = append(directives, fmt.Sprintf("#SBATCH --mem=%dM", t.Resources.MemMB))
	}
	if t.Resources.CPUs > 0 {
		directives = append(directives, fmt.Sprintf("#SBATCH --cpus-per-task=%d", t.Resources.CPUs))
	}
	return directives
}

// Submit implements Adapter.
func (s *Slurm) Submit(ctx context.Context, t *flow.Task, inv engine.Invocation) (string, error) {
	if t.JobHandle != "" {
		return "", fmt.Errorf("task %s: %w", t.Name, ErrOutstandingHandle)
	}

	script, err := writeScript(t, inv, s.directives(t))
	if err != nil {
		return "", err
	}

	args := append([]string{"--parsable"}, s.submitArgs...)
	args = append(args, script)
	res, err := s.runner.RunRetry(ctx, "sbatch", args...)
	if err != nil {
		return "", fmt.Errorf("sbatch failed for task %s: %w", t.Name, err)
	}

	handle := parseSbatchOutput(res.Stdout)
	if handle == "" {
		return "", fmt.Errorf("sbatch returned no job id for task %s: %q", t.Name, res.Stdout)
	}
	ctxlog.FromContext(ctx).Debug("Job submitted via sbatch.", "task", t.Name, "job_id", handle)
	return handle, nil
}

// parseSbatchOutput extracts the job id from `sbatch --parsable` output,
// which is "<jobid>" or "<jobid>;<cluster>".
func parseSbatchOutput(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, ';'); i >= 0 {
		out = out[:i]
	}
	return out
}

// Poll implements Adapter. A job missing from squeue is checked against
// accounting records: a recorded terminal state means DONE, no record at
// all means UNKNOWN.
func (s *Slurm) Poll(ctx context.Context, handle string) (PollStatus, error) {
	res, err := s.runner.Run(ctx, "squeue", "-h", "-o", "%T", "-j", handle)
	if err != nil {
		return StatusUnknown, fmt.Errorf("squeue failed for job %s: %w", handle, err)
	}

	state := strings.TrimSpace(res.Stdout)
	if res.ExitCode == 0 && state != "" {
		return slurmStateToStatus(state), nil
	}

	// Finished jobs leave squeue. Consult accounting before concluding
	// anything.
	res, err = s.runner.Run(ctx, "sacct", "-n", "-X", "-o", "State", "-j", handle)
	if err != nil {
		return StatusUnknown, fmt.Errorf("sacct failed for job %s: %w", handle, err)
	}
	recorded := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || recorded == "" {
		return StatusUnknown, nil
	}
	switch firstField(recorded) {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING", "COMPLETING":
		return StatusActive, nil
	default:
		// COMPLETED, FAILED, TIMEOUT, CANCELLED, OUT_OF_MEMORY...: the
		// job terminated with a recorded state. Classification decides
		// what it means.
		return StatusDone, nil
	}
}

func slurmStateToStatus(state string) PollStatus {
	switch firstField(state) {
	case "PENDING", "CONFIGURING", "SUSPENDED", "REQUEUED":
		return StatusPending
	case "RUNNING", "COMPLETING":
		return StatusActive
	default:
		return StatusDone
	}
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], "+")
}

// Cancel implements Adapter.
func (s *Slurm) Cancel(ctx context.Context, handle string) error {
	if _, err := s.runner.RunRetry(ctx, "scancel", handle); err != nil {
		return fmt.Errorf("scancel failed for job %s: %w", handle, err)
	}
	return nil
}
