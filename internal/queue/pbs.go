package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/calcflowgo/internal/ctxlog"
	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

// PBS submits through qsub, polls through qstat, and cancels through qdel.
// Works against PBS Pro and Torque; the state letters they share are the
// only ones interpreted.
type PBS struct {
	runner     commandRunner
	submitArgs []string
}

// NewPBS returns the PBS adapter.
func NewPBS(submitArgs []string) *PBS {
	return &PBS{runner: newExecRunner(), submitArgs: submitArgs}
}

// Name implements Adapter.
func (p *PBS) Name() string { return "pbs" }

func (p *PBS) directives(t *flow.Task) []string {
	directives := []string{
		fmt.Sprintf("#PBS -N %s", t.Name),
		"#PBS -o /dev/null",
		"#PBS -e /dev/null",
	}
	if t.Resources.Walltime != "" {
		directives = append(directives, fmt.Sprintf("#PBS -l walltime=%s", t.Resources.Walltime))
	}
	if t.Resources.MemMB > 0 {
		directives = append(directives, fmt.Sprintf("#PBS -l mem=%dmb", t.Resources.MemMB))
	}
	if t.Resources.CPUs > 0 {
		directives = append(directives, fmt.Sprintf("#PBS -l ncpus=%d", t.Resources.CPUs))
	}
	return directives
}

// Submit implements Adapter.
func (p *PBS) Submit(ctx context.Context, t *flow.Task, inv engine.Invocation) (string, error) {
	if t.JobHandle != "" {
		return "", fmt.Errorf("task %s: %w", t.Name, ErrOutstandingHandle)
	}

	script, err := writeScript(t, inv, p.directives(t))
	if err != nil {
		return "", err
	}

	args := append(append([]string{}, p.submitArgs...), script)
	res, err := p.runner.RunRetry(ctx, "qsub", args...)
	if err != nil {
		return "", fmt.Errorf("qsub failed for task %s: %w", t.Name, err)
	}

	handle := strings.TrimSpace(res.Stdout)
	if handle == "" {
		return "", fmt.Errorf("qsub returned no job id for task %s", t.Name)
	}
	ctxlog.FromContext(ctx).Debug("Job submitted via qsub.", "task", t.Name, "job_id", handle)
	return handle, nil
}

// Poll implements Adapter. The -x flag includes finished jobs on PBS Pro;
// a job qstat does not know at all is UNKNOWN, never DONE.
func (p *PBS) Poll(ctx context.Context, handle string) (PollStatus, error) {
	res, err := p.runner.Run(ctx, "qstat", "-f", "-x", handle)
	if err != nil {
		return StatusUnknown, fmt.Errorf("qstat failed for job %s: %w", handle, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "Unknown Job Id") ||
			strings.Contains(res.Stderr, "Job has finished") {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("qstat exited %d for job %s: %s", res.ExitCode, handle, strings.TrimSpace(res.Stderr))
	}

	state, ok := parseQstatState(res.Stdout)
	if !ok {
		return StatusUnknown, nil
	}
	return pbsStateToStatus(state), nil
}

// parseQstatState extracts the job_state letter from `qstat -f` output.
func parseQstatState(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if value, found := strings.CutPrefix(line, "job_state = "); found {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func pbsStateToStatus(state string) PollStatus {
	switch state {
	case "Q", "H", "W", "T":
		return StatusPending
	case "R", "E", "S":
		return StatusActive
	case "F", "C", "X":
		return StatusDone
	default:
		return StatusUnknown
	}
}

// Cancel implements Adapter.
func (p *PBS) Cancel(ctx context.Context, handle string) error {
	if _, err := p.runner.RunRetry(ctx, "qdel", handle); err != nil {
		return fmt.Errorf("qdel failed for job %s: %w", handle, err)
	}
	return nil
}
