package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vk/calcflowgo/internal/diagnose"
	"github.com/vk/calcflowgo/internal/flow"
)

// CommandMaterializer runs the task's declared command as-is. The input
// deck is assumed to already exist in the workdir (produced by whatever
// generated the flow definition); the snapshot digests the command line,
// environment and resource request so patched resubmissions are
// distinguishable in the history.
type CommandMaterializer struct{}

// Materialize ensures the workdir exists and returns the invocation.
func (m *CommandMaterializer) Materialize(ctx context.Context, t *flow.Task) (Invocation, error) {
	if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
		return Invocation{}, fmt.Errorf("failed to create task workdir %s: %w", t.Workdir, err)
	}

	inv := Invocation{
		Command: t.Command,
		Args:    t.Args,
		Env:     t.Env,
	}
	inv.Snapshot = snapshotOf(t, inv)
	return inv, nil
}

func snapshotOf(t *flow.Task, inv Invocation) string {
	h := sha256.New()
	fmt.Fprintln(h, inv.Command)
	fmt.Fprintln(h, strings.Join(inv.Args, "\x00"))

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, inv.Env[k])
	}
	fmt.Fprintf(h, "walltime=%s mem_mb=%d cpus=%d\n",
		t.Resources.Walltime, t.Resources.MemMB, t.Resources.CPUs)
	return hex.EncodeToString(h.Sum(nil))
}

// FileChecker succeeds when the task's declared output file exists and is
// non-empty. Tasks declaring no output file succeed only on a recorded
// zero exit code; a crashed engine is never a success just because it had
// nothing to produce.
type FileChecker struct{}

// Check implements OutputChecker.
func (c *FileChecker) Check(ctx context.Context, t *flow.Task) error {
	path := t.OutputPath()
	if path == "" {
		if code := t.RecordedExitCode(); code != 0 {
			return fmt.Errorf("no output file declared and engine exited with code %d", code)
		}
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output file %s missing: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("expected output file %s is empty", path)
	}
	return nil
}

// ResourcePatcher raises the task's resource request after a
// RESOURCE_INSUFFICIENT diagnosis: memory is multiplied by 1.5 and the
// wall-time request doubled. Other diagnoses are left for engine-specific
// patchers; the stock patcher reports them unchanged.
type ResourcePatcher struct{}

// Patch implements Patcher.
func (p *ResourcePatcher) Patch(ctx context.Context, t *flow.Task, d diagnose.Diagnosis) (bool, error) {
	if d.Kind != diagnose.KindResourceInsufficient {
		return false, nil
	}

	changed := false
	if t.Resources.MemMB > 0 {
		t.Resources.MemMB = t.Resources.MemMB * 3 / 2
		changed = true
	}
	if t.Resources.Walltime != "" {
		doubled, err := doubleWalltime(t.Resources.Walltime)
		if err != nil {
			return changed, err
		}
		t.Resources.Walltime = doubled
		changed = true
	}
	return changed, nil
}

// doubleWalltime doubles an [HH:]MM:SS or HH:MM:SS walltime string.
func doubleWalltime(walltime string) (string, error) {
	parts := strings.Split(walltime, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", fmt.Errorf("unparseable walltime %q", walltime)
	}

	seconds := 0
	for _, part := range parts {
		var v int
		if _, err := fmt.Sscanf(part, "%d", &v); err != nil || v < 0 {
			return "", fmt.Errorf("unparseable walltime %q", walltime)
		}
		seconds = seconds*60 + v
	}
	seconds *= 2
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60), nil
}
