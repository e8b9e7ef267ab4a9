package queue

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
)

// renderScript builds the batch job script for a task: shebang, the
// backend's resource directives, environment exports, then the engine
// command with stdout/stderr redirected into the workdir. The script
// records the engine's exit code in the done-file so the controller can
// recover it after the job leaves the queue.
func renderScript(t *flow.Task, inv engine.Invocation, directives []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, d := range directives {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "cd %q\n", t.Workdir)

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%q\n", k, inv.Env[k])
	}

	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s > %s 2> %s\n",
		shellCommand(inv), flow.StdoutFileName, flow.StderrFileName)
	b.WriteString("rc=$?\n")
	fmt.Fprintf(&b, "echo $rc > %s\n", flow.DoneFileName)
	b.WriteString("exit $rc\n")
	return b.String()
}

func shellCommand(inv engine.Invocation) string {
	parts := []string{fmt.Sprintf("%q", inv.Command)}
	for _, a := range inv.Args {
		parts = append(parts, fmt.Sprintf("%q", a))
	}
	return strings.Join(parts, " ")
}

// writeScript renders and writes the job script into the task workdir.
func writeScript(t *flow.Task, inv engine.Invocation, directives []string) (string, error) {
	if err := os.MkdirAll(t.Workdir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create task workdir %s: %w", t.Workdir, err)
	}
	path := t.ScriptPath()
	if err := os.WriteFile(path, []byte(renderScript(t, inv, directives)), 0o744); err != nil {
		return "", fmt.Errorf("failed to write job script %s: %w", path, err)
	}
	return path, nil
}

// ReadExitCode recovers the engine's exit code from the task's done-file.
// Returns -1 when no exit code was recorded (job vanished before the
// script's trailer ran).
func ReadExitCode(t *flow.Task) int {
	return t.RecordedExitCode()
}
