package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vk/calcflowgo/internal/engine"
	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/queue"
)

// fakeJob is one submitted job tracked by the FakeAdapter.
type fakeJob struct {
	taskName string
	workdir  string
	script   []queue.PollStatus
	pos      int
	exitCode int
	stdout   string
	stderr   string
}

// FakeAdapter is a scripted queue.Adapter. Tests script per-task poll
// sequences, exit codes and log contents up front; every submission and
// cancellation is recorded for assertions. When a job's poll script
// reaches DONE the adapter writes the task's done-file and logs, the same
// artifacts a real backend leaves behind.
type FakeAdapter struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]*fakeJob
	scripts     map[string][]queue.PollStatus
	exitCodes   map[string]int
	stdouts     map[string]string
	stderrs     map[string]string
	submitErrs  map[string]error
	Submissions []string
	Cancels     []string
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		jobs:       make(map[string]*fakeJob),
		scripts:    make(map[string][]queue.PollStatus),
		exitCodes:  make(map[string]int),
		stdouts:    make(map[string]string),
		stderrs:    make(map[string]string),
		submitErrs: make(map[string]error),
	}
}

// Script sets the poll sequence for future submissions of the named task.
// The last status repeats once the sequence is exhausted. Unscripted
// tasks report DONE immediately.
func (a *FakeAdapter) Script(taskName string, statuses ...queue.PollStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[taskName] = statuses
}

// ExitCode sets the exit code written to the task's done-file when its
// script reaches DONE. Zero is the default.
func (a *FakeAdapter) ExitCode(taskName string, code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exitCodes[taskName] = code
}

// Logs sets the stdout and stderr contents written when the task's script
// reaches DONE.
func (a *FakeAdapter) Logs(taskName, stdout, stderr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stdouts[taskName] = stdout
	a.stderrs[taskName] = stderr
}

// FailSubmit makes future submissions of the named task fail with err.
// Pass nil to clear.
func (a *FakeAdapter) FailSubmit(taskName string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.submitErrs, taskName)
		return
	}
	a.submitErrs[taskName] = err
}

// Forget drops a tracked handle so later polls report UNKNOWN, the way a
// purged queue record would.
func (a *FakeAdapter) Forget(handle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, handle)
}

// SubmittedCount reports how many submissions of the named task were
// accepted.
func (a *FakeAdapter) SubmittedCount(taskName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, name := range a.Submissions {
		if name == taskName {
			n++
		}
	}
	return n
}

func (a *FakeAdapter) Name() string { return "fake" }

func (a *FakeAdapter) Submit(ctx context.Context, t *flow.Task, inv engine.Invocation) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err, ok := a.submitErrs[t.Name]; ok {
		return "", err
	}

	script := a.scripts[t.Name]
	if len(script) == 0 {
		script = []queue.PollStatus{queue.StatusDone}
	}

	a.seq++
	handle := fmt.Sprintf("fake-%d", a.seq)
	a.jobs[handle] = &fakeJob{
		taskName: t.Name,
		workdir:  t.Workdir,
		script:   append([]queue.PollStatus(nil), script...),
		exitCode: a.exitCodes[t.Name],
		stdout:   a.stdouts[t.Name],
		stderr:   a.stderrs[t.Name],
	}
	a.Submissions = append(a.Submissions, t.Name)
	return handle, nil
}

func (a *FakeAdapter) Poll(ctx context.Context, handle string) (queue.PollStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, ok := a.jobs[handle]
	if !ok {
		return queue.StatusUnknown, nil
	}

	status := job.script[job.pos]
	if job.pos < len(job.script)-1 {
		job.pos++
	}

	if status == queue.StatusDone {
		if err := a.finish(job); err != nil {
			return status, err
		}
	}
	return status, nil
}

func (a *FakeAdapter) Cancel(ctx context.Context, handle string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Cancels = append(a.Cancels, handle)
	delete(a.jobs, handle)
	return nil
}

// finish leaves the artifacts a completed job would: done-file with the
// exit code, and the scripted log contents.
func (a *FakeAdapter) finish(job *fakeJob) error {
	if err := os.MkdirAll(job.workdir, 0o755); err != nil {
		return err
	}
	files := map[string]string{
		flow.DoneFileName:   fmt.Sprintf("%d\n", job.exitCode),
		flow.StdoutFileName: job.stdout,
		flow.StderrFileName: job.stderr,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(job.workdir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
