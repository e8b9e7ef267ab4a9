package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/vk/calcflowgo/internal/flow"
)

// FlowStatus loads a persisted flow and writes a human-readable report of
// every task to the App's output writer.
func (a *App) FlowStatus(ctx context.Context, workdir string) error {
	f, err := flow.Load(workdir)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.outW, "flow: %s\nrun_id: %s\nworkdir: %s\nsaved_at: %s\n",
		f.Name, f.RunID, f.Workdir, f.SavedAt.Format("2006-01-02 15:04:05 MST"))
	if f.Cancelled {
		fmt.Fprintln(a.outW, "cancelled: true")
	}

	counts := f.StatusCounts()
	fmt.Fprint(a.outW, "summary:")
	for _, st := range flow.SortedStatuses(counts) {
		fmt.Fprintf(a.outW, " %s=%d", st, counts[st])
	}
	fmt.Fprintln(a.outW)
	fmt.Fprintln(a.outW)

	tw := tabwriter.NewWriter(a.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tATTEMPTS\tJOB\tLAST FAILURE")
	for _, w := range f.Works {
		fmt.Fprintf(tw, "%s\t%s\t\t\t\n", w.Name, f.WorkStatus(w))
		for _, id := range w.TaskIDs {
			t := f.Task(id)
			fmt.Fprintf(tw, "  %s\t%s\t%d/%d\t%s\t%s\n",
				t.Name, t.Status, t.AttemptCount, t.MaxAttempts, t.JobHandle, t.LastFailure)
		}
	}
	return tw.Flush()
}
