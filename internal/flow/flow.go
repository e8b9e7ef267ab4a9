package flow

import (
	"fmt"
	"sort"
	"time"
)

// Flow is the top-level DAG of works and the unit of durability. Exported
// fields are the persisted document; the unexported maps are derived
// indexes rebuilt on construction and on load.
type Flow struct {
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	Workdir   string    `json:"workdir"`
	SavedAt   time.Time `json:"saved_at"`
	Cancelled bool      `json:"cancelled"`
	NextID    NodeID    `json:"next_id"`
	Works     []*Work   `json:"works"`
	Tasks     []*Task   `json:"tasks"`
	Edges     []Edge    `json:"edges"`

	taskByID   map[NodeID]*Task
	workByID   map[NodeID]*Work
	workOfTask map[NodeID]NodeID
	preds      map[NodeID][]NodeID
	succs      map[NodeID][]NodeID
	tolerant   map[NodeID]map[NodeID]bool
}

// index rebuilds every derived lookup from the persisted fields.
func (f *Flow) index() {
	f.taskByID = make(map[NodeID]*Task, len(f.Tasks))
	for _, t := range f.Tasks {
		f.taskByID[t.ID] = t
	}
	f.workByID = make(map[NodeID]*Work, len(f.Works))
	f.workOfTask = make(map[NodeID]NodeID)
	for _, w := range f.Works {
		f.workByID[w.ID] = w
		for _, tid := range w.TaskIDs {
			f.workOfTask[tid] = w.ID
		}
	}
	f.indexEdges()
}

// allocID hands out the next node id from the flow-wide counter.
func (f *Flow) allocID() NodeID {
	f.NextID++
	return f.NextID
}

// Task returns the task with the given id, or nil.
func (f *Flow) Task(id NodeID) *Task { return f.taskByID[id] }

// Work returns the work with the given id, or nil.
func (f *Flow) Work(id NodeID) *Work { return f.workByID[id] }

// WorkOf returns the work owning the given task.
func (f *Flow) WorkOf(taskID NodeID) *Work {
	return f.workByID[f.workOfTask[taskID]]
}

// QualifiedName returns "work.task" for tasks and the bare name for works.
func (f *Flow) QualifiedName(id NodeID) string {
	if t, ok := f.taskByID[id]; ok {
		return f.WorkOf(id).Name + "." + t.Name
	}
	if w, ok := f.workByID[id]; ok {
		return w.Name
	}
	return fmt.Sprintf("node-%d", id)
}

// statusOf resolves a node's effective state: stored for tasks, derived for
// works.
func (f *Flow) statusOf(id NodeID) Status {
	if t, ok := f.taskByID[id]; ok {
		return t.Status
	}
	return f.WorkStatus(f.workByID[id])
}

// predecessorsSatisfied reports whether every predecessor of the task --
// both its own edges and the edges of its owning work -- finished
// successfully. A fatally failed predecessor still satisfies dependents
// that declared the edge tolerant; the failure is final for the
// predecessor, not for them.
func (f *Flow) predecessorsSatisfied(t *Task) bool {
	if !f.nodeSatisfied(t.ID) {
		return false
	}
	return f.nodeSatisfied(f.workOfTask[t.ID])
}

func (f *Flow) nodeSatisfied(id NodeID) bool {
	for _, pred := range f.preds[id] {
		st := f.statusOf(pred)
		if st.Success() {
			continue
		}
		if st == StatusFailedFatal && f.Tolerates(id, pred) {
			continue
		}
		return false
	}
	return true
}

// fatalPredecessor returns the first non-tolerated predecessor of the task
// that failed fatally, or -1.
func (f *Flow) fatalPredecessor(t *Task) NodeID {
	for _, pred := range f.preds[t.ID] {
		if f.statusOf(pred) == StatusFailedFatal && !f.Tolerates(t.ID, pred) {
			return pred
		}
	}
	workID := f.workOfTask[t.ID]
	for _, pred := range f.preds[workID] {
		if f.statusOf(pred) == StatusFailedFatal && !f.Tolerates(workID, pred) {
			return pred
		}
	}
	return NodeID(-1)
}

// PropagateFailures cascades fatal predecessor failures onto their
// not-yet-submitted dependents, repeating until a fixpoint so that whole
// chains collapse within one call. Tasks are visited in id order for
// deterministic histories. It returns the ids of newly failed tasks.
func (f *Flow) PropagateFailures(now time.Time) ([]NodeID, error) {
	var failed []NodeID
	for {
		changed := false
		for _, t := range f.Tasks {
			switch t.Status {
			case StatusInit, StatusReady, StatusFailedRetry:
			default:
				continue
			}
			pred := f.fatalPredecessor(t)
			if pred < 0 {
				continue
			}
			reason := fmt.Sprintf("predecessor %s failed fatally", f.QualifiedName(pred))
			if err := t.Transition(StatusFailedFatal, reason, now); err != nil {
				return failed, err
			}
			t.LastFailure = reason
			failed = append(failed, t.ID)
			changed = true
		}
		if !changed {
			return failed, nil
		}
	}
}

// MarkReady promotes INIT and FAILED_RETRY tasks whose predecessors are all
// terminal-success. Returns the promoted ids in id order.
func (f *Flow) MarkReady(now time.Time) ([]NodeID, error) {
	var ready []NodeID
	for _, t := range f.Tasks {
		if t.Status != StatusInit && t.Status != StatusFailedRetry {
			continue
		}
		if !f.predecessorsSatisfied(t) {
			continue
		}
		if err := t.Transition(StatusReady, "all predecessors succeeded", now); err != nil {
			return ready, err
		}
		ready = append(ready, t.ID)
	}
	return ready, nil
}

// ActiveTasks returns the tasks currently SUBMITTED or RUNNING, in id order.
func (f *Flow) ActiveTasks() []*Task {
	var active []*Task
	for _, t := range f.Tasks {
		if t.Status.Active() {
			active = append(active, t)
		}
	}
	return active
}

// ReadyTasks returns the tasks currently READY, in id order.
func (f *Flow) ReadyTasks() []*Task {
	var ready []*Task
	for _, t := range f.Tasks {
		if t.Status == StatusReady {
			ready = append(ready, t)
		}
	}
	return ready
}

// TerminatedTasks returns the tasks awaiting classification, in id order.
func (f *Flow) TerminatedTasks() []*Task {
	var done []*Task
	for _, t := range f.Tasks {
		if t.Status == StatusTerminated {
			done = append(done, t)
		}
	}
	return done
}

// AllTerminal reports whether every task reached a terminal state.
func (f *Flow) AllTerminal() bool {
	for _, t := range f.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every task reached terminal success.
func (f *Flow) Succeeded() bool {
	for _, t := range f.Tasks {
		if !t.Status.Success() {
			return false
		}
	}
	return true
}

// StatusCounts returns the number of tasks per state, for status reports.
func (f *Flow) StatusCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, t := range f.Tasks {
		counts[t.Status]++
	}
	return counts
}

// SortedStatuses returns the states present in the flow in a stable order.
func SortedStatuses(counts map[Status]int) []Status {
	statuses := make([]Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	return statuses
}
