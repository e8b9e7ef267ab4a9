package flow

// Work is an ordered group of tasks. A work participates in the dependency
// graph as a node in its own right (works may depend on works), but its
// state is a view derived from its members, never stored authoritatively --
// see Flow.WorkStatus.
type Work struct {
	ID      NodeID   `json:"id"`
	Name    string   `json:"name"`
	TaskIDs []NodeID `json:"task_ids"`
}

// WorkStatus derives the aggregate state of a work from its member tasks.
func (f *Flow) WorkStatus(w *Work) Status {
	var (
		allSuccess = true
		allInit    = true
		allSkipped = true
	)
	for _, id := range w.TaskIDs {
		t := f.taskByID[id]
		switch {
		case t.Status == StatusFailedFatal:
			return StatusFailedFatal
		case !t.Status.Success():
			allSuccess = false
			allSkipped = false
		case t.Status != StatusSkippedOK:
			allSkipped = false
		}
		if t.Status != StatusInit {
			allInit = false
		}
	}
	switch {
	case len(w.TaskIDs) == 0:
		return StatusSkippedOK
	case allSkipped:
		return StatusSkippedOK
	case allSuccess:
		return StatusCompleted
	case allInit:
		return StatusInit
	default:
		return StatusRunning
	}
}
