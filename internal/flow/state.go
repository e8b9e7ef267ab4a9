package flow

import (
	"fmt"
	"time"
)

// Status is the execution state of a node.
type Status string

const (
	// StatusInit is the state of a freshly constructed node.
	StatusInit Status = "INIT"
	// StatusReady means every predecessor finished successfully.
	StatusReady Status = "READY"
	// StatusSubmitted means the task was handed to the queue adapter.
	StatusSubmitted Status = "SUBMITTED"
	// StatusRunning means the queue adapter reports the job as active.
	StatusRunning Status = "RUNNING"
	// StatusTerminated means the process exited but has not been classified.
	StatusTerminated Status = "TERMINATED"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "COMPLETED"
	// StatusFailedRetry means the task failed but will be resubmitted.
	StatusFailedRetry Status = "FAILED_RETRY"
	// StatusFailedFatal is terminal failure.
	StatusFailedFatal Status = "FAILED_FATAL"
	// StatusSkippedOK is terminal: the node was bypassed on purpose and
	// counts as success for its dependents.
	StatusSkippedOK Status = "SKIPPED_OK"
)

// Terminal reports whether the state is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedFatal, StatusSkippedOK:
		return true
	default:
		return false
	}
}

// Success reports whether the state satisfies dependents (terminal-success).
func (s Status) Success() bool {
	switch s {
	case StatusCompleted, StatusSkippedOK:
		return true
	default:
		return false
	}
}

// Active reports whether the task currently owns an outstanding job handle.
func (s Status) Active() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// allowedTransitions is the validated transition table. Fatal-failure
// propagation may only strike nodes that have not been handed to the queue,
// which is why SUBMITTED and RUNNING have no edge to FAILED_FATAL.
var allowedTransitions = map[Status][]Status{
	StatusInit:        {StatusReady, StatusSkippedOK, StatusFailedFatal},
	StatusReady:       {StatusSubmitted, StatusFailedFatal},
	StatusSubmitted:   {StatusRunning, StatusTerminated},
	StatusRunning:     {StatusTerminated},
	StatusTerminated:  {StatusCompleted, StatusFailedRetry, StatusFailedFatal},
	StatusFailedRetry: {StatusReady, StatusFailedFatal},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one entry of a node's append-only history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// InvalidTransitionError reports a disallowed state change.
type InvalidTransitionError struct {
	Node NodeID
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("node %d: disallowed transition %s -> %s", e.Node, e.From, e.To)
}
