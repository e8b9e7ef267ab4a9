package flow

import "time"

// NodeID uniquely identifies a node within one flow. IDs are allocated by a
// single flow-level counter and never reused.
type NodeID int

// Node is the common identity and state carried by tasks.
type Node struct {
	ID      NodeID       `json:"id"`
	Name    string       `json:"name"`
	Status  Status       `json:"status"`
	History []Transition `json:"history,omitempty"`
}

// Transition validates and applies a state change, appending to the history.
func (n *Node) Transition(to Status, reason string, at time.Time) error {
	if !transitionAllowed(n.Status, to) {
		return &InvalidTransitionError{Node: n.ID, From: n.Status, To: to}
	}
	n.History = append(n.History, Transition{
		From:   n.Status,
		To:     to,
		At:     at.UTC(),
		Reason: reason,
	})
	n.Status = to
	return nil
}
