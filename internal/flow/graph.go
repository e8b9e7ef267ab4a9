package flow

import (
	"fmt"
	"sort"
)

// Edge is one directed dependency: To depends on From. Tolerant marks To as
// tolerating a fatal failure of this specific predecessor.
type Edge struct {
	From     NodeID `json:"from"`
	To       NodeID `json:"to"`
	Tolerant bool   `json:"tolerant,omitempty"`
}

// addEdge records an edge, rejecting self-references, edges linking a work
// with one of its own member tasks, and unknown endpoints. Duplicate edges
// are idempotent; a duplicate carrying tolerant=true upgrades the stored
// edge.
func (f *Flow) addEdge(from, to NodeID, tolerant bool) error {
	if from == to {
		return fmt.Errorf("self-referential edge not allowed on node %d", from)
	}
	if workID, taskID, linked := f.ownMemberLink(from, to); linked {
		// A work already waits on its members through containment; an edge
		// between the two is a cycle the DFS cannot see.
		return fmt.Errorf("edge between work %q and its own task %q not allowed",
			f.nodeName(workID), f.nodeName(taskID))
	}
	if !f.nodeExists(from) {
		return fmt.Errorf("edge references unknown source node %d", from)
	}
	if !f.nodeExists(to) {
		return fmt.Errorf("edge references unknown destination node %d", to)
	}

	for i, e := range f.Edges {
		if e.From == from && e.To == to {
			if tolerant {
				f.Edges[i].Tolerant = true
			}
			return nil
		}
	}
	f.Edges = append(f.Edges, Edge{From: from, To: to, Tolerant: tolerant})
	return nil
}

// ownMemberLink reports whether the pair links a work with one of its own
// member tasks, in either direction.
func (f *Flow) ownMemberLink(a, b NodeID) (work, task NodeID, linked bool) {
	if w, isTask := f.workOfTask[a]; isTask && w == b {
		return b, a, true
	}
	if w, isTask := f.workOfTask[b]; isTask && w == a {
		return a, b, true
	}
	return 0, 0, false
}

func (f *Flow) nodeExists(id NodeID) bool {
	if _, ok := f.taskByID[id]; ok {
		return true
	}
	_, ok := f.workByID[id]
	return ok
}

// indexEdges rebuilds the adjacency maps from the edge list. Called after
// construction and after loading a persisted document.
func (f *Flow) indexEdges() {
	f.preds = make(map[NodeID][]NodeID)
	f.succs = make(map[NodeID][]NodeID)
	f.tolerant = make(map[NodeID]map[NodeID]bool)

	sort.Slice(f.Edges, func(i, j int) bool {
		if f.Edges[i].From != f.Edges[j].From {
			return f.Edges[i].From < f.Edges[j].From
		}
		return f.Edges[i].To < f.Edges[j].To
	})

	for _, e := range f.Edges {
		f.preds[e.To] = append(f.preds[e.To], e.From)
		f.succs[e.From] = append(f.succs[e.From], e.To)
		if e.Tolerant {
			if f.tolerant[e.To] == nil {
				f.tolerant[e.To] = make(map[NodeID]bool)
			}
			f.tolerant[e.To][e.From] = true
		}
	}
}

// Predecessors returns the sorted predecessor ids of a node.
func (f *Flow) Predecessors(id NodeID) []NodeID { return f.preds[id] }

// Successors returns the sorted successor ids of a node.
func (f *Flow) Successors(id NodeID) []NodeID { return f.succs[id] }

// Tolerates reports whether node `to` tolerates a fatal failure of `from`.
func (f *Flow) Tolerates(to, from NodeID) bool {
	return f.tolerant[to][from]
}

// detectCycles checks the edge relation for cycles with a classic
// depth-first search over three node sets (unvisited, in-stack, finished).
func (f *Flow) detectCycles() error {
	permanent := make(map[NodeID]bool)
	temporary := make(map[NodeID]bool)

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return fmt.Errorf("cycle detected involving node %d (%s)", id, f.nodeName(id))
		}

		temporary[id] = true
		for _, succ := range f.succs[id] {
			if err := visit(succ); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	ids := f.allNodeIDs()
	for _, id := range ids {
		if !permanent[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Flow) allNodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(f.taskByID)+len(f.workByID))
	for _, w := range f.Works {
		ids = append(ids, w.ID)
		ids = append(ids, w.TaskIDs...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *Flow) nodeName(id NodeID) string {
	if t, ok := f.taskByID[id]; ok {
		return t.Name
	}
	if w, ok := f.workByID[id]; ok {
		return w.Name
	}
	return "?"
}
