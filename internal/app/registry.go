package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vk/calcflowgo/internal/flow"
	"github.com/vk/calcflowgo/internal/scheduler"
)

// FlowInfo is a point-in-time description of a registered flow.
type FlowInfo struct {
	Name   string
	RunID  string
	Counts string
}

// Registry tracks the scheduler loops this process is driving, keyed by
// run id. One process may drive several flows concurrently as long as
// their working directories do not overlap.
type Registry struct {
	mu    sync.RWMutex
	loops map[string]*scheduler.Loop
}

func NewRegistry() *Registry {
	return &Registry{loops: make(map[string]*scheduler.Loop)}
}

// Add registers a loop. It fails if a loop with the same run id is
// already registered.
func (r *Registry) Add(runID string, loop *scheduler.Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loops[runID]; exists {
		return fmt.Errorf("flow run %s is already being driven by this process", runID)
	}
	r.loops[runID] = loop
	return nil
}

// Remove unregisters a loop. Removing an unknown run id is a no-op.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loops, runID)
}

// Snapshot returns the registered flows sorted by run id.
func (r *Registry) Snapshot() []FlowInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]FlowInfo, 0, len(r.loops))
	for runID, loop := range r.loops {
		f := loop.Flow()
		counts := f.StatusCounts()
		var parts []string
		for _, st := range flow.SortedStatuses(counts) {
			parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
		}
		infos = append(infos, FlowInfo{Name: f.Name, RunID: runID, Counts: strings.Join(parts, " ")})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RunID < infos[j].RunID })
	return infos
}
