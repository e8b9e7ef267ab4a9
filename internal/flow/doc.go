// Package flow holds the orchestration data model: the node state machine,
// tasks and works, the dependency graph, and the persisted flow document.
//
// A Flow is built once from a config.Model and is immutable in topology
// thereafter; only node states and task attempt metadata mutate. The
// scheduler package is the sole mutator during a run.
package flow
