// Package scheduler drives a flow to completion.
//
// The loop is cooperative and single-writer: all node-state mutation
// happens inside one tick, serialized, which is the invariant that makes
// duplicate submission impossible. Queue polls fan out across a bounded
// worker pool for throughput, but their results are folded back into node
// state only after the pool has drained, never concurrently with the fold
// of another tick.
package scheduler
