// Package runner executes constellations.
//
// A Runner validates the constellation graph, creates a Run and then
// traverses the graph in waves: every node whose non-loop predecessors are
// complete (and confirmed, and selected by an eval decision where that
// applies) is executed concurrently against an isolated snapshot of the run.
// Results are published by the runner alone, in node id order, after the
// whole wave has joined.
//
// # Lifecycle
//
//   - Start creates and drives a new run.
//   - A completed node that requires confirmation suspends the run; Start or
//     Resume then return an Outcome of kind suspended, never an error.
//   - Resume confirms the awaiting node and re-enters the traversal.
//   - Cancel stops an active run or cancels a paused one directly.
//
// # Failures
//
// A star that reports a failed result still completes its node; the result
// and its error text are recorded in the NodeOutput and the run goes on. A
// Go error, a panic or a missing result fails the node. Failures of nodes
// in the same wave are collected and fail the run together.
//
// Eval nodes deciding "loop" reset the loop body to pending until the loop
// cap is reached, after which the LoopPolicy applies. Every state change is
// persisted to the OrchestrationStore before the matching event is emitted.
package runner
