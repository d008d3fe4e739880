// Package core provides the foundational domain types, interfaces and execution
// contexts used by starmesh. It defines the core abstractions for:
//
//   - Directives (reusable prompt templates with extracted references)
//   - Stars (typed execution units bound to a directive)
//   - Constellations (graphs of star nodes between a start and an end node)
//   - Runs and NodeOutputs (the mutable execution record owned by the runner)
//   - Events (immutable progress records streamed to sinks)
//   - ExecutionContext / ProbeContext (scoped views passed to stars and probes)
//   - Pluggable stores for definitions, runs, artifacts and memory recall
//
// Implementation concerns (persistence backends, graph traversal, concrete
// stars) live in sibling packages; core only exposes small interfaces and the
// error taxonomy shared by all of them.
package core
