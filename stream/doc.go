// Package stream fans run events out to observers while a run is in flight.
//
// A Sink consumes core.Event values. The package ships a no-op sink, a
// callback sink, a non-blocking in-memory queue, a recording sink for
// tests, a composite that forwards to several sinks and a buffered sink that
// flushes in batches. The Emitter wraps a sink so that sink failures and
// panics are logged and counted but never fail the run.
package stream
