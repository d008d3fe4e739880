// Package store contains implementations of the core persistence contracts:
// core.CoreStore for directives and stars and core.OrchestrationStore for
// constellations and runs.
//
// MemoryStore keeps everything in process and is the default of the runner
// and registry. The postgres and redis subpackages provide durable
// backends. All implementations clone values on the way in and out and share
// the stale write rule enforced by CheckRunWrite.
package store
