// Package star implements the six star kinds and the Dispatcher that maps a
// star's kind to its executor.
//
// Worker stars run a bounded tool loop against a model provider. Planning
// stars turn a request into an ordered task plan, which Execution stars fan
// out to one worker per task. Eval stars produce the continue/loop decision
// the runner routes on, Synthesis stars merge several upstream outputs and
// DocEx stars extract information from a batch of documents.
//
// Executors never mutate the ExecutionContext they receive. Model failures
// are reported as failed results; only cancellation is returned as an error.
package star
