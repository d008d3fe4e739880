package core

import (
	"context"
	"maps"

	"github.com/hupe1980/starmesh/logging"
)

// ProbeContext is the constrained surface handed to probe implementations.
// It exposes identifiers for auditing, a read-only copy of the run variables
// and the run's artifact/memory collaborators.
type ProbeContext struct {
	ctx       context.Context
	runID     string
	nodeID    string
	callID    string
	variables map[string]any
	artifacts ArtifactStore
	memory    MemoryBackend

	*loggerAdapter
}

// NewProbeContext builds a probe context from the calling star's context.
// ec may be nil for direct registry invocations.
func NewProbeContext(ctx context.Context, ec *ExecutionContext, callID string) *ProbeContext {
	pc := &ProbeContext{ctx: ctx, callID: callID}

	if ec == nil {
		pc.loggerAdapter = newLoggerAdapter(nil)
		return pc
	}

	pc.runID = ec.RunID
	pc.nodeID = ec.NodeID
	pc.variables = maps.Clone(ec.Variables)
	pc.artifacts = ec.Artifacts
	pc.memory = ec.Memory
	pc.loggerAdapter = ec.loggerAdapter

	if pc.loggerAdapter == nil {
		pc.loggerAdapter = newLoggerAdapter(nil)
	}

	return pc
}

// Context returns the cancellation context of the call.
func (pc *ProbeContext) Context() context.Context { return pc.ctx }

// RunID returns the id of the run invoking the probe.
func (pc *ProbeContext) RunID() string { return pc.runID }

// NodeID returns the id of the node invoking the probe.
func (pc *ProbeContext) NodeID() string { return pc.nodeID }

// CallID returns the tool call id assigned by the model.
func (pc *ProbeContext) CallID() string { return pc.callID }

// Logger returns the logger associated with the call.
func (pc *ProbeContext) Logger() logging.Logger { return pc.loggerAdapter.Logger() }

// Variable returns a run variable.
func (pc *ProbeContext) Variable(name string) (any, bool) {
	v, ok := pc.variables[name]
	return v, ok
}

// Artifacts returns the artifact store or nil.
func (pc *ProbeContext) Artifacts() ArtifactStore { return pc.artifacts }

// Memory returns the memory backend or nil.
func (pc *ProbeContext) Memory() MemoryBackend { return pc.memory }
