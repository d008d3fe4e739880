package core

import (
	"context"
	"maps"
	"sort"

	"github.com/hupe1980/starmesh/logging"
)

// ExecutionContext is the read-mostly view handed to a star. It aggregates:
//   - The ambient cancellation Context
//   - Identifiers (RunID, NodeID)
//   - The original query, constellation purpose and resume context
//   - Run variables with the node's bindings applied
//   - A snapshot of the node outputs completed before this star started
//   - Emission of streaming events and shared per-run collaborators
//
// Each concurrently executing star receives its own copy (see ForNode); the
// runner alone publishes new node outputs once a star has finished.
type ExecutionContext struct {
	Context              context.Context
	RunID                string
	NodeID               string
	OriginalQuery        string
	ConstellationPurpose string
	AdditionalContext    string
	Variables            map[string]any
	NodeOutputs          map[string]*NodeOutput
	Limiter              *CallLimiter
	Artifacts            ArtifactStore
	Memory               MemoryBackend

	emit func(Event)

	*loggerAdapter
}

// NewExecutionContext constructs a run level context. emit may be nil.
func NewExecutionContext(ctx context.Context, runID string, emit func(Event), logger logging.Logger) *ExecutionContext {
	return &ExecutionContext{
		Context:       ctx,
		RunID:         runID,
		Variables:     map[string]any{},
		NodeOutputs:   map[string]*NodeOutput{},
		emit:          emit,
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (ec *ExecutionContext) Done() <-chan struct{} { return ec.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (ec *ExecutionContext) Err() error { return ec.Context.Err() }

// ForNode returns an isolated snapshot for a single node execution. Maps are
// copied so the star cannot observe later writes or race with siblings. Only
// completed outputs are included. Bindings map a variable name to either a
// "$other_variable" reference or a literal value.
func (ec *ExecutionContext) ForNode(nodeID string, bindings map[string]string) *ExecutionContext {
	cp := *ec
	cp.NodeID = nodeID
	cp.Variables = maps.Clone(ec.Variables)

	if cp.Variables == nil {
		cp.Variables = map[string]any{}
	}

	for name, ref := range bindings {
		if len(ref) > 1 && ref[0] == '$' {
			if v, ok := ec.Variables[ref[1:]]; ok {
				cp.Variables[name] = v
			}

			continue
		}

		cp.Variables[name] = ref
	}

	cp.NodeOutputs = make(map[string]*NodeOutput, len(ec.NodeOutputs))

	for id, o := range ec.NodeOutputs {
		if o != nil && o.Status == NodeStatusCompleted {
			cp.NodeOutputs[id] = o.Clone()
		}
	}

	return &cp
}

// WithContext returns a shallow copy bound to ctx.
func (ec *ExecutionContext) WithContext(ctx context.Context) *ExecutionContext {
	cp := *ec
	cp.Context = ctx

	return &cp
}

// Variable returns a variable value.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	v, ok := ec.Variables[name]
	return v, ok
}

// Upstream returns the completed star outputs visible to this node, oldest
// first (ties broken by node id). Start and end records are excluded.
func (ec *ExecutionContext) Upstream() []*NodeOutput {
	outs := make([]*NodeOutput, 0, len(ec.NodeOutputs))

	for id, o := range ec.NodeOutputs {
		if id == ec.NodeID || o == nil || o.StarID == "" || o.Status != NodeStatusCompleted || o.Output == nil {
			continue
		}

		outs = append(outs, o)
	}

	sort.Slice(outs, func(i, j int) bool {
		if !outs[i].CompletedAt.Equal(outs[j].CompletedAt) {
			return outs[i].CompletedAt.Before(outs[j].CompletedAt)
		}

		return outs[i].NodeID < outs[j].NodeID
	})

	return outs
}

// LatestPlan returns the plan of the most recently completed planning node.
func (ec *ExecutionContext) LatestPlan() (*Plan, bool) {
	up := ec.Upstream()
	for i := len(up) - 1; i >= 0; i-- {
		if p := up[i].Output.Plan; p != nil && len(p.Tasks) > 0 {
			return p, true
		}
	}

	return nil, false
}

// EmitEvent forwards ev to the run's sinks, filling in run and node ids.
func (ec *ExecutionContext) EmitEvent(ev Event) {
	if ec.emit == nil {
		return
	}

	if ev.RunID == "" {
		ev.RunID = ec.RunID
	}

	if ev.NodeID == "" {
		ev.NodeID = ec.NodeID
	}

	ec.emit(ev)
}
