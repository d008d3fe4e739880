package testutil

import (
	"time"

	"github.com/hupe1980/starmesh/core"
)

// RunBuilder provides a fluent helper for constructing runs in tests.
// Example:
//
//	r := NewRunBuilder("run-1").Status(core.RunStatusRunning).Completed("a", "hello").Build()
type RunBuilder struct {
	r *core.Run
}

// NewRunBuilder creates a running run bound to constellation "c1".
func NewRunBuilder(id string) *RunBuilder {
	return &RunBuilder{r: core.NewRun(id, "c1")}
}

// Constellation sets the constellation id (chainable).
func (b *RunBuilder) Constellation(id string) *RunBuilder { b.r.ConstellationID = id; return b }

// Status sets the status without transition checks (chainable).
func (b *RunBuilder) Status(s core.RunStatus) *RunBuilder { b.r.Status = s; return b }

// Query sets the original query (chainable).
func (b *RunBuilder) Query(q string) *RunBuilder { b.r.OriginalQuery = q; return b }

// Variable sets a run variable (chainable).
func (b *RunBuilder) Variable(k string, v any) *RunBuilder { b.r.Variables[k] = v; return b }

// UpdatedAt overrides the last update time (chainable).
func (b *RunBuilder) UpdatedAt(t time.Time) *RunBuilder { b.r.UpdatedAt = t; return b }

// Completed adds a completed node output with text (chainable).
func (b *RunBuilder) Completed(nodeID, text string) *RunBuilder {
	now := time.Now().UTC()
	b.r.NodeOutputs[nodeID] = &core.NodeOutput{
		NodeID:      nodeID,
		StarID:      "star-" + nodeID,
		Status:      core.NodeStatusCompleted,
		StartedAt:   now,
		CompletedAt: now,
		Output:      &core.StarResult{Kind: core.StarKindWorker, Status: core.ResultCompleted, Text: text},
		Attempts:    1,
	}

	return b
}

// Awaiting marks the run as awaiting confirmation of nodeID (chainable).
func (b *RunBuilder) Awaiting(nodeID, prompt string) *RunBuilder {
	b.r.Status = core.RunStatusAwaitingConfirmation
	b.r.AwaitingNodeID = nodeID
	b.r.AwaitingPrompt = prompt

	return b
}

// Build returns a deep copy of the run built so far.
func (b *RunBuilder) Build() *core.Run { return b.r.Clone() }
