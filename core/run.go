package core

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning              RunStatus = "running"
	RunStatusAwaitingConfirmation RunStatus = "awaiting_confirmation"
	RunStatusCompleted            RunStatus = "completed"
	RunStatusFailed               RunStatus = "failed"
	RunStatusCancelled            RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
//
//	running               -> awaiting_confirmation | completed | failed | cancelled
//	awaiting_confirmation -> running | failed | cancelled
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusRunning:
		return next == RunStatusAwaitingConfirmation || next.IsTerminal()
	case RunStatusAwaitingConfirmation:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusCancelled
	default:
		return false
	}
}

// NodeStatus is the execution state of a single node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// ToolCallRecord is one entry of a node's ordered tool call log.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Probe     string         `json:"probe"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// NodeOutput is the per-node execution record. It is created on first
// dispatch and updated in place on every later attempt.
type NodeOutput struct {
	NodeID      string           `json:"node_id"`
	StarID      string           `json:"star_id,omitempty"`
	Status      NodeStatus       `json:"status"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Output      *StarResult      `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
	Attempts    int              `json:"attempts"`
}

// Text returns the textual output of the node, if any.
func (o *NodeOutput) Text() string {
	if o == nil || o.Output == nil {
		return ""
	}

	return o.Output.Text
}

// Clone returns a copy whose slices can be mutated independently. The
// StarResult is shared since it is never mutated after publication.
func (o *NodeOutput) Clone() *NodeOutput {
	if o == nil {
		return nil
	}

	cp := *o
	cp.ToolCalls = slices.Clone(o.ToolCalls)

	return &cp
}

// Run is the mutable execution record of one constellation execution.
type Run struct {
	ID                string                 `json:"id"`
	ConstellationID   string                 `json:"constellation_id"`
	Status            RunStatus              `json:"status"`
	OriginalQuery     string                 `json:"original_query,omitempty"`
	Purpose           string                 `json:"constellation_purpose,omitempty"`
	Variables         map[string]any         `json:"variables,omitempty"`
	NodeOutputs       map[string]*NodeOutput `json:"node_outputs"`
	FinalOutput       string                 `json:"final_output,omitempty"`
	Error             string                 `json:"error,omitempty"`
	AwaitingNodeID    string                 `json:"awaiting_node_id,omitempty"`
	AwaitingPrompt    string                 `json:"awaiting_prompt,omitempty"`
	AdditionalContext string                 `json:"additional_context,omitempty"`
	// LoopCounts tracks loop traversals per eval node id.
	LoopCounts map[string]int `json:"loop_counts,omitempty"`
	// ConfirmedNodes lists confirmation nodes approved through Resume.
	ConfirmedNodes []string  `json:"confirmed_nodes,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// NewRun returns a running Run with initialised maps.
func NewRun(id, constellationID string) *Run {
	now := time.Now().UTC()

	return &Run{
		ID:              id,
		ConstellationID: constellationID,
		Status:          RunStatusRunning,
		Variables:       map[string]any{},
		NodeOutputs:     map[string]*NodeOutput{},
		LoopCounts:      map[string]int{},
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Transition moves the run to next, stamping UpdatedAt (and CompletedAt on
// terminal states). Disallowed transitions return ErrInvalidTransition.
func (r *Run) Transition(next RunStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, r.ID, r.Status, next)
	}

	now := time.Now().UTC()
	r.Status = next
	r.UpdatedAt = now

	if next.IsTerminal() {
		r.CompletedAt = now
	}

	if next != RunStatusAwaitingConfirmation {
		r.AwaitingNodeID = ""
		r.AwaitingPrompt = ""
	}

	return nil
}

// MarkFailed moves a non-terminal run to failed with a human readable reason.
// External sweepers use it to fail runs that outlived a staleness window.
func (r *Run) MarkFailed(reason string) error {
	if err := r.Transition(RunStatusFailed); err != nil {
		return err
	}

	r.Error = reason

	return nil
}

// IsConfirmed reports whether nodeID was approved through Resume.
func (r *Run) IsConfirmed(nodeID string) bool {
	return slices.Contains(r.ConfirmedNodes, nodeID)
}

// Confirm records nodeID as approved.
func (r *Run) Confirm(nodeID string) {
	if !r.IsConfirmed(nodeID) {
		r.ConfirmedNodes = append(r.ConfirmedNodes, nodeID)
	}
}

// Unconfirm clears a previous approval, used when a loop re-executes the node.
func (r *Run) Unconfirm(nodeID string) {
	r.ConfirmedNodes = slices.DeleteFunc(r.ConfirmedNodes, func(id string) bool { return id == nodeID })
}

// Clone returns a deep copy suitable for handing to callers or stores.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	cp := *r
	cp.Variables = cloneMap(r.Variables)
	cp.LoopCounts = maps.Clone(r.LoopCounts)
	cp.ConfirmedNodes = slices.Clone(r.ConfirmedNodes)
	cp.NodeOutputs = make(map[string]*NodeOutput, len(r.NodeOutputs))

	for id, o := range r.NodeOutputs {
		cp.NodeOutputs[id] = o.Clone()
	}

	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	return maps.Clone(m)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}

	return slices.Clone(s)
}
