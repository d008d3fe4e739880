package core

import (
	"time"
)

// EventType identifies the kind of a streamed Event.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunResumed    EventType = "run.resumed"
	EventRunPaused     EventType = "run.paused"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventRunCancelled  EventType = "run.cancelled"
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventLoopIteration EventType = "loop.iteration"
	EventToolCall      EventType = "tool.call"
	EventToolResult    EventType = "tool.result"
	EventToken         EventType = "token"
	EventProgress      EventType = "progress"
)

// IsTerminal reports whether the event ends the stream of a run invocation
// (completion, failure, cancellation or a pause).
func (t EventType) IsTerminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunPaused:
		return true
	default:
		return false
	}
}

// Event is an immutable progress record streamed to sinks while a run is in
// flight. Every event carries the run id and a UTC timestamp; the remaining
// fields are populated depending on Type:
//   - node.*: NodeID, StarID, Output (completed) or Error (failed)
//   - tool.call / tool.result: NodeID, ToolCall
//   - token: NodeID, Text
//   - run.paused: NodeID, Text (the confirmation prompt)
//   - run.completed: Text (final output); run.failed: Error
//   - loop.iteration: NodeID (eval node), Data["iteration"], Data["target"]
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	StarID    string          `json:"star_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Text      string          `json:"text,omitempty"`
	Error     string          `json:"error,omitempty"`
	Output    *StarResult     `json:"output,omitempty"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewEvent creates a bare event of the given type bound to a run.
func NewEvent(t EventType, runID string) Event {
	return Event{
		ID:        NewID(),
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// NewNodeEvent creates an event scoped to a node.
func NewNodeEvent(t EventType, runID, nodeID string) Event {
	ev := NewEvent(t, runID)
	ev.NodeID = nodeID

	return ev
}

// NewToolEvent creates a tool.call or tool.result event.
func NewToolEvent(t EventType, runID, nodeID string, rec ToolCallRecord) Event {
	ev := NewNodeEvent(t, runID, nodeID)
	ev.ToolCall = &rec

	return ev
}

// NewProgressEvent creates a progress event with a message and optional data.
func NewProgressEvent(runID, nodeID, msg string, data map[string]any) Event {
	ev := NewNodeEvent(EventProgress, runID, nodeID)
	ev.Text = msg
	ev.Data = data

	return ev
}
