package core

import (
	"testing"
	"time"
)

func TestEvent_Constructors(t *testing.T) {
	e := NewEvent(EventRunStarted, "run-1")
	if e.Type != EventRunStarted || e.RunID != "run-1" || e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("NewEvent did not initialize fields correctly: %+v", e)
	}

	if e.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", e.Timestamp.Location())
	}

	n := NewNodeEvent(EventNodeStarted, "run-1", "n1")
	if n.NodeID != "n1" {
		t.Fatalf("NewNodeEvent node id = %q", n.NodeID)
	}

	tc := NewToolEvent(EventToolCall, "run-1", "n1", ToolCallRecord{ID: "c1", Probe: "search"})
	if tc.ToolCall == nil || tc.ToolCall.Probe != "search" {
		t.Fatalf("NewToolEvent malformed: %+v", tc)
	}

	p := NewProgressEvent("run-1", "n1", "half way", map[string]any{"pct": 50})
	if p.Type != EventProgress || p.Text != "half way" || p.Data["pct"] != 50 {
		t.Fatalf("NewProgressEvent malformed: %+v", p)
	}
}

func TestEventType_IsTerminal(t *testing.T) {
	for _, et := range []EventType{EventRunCompleted, EventRunFailed, EventRunCancelled, EventRunPaused} {
		if !et.IsTerminal() {
			t.Fatalf("%s should be terminal", et)
		}
	}

	for _, et := range []EventType{EventRunStarted, EventNodeCompleted, EventToken} {
		if et.IsTerminal() {
			t.Fatalf("%s should not be terminal", et)
		}
	}
}
