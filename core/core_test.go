package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProbes_UnionIndependentOfOrder(t *testing.T) {
	d := &Directive{ID: "d", ProbeIDs: []string{"shared", "d_only"}}

	a := ResolveProbes(&Star{ID: "s", Kind: StarKindWorker, ProbeIDs: []string{"shared", "s_only"}}, d)
	b := ResolveProbes(&Star{ID: "s", Kind: StarKindWorker, ProbeIDs: []string{"s_only", "shared"}}, d)

	assert.Len(t, a, 3)
	assert.ElementsMatch(t, []string{"shared", "s_only", "d_only"}, a)
	assert.Equal(t, a, b)
}

func TestResolveProbes_ExecutionStarIgnoresOwnProbes(t *testing.T) {
	got := ResolveProbes(&Star{Kind: StarKindExecution, ProbeIDs: []string{"x"}}, &Directive{ProbeIDs: []string{"y"}})
	assert.Equal(t, []string{"y"}, got)

	assert.Empty(t, ResolveProbes(nil, nil))
}

func TestValidateStar(t *testing.T) {
	errs := ValidateStar(&Star{Kind: "bogus"})
	require.Len(t, errs, 2)

	var ve *ValidationError
	require.ErrorAs(t, errs[0], &ve)
	assert.Equal(t, "id", ve.Field)

	errs = ValidateStar(&Star{ID: "e", Kind: StarKindExecution, ProbeIDs: []string{"p"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "cannot carry probes")

	assert.Empty(t, ValidateStar(&Star{ID: "w", Kind: StarKindWorker}))
}

func TestStarConfigAccessors(t *testing.T) {
	s := &Star{Config: map[string]any{"n": float64(4), "flag": true, "name": "x"}}

	assert.Equal(t, 4, s.ConfigInt("n", 1))
	assert.Equal(t, 1, s.ConfigInt("missing", 1))
	assert.True(t, s.ConfigBool("flag", false))
	assert.Equal(t, "x", s.ConfigString("name", "d"))
	assert.Equal(t, "d", s.ConfigString("missing", "d"))
}

func TestRunTransitions(t *testing.T) {
	r := NewRun("r1", "c1")

	require.NoError(t, r.Transition(RunStatusAwaitingConfirmation))
	r.AwaitingNodeID = "n1"

	require.NoError(t, r.Transition(RunStatusRunning))
	assert.Empty(t, r.AwaitingNodeID)

	require.NoError(t, r.Transition(RunStatusCompleted))
	assert.False(t, r.CompletedAt.IsZero())

	err := r.Transition(RunStatusRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRunMarkFailed(t *testing.T) {
	r := NewRun("r1", "c1")
	require.NoError(t, r.MarkFailed("timed out after 1h"))
	assert.Equal(t, RunStatusFailed, r.Status)
	assert.Equal(t, "timed out after 1h", r.Error)

	require.ErrorIs(t, r.MarkFailed("again"), ErrInvalidTransition)
}

func TestRunCloneIsDeep(t *testing.T) {
	r := NewRun("r1", "c1")
	r.Variables["k"] = "v"
	r.NodeOutputs["n"] = &NodeOutput{NodeID: "n", ToolCalls: []ToolCallRecord{{ID: "c"}}}
	r.Confirm("n")

	cp := r.Clone()
	cp.Variables["k"] = "changed"
	cp.NodeOutputs["n"].Status = NodeStatusFailed
	cp.NodeOutputs["n"].ToolCalls[0].ID = "other"
	cp.Unconfirm("n")

	assert.Equal(t, "v", r.Variables["k"])
	assert.Equal(t, NodeStatus(""), r.NodeOutputs["n"].Status)
	assert.Equal(t, "c", r.NodeOutputs["n"].ToolCalls[0].ID)
	assert.True(t, r.IsConfirmed("n"))
}

func TestParallelExecutionError(t *testing.T) {
	e1 := errors.New("first")
	e2 := errors.New("second")
	pe := &ParallelExecutionError{Errors: []*ExecutionError{{NodeID: "a", Err: e1}, {NodeID: "b", Err: e2}}}

	assert.ErrorIs(t, pe, e1)
	assert.ErrorIs(t, pe, e2)
	assert.Contains(t, pe.Error(), "node a failed: first")
	assert.Contains(t, pe.Error(), "node b failed: second")
	assert.Equal(t, []string{"a", "b"}, pe.NodeIDs())
}

func TestRunNotFoundErrorIsNotFound(t *testing.T) {
	var err error = &RunNotFoundError{RunID: "x"}
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionContext_ForNodeSnapshot(t *testing.T) {
	ec := NewExecutionContext(context.Background(), "r1", nil, nil)
	ec.Variables["topic"] = "go"
	ec.NodeOutputs["done"] = &NodeOutput{NodeID: "done", Status: NodeStatusCompleted, Output: &StarResult{Text: "ok"}}
	ec.NodeOutputs["busy"] = &NodeOutput{NodeID: "busy", Status: NodeStatusRunning}

	snap := ec.ForNode("n1", map[string]string{"subject": "$topic", "tone": "formal"})

	assert.Equal(t, "go", snap.Variables["subject"])
	assert.Equal(t, "formal", snap.Variables["tone"])
	assert.Contains(t, snap.NodeOutputs, "done")
	assert.NotContains(t, snap.NodeOutputs, "busy")

	snap.Variables["topic"] = "rust"
	assert.Equal(t, "go", ec.Variables["topic"])
}

func TestExecutionContext_UpstreamAndLatestPlan(t *testing.T) {
	now := time.Now()
	ec := NewExecutionContext(context.Background(), "r1", nil, nil)
	ec.NodeOutputs["b"] = &NodeOutput{NodeID: "b", StarID: "planner", Status: NodeStatusCompleted, CompletedAt: now, Output: &StarResult{Plan: &Plan{Tasks: []PlanTask{{ID: "t1"}}}}}
	ec.NodeOutputs["a"] = &NodeOutput{NodeID: "a", StarID: "worker", Status: NodeStatusCompleted, CompletedAt: now, Output: &StarResult{Text: "a"}}

	ec.NodeOutputs["start"] = &NodeOutput{NodeID: "start", Status: NodeStatusCompleted, Output: &StarResult{Text: "q"}}

	up := ec.ForNode("x", nil).Upstream()
	require.Len(t, up, 2)
	assert.Equal(t, "a", up[0].NodeID)

	plan, ok := ec.ForNode("x", nil).LatestPlan()
	require.True(t, ok)
	assert.Equal(t, "t1", plan.Tasks[0].ID)
}

func TestExecutionContext_EmitFillsIDs(t *testing.T) {
	var got []Event

	ec := NewExecutionContext(context.Background(), "r1", func(ev Event) { got = append(got, ev) }, nil)
	ec.ForNode("n1", nil).EmitEvent(NewEvent(EventToken, ""))

	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, "n1", got[0].NodeID)
}

func TestCallLimiter(t *testing.T) {
	l := NewCallLimiter(2)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
	require.Error(t, l.Acquire())
	assert.Equal(t, 2, l.Count())
	assert.Equal(t, 0, l.Remaining())

	var nilLimiter *CallLimiter
	assert.NoError(t, nilLimiter.Acquire())
}

func TestRunFilterMatch(t *testing.T) {
	r := NewRun("r", "c")
	r.UpdatedAt = time.Now().Add(-time.Hour)

	assert.True(t, RunFilter{Status: RunStatusRunning, UpdatedBefore: time.Now()}.Match(r))
	assert.False(t, RunFilter{Status: RunStatusFailed}.Match(r))
	assert.False(t, RunFilter{ConstellationID: "other"}.Match(r))
}

func TestTemplateVariableValidate(t *testing.T) {
	assert.NoError(t, NewTemplateVariable("x").Validate())
	assert.Error(t, TemplateVariable{Name: "x", UIHint: "slider"}.Validate())
	assert.Error(t, TemplateVariable{}.Validate())
}
