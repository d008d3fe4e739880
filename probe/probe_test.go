package probe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
)

type sumArgs struct {
	A float64 `json:"a" description:"First addend"`
	B float64 `json:"b" description:"Second addend"`
}

func sum(_ *core.ProbeContext, args map[string]any) (any, error) {
	return args["a"].(float64) + args["b"].(float64), nil
}

func TestProbeCall(t *testing.T) {
	p := NewFromStruct("sum", "Add two numbers", sumArgs{}, sum)
	pc := core.NewProbeContext(context.Background(), nil, "call-1")

	res, err := p.Call(pc, map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res)

	_, err = p.Call(pc, map[string]any{"a": 1.0})

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeValidation, perr.Code)
	assert.Equal(t, "sum", perr.Probe)
}

func TestProbeCallErrors(t *testing.T) {
	pc := core.NewProbeContext(context.Background(), nil, "c")

	plain := New("plain", "", nil, func(*core.ProbeContext, map[string]any) (any, error) {
		return nil, errors.New("disk full")
	})
	_, err := plain.Call(pc, nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeExecution, perr.Code)
	assert.Equal(t, "disk full", perr.Message)

	custom := New("custom", "", nil, func(*core.ProbeContext, map[string]any) (any, error) {
		return nil, NewError("custom", "quota", "RATE_LIMITED")
	})
	_, err = custom.Call(pc, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "RATE_LIMITED", perr.Code)

	panicky := New("panicky", "", nil, func(*core.ProbeContext, map[string]any) (any, error) {
		panic("kaboom")
	})
	_, err = panicky.Call(pc, nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeExecution, perr.Code)
	assert.Contains(t, perr.Message, "kaboom")
}

func TestRegistryDuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry()

	first := New("search", "first", nil, sum)
	second := New("search", "second", nil, sum)

	require.NoError(t, r.Register(first))
	err := r.Register(second)

	var dup *core.DuplicateProbeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "search", dup.Name)
	assert.Equal(t, "probe_test.go", filepath.Base(dup.Original.File))
	assert.Equal(t, "probe_test.go", filepath.Base(dup.Duplicate.File))
	assert.NotEqual(t, dup.Original.Line, dup.Duplicate.Line)
	assert.Contains(t, err.Error(), dup.Original.String())
	assert.Contains(t, err.Error(), dup.Duplicate.String())

	got, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "first", got.Description)

	loc, ok := r.Location("search")
	require.True(t, ok)
	assert.Equal(t, dup.Original, loc)
}

func TestRegistryMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(New("a", "", nil, sum))

	assert.Panics(t, func() { r.MustRegister(New("a", "", nil, sum)) })
}

func TestRegistryRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	var verr *core.ValidationError
	assert.ErrorAs(t, r.Register(nil), &verr)
	assert.ErrorAs(t, r.Register(New(" ", "", nil, sum)), &verr)
}

func TestRegistryLookups(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		NewFromStruct("sum", "Add", sumArgs{}, sum),
		New("echo", "Echo", nil, func(_ *core.ProbeContext, args map[string]any) (any, error) { return args, nil }),
	)

	assert.Equal(t, []string{"echo", "sum"}, r.Names())
	assert.Len(t, r.List(), 2)
	assert.True(t, r.Has("sum"))

	p, _ := r.Get("sum")
	assert.Equal(t, "sum", p.FunctionName)
	assert.Contains(t, p.ModulePath, "probe")

	defs, missing := r.Definitions([]string{"sum", "nope"})
	require.Len(t, defs, 1)
	assert.Equal(t, "sum", defs[0].Function.Name)
	assert.Equal(t, []string{"nope"}, missing)
}

func TestRegistryCall(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewFromStruct("sum", "Add", sumArgs{}, sum))

	ec := core.NewExecutionContext(context.Background(), "run-1", nil, nil).ForNode("n1", nil)

	res, err := r.Call(context.Background(), ec, "sum", "c1", map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, res)

	_, err = r.Call(context.Background(), ec, "missing", "c2", nil)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeNotFound, perr.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Call(ctx, ec, "sum", "c3", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
