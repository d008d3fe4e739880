package model

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHelpers(t *testing.T) {
	req := Request{Messages: []Message{
		SystemMessage("a"),
		UserMessage("first"),
		SystemMessage("b"),
		AssistantMessage("ok"),
		UserMessage("second"),
	}}

	assert.Equal(t, "a\n\nb", req.System())
	assert.Equal(t, "second", req.LastUserMessage())
	assert.Equal(t, "", Request{}.LastUserMessage())
}

func TestToolCallDecodeArguments(t *testing.T) {
	tc := ToolCall{Function: ToolCallFunction{Name: "add", Arguments: json.RawMessage(`{"a":1}`)}}

	args, err := tc.DecodeArguments()
	require.NoError(t, err)
	assert.Equal(t, float64(1), args["a"])

	empty, err := ToolCall{}.DecodeArguments()
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ToolCall{Function: ToolCallFunction{Name: "bad", Arguments: json.RawMessage(`{`)}}.DecodeArguments()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestMockProviderResolutionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMockProvider("mock-1").AddResponse("weather", "sunny")

	resp, err := m.Invoke(ctx, Request{Messages: []Message{UserMessage("what is the weather")}})
	require.NoError(t, err)
	assert.Equal(t, "sunny", resp.Content)

	m.Enqueue(&Response{Content: "queued"})
	resp, err = m.Invoke(ctx, Request{Messages: []Message{UserMessage("weather again")}})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)

	resp, err = m.Invoke(ctx, Request{Messages: []Message{UserMessage("hello")}})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hello", resp.Content)

	m.SetHandler(func(_ context.Context, req Request) (*Response, error) {
		return &Response{Content: strings.ToUpper(req.LastUserMessage())}, nil
	})
	resp, err = m.Invoke(ctx, Request{Messages: []Message{UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "HI", resp.Content)

	assert.Equal(t, 4, m.CallCount())
	assert.Len(t, m.Calls(), 4)
}

func TestMockProviderFailureAndCancellation(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockProvider("mock").FailWith(boom)

	_, err := m.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewMockProvider("mock").Invoke(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockProviderStream(t *testing.T) {
	m := NewMockProvider("mock").AddResponse("x", "one two three")

	var tokens []string
	resp, err := m.Stream(context.Background(), Request{Messages: []Message{UserMessage("x")}}, func(tok string) {
		tokens = append(tokens, tok)
	})
	require.NoError(t, err)
	assert.Equal(t, "one two three", resp.Content)
	assert.Equal(t, []string{"one ", "two ", "three"}, tokens)
	assert.Equal(t, resp.Content, strings.Join(tokens, ""))
}

func TestMockEmbedder(t *testing.T) {
	e := NewMockEmbedder()
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"golang channels", "Golang generics", "banana bread"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.Embed(ctx, "golang channels")
	require.NoError(t, err)
	assert.Equal(t, vecs[0], single)

	var norm float64
	for _, v := range vecs[0] {
		norm += v * v
	}

	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
	assert.Greater(t, dot(vecs[0], vecs[1]), 0.0)
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}

	return s
}
