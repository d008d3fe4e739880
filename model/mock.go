package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// MockRule maps a substring of the last user message to a canned reply.
type MockRule struct {
	Contains string
	Response string
}

// MockProvider is a lightweight in-memory Provider useful for tests and
// examples. Replies are resolved in this order: handler, queued responses,
// substring rules, then an echo of the last user message. It is safe for
// concurrent use.
type MockProvider struct {
	info Info

	mu      sync.Mutex
	handler func(ctx context.Context, req Request) (*Response, error)
	queue   []*Response
	rules   []MockRule
	err     error
	calls   []Request
}

// NewMockProvider constructs a MockProvider with tool support enabled.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info: Info{Name: name, Provider: "mock", SupportsTools: true},
	}
}

// AddResponse registers a canned completion returned whenever the last user
// message contains substr. Earlier rules win.
func (m *MockProvider) AddResponse(substr, response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append(m.rules, MockRule{Contains: substr, Response: response})

	return m
}

// Enqueue appends responses returned (in order) by the next invocations.
func (m *MockProvider) Enqueue(responses ...*Response) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, responses...)

	return m
}

// SetHandler installs a function computing every reply.
func (m *MockProvider) SetHandler(fn func(ctx context.Context, req Request) (*Response, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handler = fn

	return m
}

// FailWith makes every invocation return err.
func (m *MockProvider) FailWith(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err

	return m
}

// Calls returns a copy of every request received so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.calls...)
}

// CallCount returns the number of invocations.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.calls)
}

// Invoke implements Provider.
func (m *MockProvider) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	handler := m.handler
	failure := m.err

	var queued *Response
	if handler == nil && len(m.queue) > 0 {
		queued = m.queue[0]
		m.queue = m.queue[1:]
	}

	rules := m.rules
	m.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	if handler != nil {
		return handler(ctx, req)
	}

	if queued != nil {
		cp := *queued
		if cp.FinishReason == "" {
			cp.FinishReason = "stop"
		}

		return &cp, nil
	}

	input := req.LastUserMessage()
	for _, r := range rules {
		if strings.Contains(input, r.Contains) {
			return &Response{Content: r.Response, FinishReason: "stop"}, nil
		}
	}

	return &Response{Content: fmt.Sprintf("Mock response to: %s", input), FinishReason: "stop"}, nil
}

// Stream implements StreamingProvider by emitting the reply word by word.
func (m *MockProvider) Stream(ctx context.Context, req Request, onToken func(string)) (*Response, error) {
	resp, err := m.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if onToken != nil {
		for _, tok := range strings.SplitAfter(resp.Content, " ") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if tok != "" {
				onToken(tok)
			}
		}
	}

	return resp, nil
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }

// MockEmbedder produces deterministic bag-of-words vectors: every lower cased
// word is hashed into one of Dim buckets and the vector is L2 normalized.
// Texts sharing words therefore have a positive cosine similarity.
type MockEmbedder struct {
	Dim int
}

// NewMockEmbedder returns an embedder with 64 dimensions.
func NewMockEmbedder() *MockEmbedder { return &MockEmbedder{Dim: 64} }

// Embed implements Embedder.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dim := e.Dim
	if dim <= 0 {
		dim = 64
	}

	vec := make([]float64, dim)

	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" {
			continue
		}

		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}

	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}

// EmbedBatch implements Embedder.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}

		out[i] = v
	}

	return out, nil
}
