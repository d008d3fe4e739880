package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/model"
)

var _ core.MemoryBackend = (*InMemoryStore)(nil)

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryStore()

	_, err := m.Store(ctx, "s1", "The deploy failed because the disk was full", nil)
	require.NoError(t, err)
	_, err = m.Store(ctx, "s1", "Lunch is at noon", map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = m.Store(ctx, "s2", "disk space is plentiful here", nil)
	require.NoError(t, err)

	hits, err := m.Search(ctx, "s1", "disk full", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "disk was full")
	assert.Equal(t, 1.0, hits[0].Score)

	all, err := m.Search(ctx, "s1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Lunch is at noon", all[0].Content)
	assert.Equal(t, "v", all[0].Metadata["k"])
}

func TestSemanticSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryStore(func(o *Options) { o.Embedder = model.NewMockEmbedder() })

	for _, text := range []string{
		"go channels and goroutines",
		"baking sourdough bread",
		"goroutines leak when channels block",
	} {
		_, err := m.Store(ctx, "s", text, nil)
		require.NoError(t, err)
	}

	hits, err := m.Search(ctx, "s", "goroutines channels", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	for _, h := range hits {
		assert.NotContains(t, h.Content, "sourdough")
	}

	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestDeleteScope(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryStore()

	_, err := m.Store(ctx, "s", "hello", nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "s"))

	hits, err := m.Search(ctx, "s", "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 2}))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewInMemoryStore().Store(ctx, "s", "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
