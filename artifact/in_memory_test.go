package artifact

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
)

var _ core.ArtifactStore = (*InMemoryStore)(nil)

func TestInMemoryStore_SaveGetIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	data := []byte("hello")

	require.NoError(t, store.Save(ctx, "run-1", "a1", data))

	data[0] = 'H'

	out, err := store.Get(ctx, "run-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out[0] = 'x'

	out2, err := store.Get(ctx, "run-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out2))
}

func TestInMemoryStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	require.NoError(t, store.Save(ctx, "s", "b", []byte("2")))
	require.NoError(t, store.Save(ctx, "s", "a", []byte("1")))

	ids, err := store.List(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "s", "a"))
	assert.ErrorIs(t, store.Delete(ctx, "s", "a"), core.ErrNotFound)

	_, err = store.Get(ctx, "other", "b")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err = store.List(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInMemoryStore_Concurrency(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			id := fmt.Sprintf("a%d", i)
			assert.NoError(t, store.Save(ctx, "s", id, []byte(id)))

			_, err := store.Get(ctx, "s", id)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	ids, err := store.List(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, ids, 50)
}
