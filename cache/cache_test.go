package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2, 0)

	c.Add("a", 1)
	c.Add("b", 2)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Add("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUExpires(t *testing.T) {
	c := New[string](10, 20*time.Millisecond)
	c.Add("k", "v")

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestGetOrLoadSharesConcurrentLoads(t *testing.T) {
	c := New[string](10, 0)

	var (
		loads atomic.Int32
		wg    sync.WaitGroup
		gate  = make(chan struct{})
	)

	load := func(context.Context) (string, error) {
		loads.Add(1)
		<-gate

		return "loaded", nil
	}

	results := make([]string, 5)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			v, err := c.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)

			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(5))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))

	for _, v := range results {
		assert.Equal(t, "loaded", v)
	}

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, error) {
		return "", errors.New("should not load")
	})
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[int](10, 0)

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
		return 0, errors.New("backend down")
	})
	require.Error(t, err)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := New[int](0, 0)
	c.Add("k", 1)
	c.Remove("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
