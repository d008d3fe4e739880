package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
)

type countingObserver struct {
	mu    sync.Mutex
	count map[core.EventType]int
}

func (o *countingObserver) ObserveSinkError(t core.EventType) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == nil {
		o.count = map[core.EventType]int{}
	}

	o.count[t]++
}

func TestQueueSinkDropsWhenFull(t *testing.T) {
	q := NewQueueSink(2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Handle(ctx, core.NewEvent(core.EventProgress, "r")))
	}

	assert.Equal(t, int64(3), q.Dropped())

	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Handle(ctx, core.NewEvent(core.EventProgress, "r")), ErrSinkClosed)

	var n int
	for range q.Events() {
		n++
	}

	assert.Equal(t, 2, n)
}

func TestCompositeSinkDeliversToAll(t *testing.T) {
	rec1, rec2 := NewRecordingSink(), NewRecordingSink()
	boom := errors.New("boom")
	failing := NewCallbackSink(func(context.Context, core.Event) error { return boom })

	c := NewCompositeSink(rec1, nil, failing, rec2)

	err := c.Handle(context.Background(), core.NewEvent(core.EventRunStarted, "r"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec1.Events(), 1)
	assert.Len(t, rec2.Events(), 1)
}

func TestBufferedSinkFlushesOnSizeAndTerminal(t *testing.T) {
	rec := NewRecordingSink()
	b := NewBufferedSink(rec, 3)
	ctx := context.Background()

	require.NoError(t, b.Handle(ctx, core.NewEvent(core.EventRunStarted, "r")))
	require.NoError(t, b.Handle(ctx, core.NewEvent(core.EventNodeStarted, "r")))
	assert.Empty(t, rec.Events())
	assert.Equal(t, 2, b.Pending())

	require.NoError(t, b.Handle(ctx, core.NewEvent(core.EventNodeCompleted, "r")))
	assert.Len(t, rec.Events(), 3)

	require.NoError(t, b.Handle(ctx, core.NewEvent(core.EventRunCompleted, "r")))
	assert.Equal(t, []core.EventType{
		core.EventRunStarted, core.EventNodeStarted, core.EventNodeCompleted, core.EventRunCompleted,
	}, rec.Types())
	assert.Zero(t, b.Pending())
}

func TestEmitterSwallowsErrorsAndPanics(t *testing.T) {
	obs := &countingObserver{}
	calls := 0

	sink := NewCallbackSink(func(_ context.Context, ev core.Event) error {
		calls++

		switch ev.Type {
		case core.EventToken:
			panic("sink exploded")
		case core.EventProgress:
			return errors.New("sink failed")
		}

		return nil
	})

	e := NewEmitter(sink, func(o *EmitterOptions) { o.Observer = obs })
	ctx := context.Background()

	assert.NotPanics(t, func() {
		e.Emit(ctx, core.Event{Type: core.EventToken, RunID: "r"})
		e.Emit(ctx, core.Event{Type: core.EventProgress, RunID: "r"})
		e.Emit(ctx, core.Event{Type: core.EventRunCompleted, RunID: "r"})
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, obs.count[core.EventToken])
	assert.Equal(t, 1, obs.count[core.EventProgress])
}

func TestEmitterFillsIDAndTimestamp(t *testing.T) {
	rec := NewRecordingSink()
	emit := NewEmitter(rec).Func(context.Background())

	emit(core.Event{Type: core.EventRunStarted, RunID: "r"})

	ev := rec.Events()[0]
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "UTC", ev.Timestamp.Location().String())
}

func TestNilSinkEmitterDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		NewEmitter(nil).Emit(context.Background(), core.NewEvent(core.EventRunStarted, "r"))
	})
}
