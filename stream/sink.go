package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/starmesh/core"
)

// ErrSinkClosed is returned by sinks that no longer accept events.
var ErrSinkClosed = errors.New("sink closed")

// Sink consumes run events. Implementations must be safe for concurrent use;
// events of concurrently executing nodes may arrive interleaved.
type Sink interface {
	Handle(ctx context.Context, ev core.Event) error
}

// NoopSink discards every event.
type NoopSink struct{}

// Handle implements Sink.
func (NoopSink) Handle(context.Context, core.Event) error { return nil }

// CallbackSink forwards each event to a function.
type CallbackSink struct {
	fn func(ctx context.Context, ev core.Event) error
}

// NewCallbackSink creates a sink calling fn for every event.
func NewCallbackSink(fn func(ctx context.Context, ev core.Event) error) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Handle implements Sink.
func (s *CallbackSink) Handle(ctx context.Context, ev core.Event) error {
	if s.fn == nil {
		return nil
	}

	return s.fn(ctx, ev)
}

// QueueSink buffers events in a channel. Handle never blocks: when the
// buffer is full the event is dropped and counted.
type QueueSink struct {
	mu      sync.RWMutex
	ch      chan core.Event
	closed  bool
	dropped atomic.Int64
}

// NewQueueSink creates a queue holding up to size events (default 256).
func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = 256
	}

	return &QueueSink{ch: make(chan core.Event, size)}
}

// Handle implements Sink.
func (s *QueueSink) Handle(_ context.Context, ev core.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- ev:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (s *QueueSink) Events() <-chan core.Event { return s.ch }

// Dropped returns the number of events discarded because the queue was full.
func (s *QueueSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and closes the channel. It is idempotent.
func (s *QueueSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

// NewRecordingSink creates an empty recorder.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// Handle implements Sink.
func (s *RecordingSink) Handle(_ context.Context, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)

	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (s *RecordingSink) Events() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]core.Event(nil), s.events...)
}

// Types returns the recorded event types in arrival order.
func (s *RecordingSink) Types() []core.EventType {
	evs := s.Events()
	out := make([]core.EventType, len(evs))

	for i, ev := range evs {
		out[i] = ev.Type
	}

	return out
}

// Filter returns the recorded events of type t.
func (s *RecordingSink) Filter(t core.EventType) []core.Event {
	var out []core.Event

	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}

	return out
}

// CompositeSink forwards every event to all of its sinks. A failing sink
// does not stop delivery to the others; all errors are joined.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink creates a composite; nil sinks are skipped.
func NewCompositeSink(sinks ...Sink) *CompositeSink {
	c := &CompositeSink{}

	for _, s := range sinks {
		if s != nil {
			c.sinks = append(c.sinks, s)
		}
	}

	return c
}

// Handle implements Sink.
func (c *CompositeSink) Handle(ctx context.Context, ev core.Event) error {
	var errs []error

	for _, s := range c.sinks {
		if err := s.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// BufferedSink collects events and forwards them to the next sink in
// batches of size, or immediately when a terminal run event arrives.
type BufferedSink struct {
	mu   sync.Mutex
	next Sink
	size int
	buf  []core.Event
}

// NewBufferedSink creates a buffered sink (size defaults to 32).
func NewBufferedSink(next Sink, size int) *BufferedSink {
	if size <= 0 {
		size = 32
	}

	return &BufferedSink{next: next, size: size}
}

// Handle implements Sink.
func (s *BufferedSink) Handle(ctx context.Context, ev core.Event) error {
	s.mu.Lock()
	s.buf = append(s.buf, ev)
	flush := len(s.buf) >= s.size || ev.Type.IsTerminal()
	s.mu.Unlock()

	if !flush {
		return nil
	}

	return s.Flush(ctx)
}

// Pending returns the number of events not yet forwarded.
func (s *BufferedSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buf)
}

// Flush forwards every buffered event in arrival order.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	var errs []error

	for _, ev := range batch {
		if err := s.next.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
