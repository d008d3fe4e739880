package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
)

// ErrorObserver is notified of every swallowed sink failure, typically the
// metrics collector.
type ErrorObserver interface {
	ObserveSinkError(eventType core.EventType)
}

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	Logger   logging.Logger
	Observer ErrorObserver
}

// Emitter delivers events to a sink without ever failing the caller.
type Emitter struct {
	sink     Sink
	logger   logging.Logger
	observer ErrorObserver
}

// NewEmitter wraps sink; a nil sink discards events.
func NewEmitter(sink Sink, optFns ...func(o *EmitterOptions)) *Emitter {
	opts := EmitterOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if sink == nil {
		sink = NoopSink{}
	}

	return &Emitter{sink: sink, logger: logging.OrNoOp(opts.Logger), observer: opts.Observer}
}

// Emit fills missing ids and timestamps and hands ev to the sink. Errors
// and panics raised by the sink are logged and counted.
func (e *Emitter) Emit(ctx context.Context, ev core.Event) {
	if ev.ID == "" {
		ev.ID = core.NewID()
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	defer func() {
		if r := recover(); r != nil {
			e.fail(ev, fmt.Errorf("sink panic: %v", r))
		}
	}()

	if err := e.sink.Handle(ctx, ev); err != nil {
		e.fail(ev, err)
	}
}

func (e *Emitter) fail(ev core.Event, err error) {
	e.logger.Warn("stream.sink.error", "event", string(ev.Type), "run_id", ev.RunID, "error", err.Error())

	if e.observer != nil {
		e.observer.ObserveSinkError(ev.Type)
	}
}

// Func returns an emit function bound to ctx, suitable for
// core.NewExecutionContext.
func (e *Emitter) Func(ctx context.Context) func(core.Event) {
	return func(ev core.Event) { e.Emit(ctx, ev) }
}
