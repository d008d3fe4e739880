// Package starmesh provides a high-level façade over the registry, the star
// dispatcher and the constellation runner. Most applications interact with
// this package by:
//  1. Creating a Mesh via New() (optionally overriding the in-memory stores)
//  2. Registering directives and stars, directly or through a loader bundle
//  3. Asking a single worker star (Ask) or running a constellation (Run,
//     Stream), resuming and cancelling runs as needed
//
// All defaults are safe for local development and testing; production
// deployments typically supply durable stores (store/postgres, store/redis)
// and a structured logger.
package starmesh

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/hupe1980/starmesh/artifact"
	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/janitor"
	"github.com/hupe1980/starmesh/loader"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/memory"
	"github.com/hupe1980/starmesh/model"
	"github.com/hupe1980/starmesh/probe"
	"github.com/hupe1980/starmesh/registry"
	"github.com/hupe1980/starmesh/runner"
	"github.com/hupe1980/starmesh/star"
	"github.com/hupe1980/starmesh/store"
	"github.com/hupe1980/starmesh/stream"
)

// ErrNoTarget is returned by Run when a request names neither a
// constellation nor a star.
var ErrNoTarget = errors.New("request names no constellation and no star")

// Options configures the Mesh instance.
type Options struct {
	// Provider answers every model call made by stars.
	Provider model.Provider
	// Probes holds the tools stars may call (defaults to an empty registry).
	Probes *probe.Registry

	// Runner configuration (loop cap, concurrency, synthesis, call limit).
	RunnerConfig runner.Config

	// MaxIterations bounds a worker's tool loop when the star sets none.
	MaxIterations int
	// UpstreamChars caps every upstream output quoted into a prompt.
	UpstreamChars int

	// DefaultStarID is the worker used by Run when a request names neither
	// a constellation nor a star.
	DefaultStarID string

	// EventBufferSize sets the channel buffer size used by Stream. Events
	// are dropped, not blocked on, when the consumer falls behind.
	EventBufferSize int

	// Stores (defaults to in-memory implementations if not provided).
	// CoreStore is optional; when set the registry persists to it and Load
	// restores from it.
	CoreStore core.CoreStore
	Store     core.OrchestrationStore
	Artifacts core.ArtifactStore
	Memory    core.MemoryBackend

	// Sink receives the events of every run.
	Sink stream.Sink
	// Metrics records run and node outcomes, typically a metrics.Recorder.
	Metrics runner.Metrics

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating the registry, dispatcher and runner.
type Mesh struct {
	opts       Options
	registry   *registry.Registry
	dispatcher *star.Dispatcher
	runner     *runner.Runner
}

// New creates a new Mesh with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		RunnerConfig:    runner.DefaultConfig(),
		MaxIterations:   5,
		UpstreamChars:   500,
		EventBufferSize: 256,
		Probes:          probe.NewRegistry(),
		Store:           store.NewMemoryStore(),
		Artifacts:       artifact.NewInMemoryStore(),
		Memory:          memory.NewInMemoryStore(),
		Sink:            stream.NoopSink{},
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)

	var dispatcher *star.Dispatcher

	reg := registry.New(func(o *registry.Options) {
		o.Store = opts.CoreStore
		o.Probes = opts.Probes
		o.StarValidator = func(s *core.Star) []error { return dispatcher.Validate(s) }
		o.Logger = opts.Logger
	})

	dispatcher = star.NewDispatcher(func(o *star.Options) {
		o.Provider = opts.Provider
		o.Probes = opts.Probes
		o.Catalog = reg
		o.Logger = opts.Logger
		o.MaxConcurrency = opts.RunnerConfig.MaxConcurrency
		o.MaxIterations = opts.MaxIterations
		o.UpstreamChars = opts.UpstreamChars
	})

	r := runner.New(dispatcher, reg, func(o *runner.Options) {
		o.Config = opts.RunnerConfig
		o.Store = opts.Store
		o.Sink = opts.Sink
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Artifacts = opts.Artifacts
		o.Memory = opts.Memory
	})

	return &Mesh{opts: opts, registry: reg, dispatcher: dispatcher, runner: r}
}

// Registry returns the directive and star registry.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Dispatcher returns the star dispatcher, e.g. to register a custom executor.
func (m *Mesh) Dispatcher() *star.Dispatcher { return m.dispatcher }

// Runner returns the underlying constellation runner.
func (m *Mesh) Runner() *runner.Runner { return m.runner }

// Load restores directives and stars from the CoreStore.
func (m *Mesh) Load(ctx context.Context) error {
	return m.registry.Load(ctx)
}

// Apply registers every definition of a loader bundle.
func (m *Mesh) Apply(ctx context.Context, b *loader.Bundle) ([]core.ValidationWarning, error) {
	return loader.Apply(ctx, b, m.registry, m.opts.Store)
}

// Janitor returns a sweeper over the mesh's run store that leaves runs
// driven by this mesh alone.
func (m *Mesh) Janitor(optFns ...func(o *janitor.Options)) *janitor.Sweeper {
	return janitor.New(m.opts.Store, append([]func(o *janitor.Options){func(o *janitor.Options) {
		o.IsActive = m.runner.IsActive
		o.Logger = m.opts.Logger
	}}, optFns...)...)
}

// Ask runs one worker star outside any constellation and returns its
// result. Domain failures are reported through the result, not the error.
func (m *Mesh) Ask(ctx context.Context, starID, query string, vars map[string]any) (*core.StarResult, error) {
	s, err := m.worker(ctx, starID)
	if err != nil {
		return nil, err
	}

	return m.ask(ctx, core.NewID(), s, query, vars, m.emitter(nil))
}

func (m *Mesh) worker(ctx context.Context, starID string) (*core.Star, error) {
	s, err := m.registry.GetStar(ctx, starID)
	if err != nil {
		return nil, err
	}

	if s.Kind != core.StarKindWorker {
		return nil, &core.ValidationError{
			Field:   "star_id",
			Message: fmt.Sprintf("star %q is of type %s, the fast path needs a worker", starID, s.Kind),
		}
	}

	return s, nil
}

func (m *Mesh) ask(ctx context.Context, runID string, s *core.Star, query string, vars map[string]any, em *stream.Emitter) (*core.StarResult, error) {
	ec := core.NewExecutionContext(ctx, runID, em.Func(context.WithoutCancel(ctx)), m.opts.Logger)
	ec.OriginalQuery = query
	ec.Limiter = core.NewCallLimiter(m.opts.RunnerConfig.MaxModelCalls)
	ec.Artifacts = m.opts.Artifacts
	ec.Memory = m.opts.Memory
	maps.Copy(ec.Variables, vars)

	return m.dispatcher.Execute(ec.ForNode(s.ID, nil), s)
}

// Request describes a Run or Stream invocation.
type Request struct {
	runner.StartRequest

	// Constellation is run as given.
	Constellation *core.Constellation
	// ConstellationID loads a stored constellation when Constellation is nil.
	ConstellationID string
	// StarID selects the fast path when no constellation is given. It
	// defaults to Options.DefaultStarID.
	StarID string
}

// Run executes a constellation, or a single worker star when the request
// names no constellation. Failed and cancelled runs return both an Outcome
// and the cause; a paused run returns a suspended Outcome and no error.
func (m *Mesh) Run(ctx context.Context, req Request) (*runner.Outcome, error) {
	c := req.Constellation

	if c == nil && req.ConstellationID != "" {
		var err error

		c, err = m.opts.Store.GetConstellation(ctx, req.ConstellationID)
		if err != nil {
			return nil, err
		}
	}

	if c != nil {
		return m.runner.Start(ctx, c, req.StartRequest)
	}

	starID := req.StarID
	if starID == "" {
		starID = m.opts.DefaultStarID
	}

	if starID == "" {
		return nil, ErrNoTarget
	}

	return m.runFast(ctx, starID, req.StartRequest)
}

// runFast records a single worker execution as a one-node run so it can be
// listed and inspected like any other run.
func (m *Mesh) runFast(ctx context.Context, starID string, req runner.StartRequest) (*runner.Outcome, error) {
	s, err := m.worker(ctx, starID)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = core.NewID()
	}

	run := core.NewRun(runID, "")
	run.OriginalQuery = req.Query
	run.Purpose = req.Purpose
	maps.Copy(run.Variables, req.Variables)

	bg := context.WithoutCancel(ctx)
	em := m.emitter(req.Sink)
	log := m.opts.Logger

	if err := m.opts.Store.SaveRun(bg, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.RunStarted()
	}

	log.Info("mesh.fast_path.started", "run_id", runID, "star_id", starID)
	em.Emit(bg, core.NewEvent(core.EventRunStarted, runID))

	started := core.NewNodeEvent(core.EventNodeStarted, runID, starID)
	started.StarID = starID
	em.Emit(bg, started)

	out := &core.NodeOutput{
		NodeID:    starID,
		StarID:    starID,
		Status:    core.NodeStatusRunning,
		StartedAt: time.Now().UTC(),
		Attempts:  1,
	}

	res, execErr := m.ask(ctx, runID, s, req.Query, run.Variables, em)

	out.CompletedAt = time.Now().UTC()
	out.Output = res
	out.Status = core.NodeStatusCompleted

	cause := execErr
	if cause == nil && res == nil {
		cause = &core.ExecutionError{NodeID: starID, Err: errors.New("star returned no result")}
	}

	switch {
	case cause != nil:
		out.Status = core.NodeStatusFailed
		out.Error = cause.Error()
	case res.Failed():
		out.Error = res.Error
		log.Warn("mesh.fast_path.failed_result", "run_id", runID, "star_id", starID, "error", res.Error)
	}

	if res != nil {
		out.ToolCalls = res.ToolCalls
	}

	run.NodeOutputs[starID] = out

	nodeEv := core.NewNodeEvent(core.EventNodeCompleted, runID, starID)
	if cause != nil {
		nodeEv.Type = core.EventNodeFailed
	}

	nodeEv.StarID = starID
	nodeEv.Error = out.Error
	nodeEv.Output = res
	em.Emit(bg, nodeEv)

	kind := runner.OutcomeCompleted

	switch {
	case cause != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = runner.OutcomeCancelled
		_ = run.Transition(core.RunStatusCancelled)
		run.Error = "run cancelled"
	case cause != nil:
		kind = runner.OutcomeFailed
		_ = run.MarkFailed(cause.Error())
	default:
		run.FinalOutput = res.Text
		_ = run.Transition(core.RunStatusCompleted)
	}

	if err := m.opts.Store.SaveRun(bg, run); err != nil {
		log.Error("mesh.persist.failed", "run_id", runID, "error", err.Error())
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.NodeFinished(s.Kind, out.Status, out.CompletedAt.Sub(out.StartedAt))
		m.opts.Metrics.RunFinished(run.Status, time.Since(run.StartedAt))
	}

	var ev core.Event

	switch kind {
	case runner.OutcomeCompleted:
		ev = core.NewEvent(core.EventRunCompleted, runID)
		ev.Text = run.FinalOutput
	case runner.OutcomeCancelled:
		ev = core.NewEvent(core.EventRunCancelled, runID)
	default:
		ev = core.NewEvent(core.EventRunFailed, runID)
		ev.Error = run.Error
	}

	em.Emit(bg, ev)
	log.Info("mesh.fast_path.finished", "run_id", runID, "status", string(run.Status))

	return &runner.Outcome{Kind: kind, Run: run.Clone()}, cause
}

// Stream starts Run in the background and returns the run id with event
// and error channels. The event channel is closed when the invocation
// ends; at most one terminal error is delivered before the error channel
// is closed. A paused run closes both channels without an error.
func (m *Mesh) Stream(ctx context.Context, req Request) (string, <-chan core.Event, <-chan error) {
	if req.RunID == "" {
		req.RunID = core.NewID()
	}

	queue := stream.NewQueueSink(m.opts.EventBufferSize)

	if req.Sink != nil {
		req.Sink = stream.NewCompositeSink(req.Sink, queue)
	} else {
		req.Sink = queue
	}

	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer queue.Close()

		if _, err := m.Run(ctx, req); err != nil {
			errs <- err
		}
	}()

	return req.RunID, queue.Events(), errs
}

// Resume confirms the node a paused run waits for and continues it.
func (m *Mesh) Resume(ctx context.Context, runID string, req runner.ResumeRequest) (*runner.Outcome, error) {
	return m.runner.Resume(ctx, runID, req)
}

// Cancel stops a run driven by this mesh or cancels a paused run.
func (m *Mesh) Cancel(ctx context.Context, runID string) error {
	return m.runner.Cancel(ctx, runID)
}

// GetRun returns a snapshot of a run.
func (m *Mesh) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	return m.runner.GetRun(ctx, runID)
}

// ListRuns lists persisted runs.
func (m *Mesh) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	return m.runner.ListRuns(ctx, filter)
}

func (m *Mesh) emitter(extra stream.Sink) *stream.Emitter {
	sink := m.opts.Sink
	if extra != nil {
		sink = stream.NewCompositeSink(sink, extra)
	}

	return stream.NewEmitter(sink, func(o *stream.EmitterOptions) {
		o.Logger = m.opts.Logger
		if obs, ok := m.opts.Metrics.(stream.ErrorObserver); ok {
			o.Observer = obs
		}
	})
}
