package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/hupe1980/starmesh/artifact"
	"github.com/hupe1980/starmesh/cache"
	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/graph"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/memory"
	"github.com/hupe1980/starmesh/store"
	"github.com/hupe1980/starmesh/stream"
)

// ErrRunActive is returned when a run is started, resumed or cancelled
// while another invocation is already driving it in this process.
var ErrRunActive = errors.New("run is already executing")

// Executor runs a single star. *star.Dispatcher implements it.
type Executor interface {
	Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error)
}

// StarSource resolves star definitions. *registry.Registry implements it.
type StarSource interface {
	GetStar(ctx context.Context, id string) (*core.Star, error)
}

// OutcomeKind classifies how a Start or Resume invocation ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeSuspended OutcomeKind = "suspended"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the result of a Start or Resume invocation. Run is a snapshot
// taken when the invocation returned.
type Outcome struct {
	Kind OutcomeKind
	Run  *core.Run
}

// Suspended reports whether the run is waiting for a confirmation.
func (o *Outcome) Suspended() bool { return o != nil && o.Kind == OutcomeSuspended }

// StartRequest describes a new run.
type StartRequest struct {
	// RunID is optional; a new id is generated when empty.
	RunID string
	// Query and Purpose default to the start node fields (and the
	// constellation description for the purpose).
	Query     string
	Purpose   string
	Variables map[string]any
	// Sink receives the events of this invocation in addition to the
	// runner's sink.
	Sink stream.Sink
}

// ResumeRequest continues a run suspended for confirmation.
type ResumeRequest struct {
	// AdditionalContext is appended to the run's additional context.
	AdditionalContext string
	// Variables are merged into the run variables.
	Variables map[string]any
	Sink      stream.Sink
}

// Runner drives constellation runs. Public methods are safe for concurrent use.
type Runner struct {
	exec      Executor
	stars     StarSource
	cfg       Config
	store     core.OrchestrationStore
	sink      stream.Sink
	logger    logging.Logger
	metrics   Metrics
	artifacts core.ArtifactStore
	memory    core.MemoryBackend
	runs      *cache.LRU[*core.Run]

	activeRuns map[string]context.CancelFunc
	mu         sync.Mutex
}

// New constructs a Runner with optional overrides.
func New(exec Executor, stars StarSource, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Config:    DefaultConfig(),
		Store:     store.NewMemoryStore(),
		Sink:      stream.NoopSink{},
		Logger:    logging.NoOpLogger{},
		Metrics:   noopMetrics{},
		Artifacts: artifact.NewInMemoryStore(),
		Memory:    memory.NewInMemoryStore(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	if opts.Config.LoopPolicy == "" {
		opts.Config.LoopPolicy = LoopPolicyForceContinue
	}

	return &Runner{
		exec:       exec,
		stars:      stars,
		cfg:        opts.Config,
		store:      opts.Store,
		sink:       opts.Sink,
		logger:     logging.OrNoOp(opts.Logger),
		metrics:    opts.Metrics,
		artifacts:  opts.Artifacts,
		memory:     opts.Memory,
		runs:       cache.New[*core.Run](opts.Config.CacheSize, opts.Config.CacheTTL),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// Start validates c, creates a run and drives it until it completes, fails,
// is cancelled or suspends for confirmation. An invalid constellation
// returns an error and no run. Failed and cancelled runs return both an
// Outcome and the cause.
func (r *Runner) Start(ctx context.Context, c *core.Constellation, req StartRequest) (*Outcome, error) {
	if c == nil {
		return nil, &core.GraphError{Msg: "constellation must not be nil"}
	}

	c = c.Clone()
	if c.ID == "" {
		c.ID = core.NewID()
	}

	stars, err := r.loadStars(ctx, c)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(c, lookup(stars))
	if err != nil {
		return nil, err
	}

	if err := r.store.SaveConstellation(ctx, c); err != nil {
		return nil, fmt.Errorf("save constellation: %w", err)
	}

	runID := req.RunID
	if runID == "" {
		runID = core.NewID()
	} else if _, err := r.store.GetRun(ctx, runID); err == nil {
		return nil, fmt.Errorf("run %s already exists", runID)
	}

	runCtx, release, err := r.activate(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run := r.newRun(runID, c, g, req)

	ex := r.newExecution(ctx, run, g, stars, req.Sink)

	if err := ex.persist(); err != nil {
		return nil, err
	}

	r.metrics.RunStarted()
	r.logger.Info("runner.run.started", "run_id", run.ID, "constellation_id", c.ID)
	ex.emit(core.NewEvent(core.EventRunStarted, run.ID))

	return ex.execute(runCtx)
}

func (r *Runner) newRun(runID string, c *core.Constellation, g *graph.Graph, req StartRequest) *core.Run {
	run := core.NewRun(runID, c.ID)

	start, _ := g.Node(g.StartID())
	run.OriginalQuery = firstNonEmpty(req.Query, start.OriginalQuery)
	run.Purpose = firstNonEmpty(req.Purpose, start.ConstellationPurpose, c.Description)
	maps.Copy(run.Variables, req.Variables)

	run.NodeOutputs[g.StartID()] = &core.NodeOutput{
		NodeID:      g.StartID(),
		Status:      core.NodeStatusCompleted,
		StartedAt:   run.StartedAt,
		CompletedAt: run.StartedAt,
		Output:      &core.StarResult{Status: core.ResultCompleted, Text: run.OriginalQuery},
		Attempts:    1,
	}

	return run
}

// Resume confirms the node a suspended run is waiting for and continues the
// traversal. Runs that are not awaiting confirmation are rejected with
// core.ErrInvalidTransition.
func (r *Runner) Resume(ctx context.Context, runID string, req ResumeRequest) (*Outcome, error) {
	runCtx, release, err := r.activate(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := r.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != core.RunStatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: run %s is %s, not awaiting confirmation", core.ErrInvalidTransition, runID, run.Status)
	}

	c, err := r.store.GetConstellation(ctx, run.ConstellationID)
	if err != nil {
		return nil, fmt.Errorf("load constellation %s: %w", run.ConstellationID, err)
	}

	stars, err := r.loadStars(ctx, c)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(c, lookup(stars))
	if err != nil {
		return nil, err
	}

	run.Confirm(run.AwaitingNodeID)

	if run.Variables == nil {
		run.Variables = map[string]any{}
	}

	maps.Copy(run.Variables, req.Variables)

	if req.AdditionalContext != "" {
		if run.AdditionalContext != "" {
			run.AdditionalContext += "\n\n"
		}

		run.AdditionalContext += req.AdditionalContext
	}

	if err := run.Transition(core.RunStatusRunning); err != nil {
		return nil, err
	}

	ex := r.newExecution(ctx, run, g, stars, req.Sink)

	if err := ex.persist(); err != nil {
		return ex.fail(err)
	}

	r.logger.Info("runner.run.resumed", "run_id", run.ID)
	ex.emit(core.NewEvent(core.EventRunResumed, run.ID))

	return ex.execute(runCtx)
}

// Cancel stops an executing run, which then ends cancelled once its
// in-flight stars observe the cancellation. A run that is paused, or
// running without an invocation in this process, is cancelled directly.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	if cancel, ok := r.activeRuns[runID]; ok {
		r.mu.Unlock()
		cancel()

		r.logger.Info("runner.run.cancel_requested", "run_id", runID)

		return nil
	}

	claim, stop := context.WithCancel(ctx)
	r.activeRuns[runID] = stop
	r.mu.Unlock()

	defer r.deactivate(runID, stop)

	run, err := r.loadRun(claim, runID)
	if err != nil {
		return err
	}

	if err := run.Transition(core.RunStatusCancelled); err != nil {
		return err
	}

	run.Error = "run cancelled"

	bg := context.WithoutCancel(ctx)
	if err := r.store.SaveRun(bg, run); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}

	r.runs.Add(runID, run.Clone())
	r.metrics.RunFinished(run.Status, run.CompletedAt.Sub(run.StartedAt))
	r.emitter(nil).Emit(bg, core.NewEvent(core.EventRunCancelled, runID))

	return nil
}

// GetRun returns a snapshot of the run, or *core.RunNotFoundError.
func (r *Runner) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	run, err := r.runs.GetOrLoad(ctx, runID, func(ctx context.Context) (*core.Run, error) {
		return r.store.GetRun(ctx, runID)
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &core.RunNotFoundError{RunID: runID}
		}

		return nil, err
	}

	return run.Clone(), nil
}

// ListRuns lists persisted runs.
func (r *Runner) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	return r.store.ListRuns(ctx, filter)
}

// IsActive reports whether an invocation in this process is driving runID.
func (r *Runner) IsActive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.activeRuns[runID]

	return ok
}

// activate claims runID for one invocation and derives its cancellable context.
func (r *Runner) activate(ctx context.Context, runID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.activeRuns[runID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.activeRuns[runID] = cancel

	return runCtx, func() { r.deactivate(runID, cancel) }, nil
}

func (r *Runner) deactivate(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	delete(r.activeRuns, runID)
	r.mu.Unlock()

	cancel()
}

// loadRun reads the authoritative run from the store, bypassing the cache.
func (r *Runner) loadRun(ctx context.Context, runID string) (*core.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &core.RunNotFoundError{RunID: runID}
		}

		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	return run, nil
}

// loadStars resolves every star referenced by c. Unknown stars are left
// out so graph validation can report them with their node.
func (r *Runner) loadStars(ctx context.Context, c *core.Constellation) (map[string]*core.Star, error) {
	stars := make(map[string]*core.Star)

	for _, id := range c.StarIDs() {
		s, err := r.stars.GetStar(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}

			return nil, fmt.Errorf("load star %s: %w", id, err)
		}

		stars[id] = s
	}

	return stars, nil
}

func (r *Runner) emitter(extra stream.Sink) *stream.Emitter {
	sink := r.sink
	if extra != nil {
		sink = stream.NewCompositeSink(r.sink, extra)
	}

	return stream.NewEmitter(sink, func(o *stream.EmitterOptions) {
		o.Logger = r.logger
		if obs, ok := r.metrics.(stream.ErrorObserver); ok {
			o.Observer = obs
		}
	})
}

func lookup(stars map[string]*core.Star) graph.StarLookup {
	return func(id string) (core.StarKind, bool) {
		s, ok := stars[id]
		if !ok {
			return "", false
		}

		return s.Kind, true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
