package star

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/util"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/model"
	"github.com/hupe1980/starmesh/probe"
)

// Executor runs stars of one kind.
type Executor interface {
	// Execute runs s within ec. Returned errors are reserved for
	// cancellation and programming errors; domain failures are reported
	// through a failed StarResult.
	Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error)
	// Validate checks kind specific configuration.
	Validate(s *core.Star) []error
}

// Catalog resolves directives and stars by id. *registry.Registry satisfies it.
type Catalog interface {
	Get(ctx context.Context, id string) (*core.Directive, error)
	GetStar(ctx context.Context, id string) (*core.Star, error)
}

// Options configure a Dispatcher and the executors it creates.
type Options struct {
	Provider model.Provider
	Probes   *probe.Registry
	Catalog  Catalog
	Logger   logging.Logger
	// MaxConcurrency bounds tasks, documents and probe calls executed at
	// once by a single star. Zero means unbounded.
	MaxConcurrency int
	// MaxIterations is the worker tool loop bound used when a star does not
	// set config.max_iterations.
	MaxIterations int
	// UpstreamChars caps every upstream output quoted into a prompt.
	UpstreamChars int
	// DisableStreaming forces Invoke even for streaming providers.
	DisableStreaming bool
}

// Dispatcher maps star kinds to executors.
type Dispatcher struct {
	env       *env
	executors map[core.StarKind]Executor
}

// NewDispatcher creates a dispatcher with executors for every built-in kind.
func NewDispatcher(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		MaxIterations: 5,
		UpstreamChars: 500,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &env{opts: opts, logger: logging.AsExecutionLogger(opts.Logger)}
	worker := &WorkerExecutor{env: e}

	return &Dispatcher{
		env: e,
		executors: map[core.StarKind]Executor{
			core.StarKindWorker:    worker,
			core.StarKindPlanning:  &PlanningExecutor{env: e},
			core.StarKindExecution: &ExecutionExecutor{env: e, worker: worker},
			core.StarKindEval:      &EvalExecutor{env: e},
			core.StarKindSynthesis: &SynthesisExecutor{env: e},
			core.StarKindDocEx:     &DocExExecutor{env: e},
		},
	}
}

// Register replaces the executor of a kind.
func (d *Dispatcher) Register(kind core.StarKind, exec Executor) {
	d.executors[kind] = exec
}

// Executor returns the executor registered for kind.
func (d *Dispatcher) Executor(kind core.StarKind) (Executor, bool) {
	exec, ok := d.executors[kind]
	return exec, ok
}

// Execute dispatches s to the executor of its kind.
func (d *Dispatcher) Execute(ec *core.ExecutionContext, s *core.Star) (*core.StarResult, error) {
	if s == nil {
		return nil, errors.New("star must not be nil")
	}

	exec, ok := d.executors[s.Kind]
	if !ok {
		return nil, fmt.Errorf("no executor for star type %q", s.Kind)
	}

	start := time.Now()
	res, err := exec.Execute(ec, s)

	logErr := err
	if logErr == nil && res.Failed() {
		logErr = errors.New(res.Error)
	}

	d.env.logger.LogStarExecution(string(s.Kind), s.ID, time.Since(start), logErr)

	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, fmt.Errorf("star %s returned no result", s.ID)
	}

	if res.Kind == "" {
		res.Kind = s.Kind
	}

	return res, nil
}

// Validate runs the shared structural checks and the kind specific ones.
// It has the signature registry.Options.StarValidator expects.
func (d *Dispatcher) Validate(s *core.Star) []error {
	errs := core.ValidateStar(s)
	if s == nil {
		return errs
	}

	exec, ok := d.executors[s.Kind]
	if !ok {
		if s.Kind.Valid() {
			errs = append(errs, &core.ValidationError{Field: "type", Message: fmt.Sprintf("no executor for star type %q", s.Kind)})
		}

		return errs
	}

	return append(errs, exec.Validate(s)...)
}

// env holds the collaborators shared by all executors of a dispatcher.
type env struct {
	opts   Options
	logger logging.ExecutionLogger
}

// directive loads the directive of s. Stars without a directive, or a
// dispatcher without a catalog, yield nil.
func (e *env) directive(ctx context.Context, s *core.Star) (*core.Directive, error) {
	if s.DirectiveID == "" || e.opts.Catalog == nil {
		return nil, nil
	}

	d, err := e.opts.Catalog.Get(ctx, s.DirectiveID)
	if err != nil {
		return nil, fmt.Errorf("load directive %s: %w", s.DirectiveID, err)
	}

	return d, nil
}

// systemPrompt renders the directive content with the context variables
// and the template defaults. fallback is used when there is no directive.
func systemPrompt(d *core.Directive, vars map[string]any, fallback string) string {
	if d == nil || d.Content == "" {
		return fallback
	}

	defaults := map[string]any{}
	for _, v := range d.TemplateVariables {
		if v.Default != nil {
			defaults[v.Name] = v.Default
		}
	}

	return util.SubstituteVariables(d.Content, vars, defaults)
}

// chat performs one model call on behalf of the star in ec. It enforces the
// run's call limit and streams tokens when the provider supports it.
func (e *env) chat(ec *core.ExecutionContext, req model.Request) (*model.Response, error) {
	if e.opts.Provider == nil {
		return nil, errors.New("no model provider configured")
	}

	if err := ec.Context.Err(); err != nil {
		return nil, err
	}

	if err := ec.Limiter.Acquire(); err != nil {
		return nil, err
	}

	start := time.Now()

	var (
		resp *model.Response
		err  error
	)

	if sp, ok := e.opts.Provider.(model.StreamingProvider); ok && !e.opts.DisableStreaming {
		resp, err = sp.Stream(ec.Context, req, func(tok string) {
			ev := core.NewNodeEvent(core.EventToken, ec.RunID, ec.NodeID)
			ev.Text = tok
			ec.EmitEvent(ev)
		})
	} else {
		resp, err = e.opts.Provider.Invoke(ec.Context, req)
	}

	e.logger.LogLLMCall(e.opts.Provider.Info().Name, len(req.Messages), time.Since(start), err)

	if err == nil && resp == nil {
		err = errors.New("model returned no response")
	}

	return resp, err
}

// failure converts err into a failed result, or returns the context error
// itself when the star's context is done.
func failure(ec *core.ExecutionContext, kind core.StarKind, err error) (*core.StarResult, error) {
	if ctxErr := ec.Context.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	return core.FailedResult(kind, err), nil
}

func modelFailure(ec *core.ExecutionContext, kind core.StarKind, err error) (*core.StarResult, error) {
	return failure(ec, kind, fmt.Errorf("model call failed: %w", err))
}

// contextBlock renders the query, purpose, upstream outputs, resume context
// and variables shared by every prompt.
func (e *env) contextBlock(ec *core.ExecutionContext) string {
	var b []string

	if ec.OriginalQuery != "" {
		b = append(b, "Request:\n"+ec.OriginalQuery)
	}

	if ec.ConstellationPurpose != "" {
		b = append(b, "Purpose:\n"+ec.ConstellationPurpose)
	}

	if up := ec.Upstream(); len(up) > 0 {
		var sb strings.Builder

		sb.WriteString("Previous results:")

		for _, o := range up {
			fmt.Fprintf(&sb, "\n[%s] %s", o.NodeID, util.Truncate(o.Text(), e.opts.UpstreamChars))
		}

		b = append(b, sb.String())
	}

	if ec.AdditionalContext != "" {
		b = append(b, "Additional context:\n"+ec.AdditionalContext)
	}

	if vars := util.FormatVariables(ec.Variables); vars != "" {
		b = append(b, "Variables:\n"+vars)
	}

	return joinBlocks(b...)
}

func joinBlocks(blocks ...string) string {
	return strings.Join(slices.DeleteFunc(blocks, func(b string) bool { return b == "" }), "\n\n")
}

// aggregateStatus maps succeeded/total counts to a result status.
func aggregateStatus(succeeded, total int) core.ResultStatus {
	switch {
	case total > 0 && succeeded == total:
		return core.ResultCompleted
	case succeeded > 0:
		return core.ResultPartial
	default:
		return core.ResultFailed
	}
}
