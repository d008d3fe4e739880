package probe

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/model"
)

type registration struct {
	probe *Probe
	loc   core.SourceLocation
}

// Options configures a Registry.
type Options struct {
	Logger logging.Logger
}

// Registry is a name -> probe index. Registration happens at construction
// time from code; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	logger  logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		entries: map[string]registration{},
		logger:  logging.OrNoOp(opts.Logger),
	}
}

// Register adds p under p.Name. The caller's source location is recorded so
// a later duplicate can name both sites.
func (r *Registry) Register(p *Probe) error {
	return r.register(p, callerLocation(2))
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(probes ...*Probe) {
	for _, p := range probes {
		if err := r.register(p, callerLocation(2)); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) register(p *Probe, loc core.SourceLocation) error {
	if p == nil {
		return &core.ValidationError{Field: "probe", Message: "probe must not be nil"}
	}

	if strings.TrimSpace(p.Name) == "" {
		return &core.ValidationError{Field: "name", Message: "probe name must not be empty"}
	}

	cp := *p
	if cp.FunctionName == "" && cp.Func != nil {
		cp.ModulePath, cp.FunctionName = funcName(cp.Func)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[cp.Name]; ok {
		err := &core.DuplicateProbeError{Name: cp.Name, Original: existing.loc, Duplicate: loc}
		r.logger.Error("probe.register.duplicate", "probe", cp.Name, "original", existing.loc.String(), "duplicate", loc.String())

		return err
	}

	r.entries[cp.Name] = registration{probe: &cp, loc: loc}
	r.logger.Debug("probe.register", "probe", cp.Name, "location", loc.String())

	return nil
}

// Get returns the probe registered under name.
func (r *Registry) Get(name string) (*Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}

	return e.probe, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Location returns where name was registered.
func (r *Registry) Location(name string) (core.SourceLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]

	return e.loc, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// List returns all probes sorted by name.
func (r *Registry) List() []*Probe {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Probe, 0, len(names))
	for _, n := range names {
		if e, ok := r.entries[n]; ok {
			out = append(out, e.probe)
		}
	}

	return out
}

// Definitions returns the tool definitions for names, in the given order,
// and the names that are not registered.
func (r *Registry) Definitions(names []string) ([]model.ToolDefinition, []string) {
	var (
		defs    []model.ToolDefinition
		missing []string
	)

	for _, n := range names {
		p, ok := r.Get(n)
		if !ok {
			missing = append(missing, n)
			continue
		}

		defs = append(defs, p.Definition())
	}

	return defs, missing
}

// Call invokes the named probe on behalf of the star running in ec (which
// may be nil). An unknown name yields an *Error with code NOT_FOUND.
func (r *Registry) Call(ctx context.Context, ec *core.ExecutionContext, name, callID string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, ok := r.Get(name)
	if !ok {
		return nil, NewError(name, fmt.Sprintf("probe %q is not registered", name), CodeNotFound)
	}

	return p.Call(core.NewProbeContext(ctx, ec, callID), args)
}

func callerLocation(skip int) core.SourceLocation {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return core.SourceLocation{File: "unknown"}
	}

	loc := core.SourceLocation{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}

	return loc
}

// funcName splits the runtime name of fn into its package path and function name.
func funcName(fn Func) (string, string) {
	rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if rf == nil {
		return "", ""
	}

	full := rf.Name()

	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")

	if dot < 0 {
		return "", full
	}

	dot += slash + 1

	return full[:dot], full[dot+1:]
}
