package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
)

// ProbeLookup reports whether a probe is registered. *probe.Registry
// satisfies it.
type ProbeLookup interface {
	Has(name string) bool
}

// Options configures a Registry.
type Options struct {
	// Store receives committed mutations. Optional.
	Store core.CoreStore
	// Probes is consulted to warn about unknown probe references. Optional.
	Probes ProbeLookup
	// StarValidator adds kind specific checks, typically star.Dispatcher.Validate.
	StarValidator func(s *core.Star) []error
	Logger        logging.Logger
}

// Registry indexes directives and stars.
type Registry struct {
	mu         sync.RWMutex
	writes     keyedMutex
	directives map[string]*core.Directive
	stars      map[string]*core.Star
	opts       Options
	logger     logging.Logger
}

// New creates an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		directives: map[string]*core.Directive{},
		stars:      map[string]*core.Star{},
		opts:       opts,
		logger:     logging.OrNoOp(opts.Logger),
	}
}

// Load replaces the in-memory index with the content of the configured store.
func (r *Registry) Load(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}

	directives, err := r.opts.Store.ListDirectives(ctx)
	if err != nil {
		return fmt.Errorf("load directives: %w", err)
	}

	stars, err := r.opts.Store.ListStars(ctx)
	if err != nil {
		return fmt.Errorf("load stars: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.directives = make(map[string]*core.Directive, len(directives))
	for _, d := range directives {
		r.directives[d.ID] = d.Clone()
	}

	r.stars = make(map[string]*core.Star, len(stars))
	for _, s := range stars {
		r.stars[s.ID] = s.Clone()
	}

	r.logger.Info("registry.loaded", "directives", len(directives), "stars", len(stars))

	return nil
}

// Create validates and stores a new directive. The derived reference fields
// are computed from the content, replacing whatever the caller supplied.
func (r *Registry) Create(ctx context.Context, d *core.Directive) (*core.Directive, []core.ValidationWarning, error) {
	if d == nil {
		return nil, nil, &core.ValidationError{Field: "directive", Message: "directive must not be nil"}
	}

	cand := d.Clone()
	if cand.ID == "" {
		cand.ID = core.NewID()
	}

	return r.putDirective(ctx, cand, false)
}

// Update replaces the directive id, re-extracting its references.
func (r *Registry) Update(ctx context.Context, id string, d *core.Directive) (*core.Directive, []core.ValidationWarning, error) {
	if d == nil {
		return nil, nil, &core.ValidationError{Field: "directive", Message: "directive must not be nil"}
	}

	cand := d.Clone()
	cand.ID = id

	return r.putDirective(ctx, cand, true)
}

func (r *Registry) putDirective(ctx context.Context, cand *core.Directive, update bool) (*core.Directive, []core.ValidationWarning, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	warnings, err := r.prepareDirective(cand)
	if err != nil {
		return nil, nil, err
	}

	unlock := r.writes.Lock("directive:" + cand.ID)
	defer unlock()

	r.mu.Lock()

	prev, exists := r.directives[cand.ID]

	switch {
	case update && !exists:
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("directive %q: %w", cand.ID, core.ErrNotFound)
	case !update && exists:
		r.mu.Unlock()
		return nil, nil, &core.ValidationError{Field: "id", Message: fmt.Sprintf("directive %q already exists", cand.ID)}
	}

	// The candidate replaces the old version in the graph walked here.
	if cycle := findCycle(cand.ID, func(id string) []string {
		if id == cand.ID {
			return cand.ReferenceIDs
		}

		if other, ok := r.directives[id]; ok {
			return other.ReferenceIDs
		}

		return nil
	}); cycle != nil {
		r.mu.Unlock()

		return nil, nil, &core.ValidationError{
			Field:   "reference_ids",
			Message: "directive reference cycle: " + strings.Join(cycle, " -> "),
		}
	}

	for _, ref := range cand.ReferenceIDs {
		if _, ok := r.directives[ref]; !ok && ref != cand.ID {
			warnings = append(warnings, core.ValidationWarning{
				Field:   "reference_ids",
				Message: fmt.Sprintf("unknown directive %q", ref),
			})
		}
	}

	now := time.Now().UTC()
	cand.UpdatedAt = now
	cand.CreatedAt = now

	if exists {
		cand.CreatedAt = prev.CreatedAt
	}

	r.directives[cand.ID] = cand
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.SaveDirective(ctx, cand.Clone()); err != nil {
			r.mu.Lock()
			if exists {
				r.directives[cand.ID] = prev
			} else {
				delete(r.directives, cand.ID)
			}
			r.mu.Unlock()

			return nil, nil, fmt.Errorf("save directive %q: %w", cand.ID, err)
		}
	}

	r.logger.Info("registry.directive.saved", "directive", cand.ID, "update", update, "warnings", len(warnings))

	return cand.Clone(), warnings, nil
}

// prepareDirective validates the candidate's own fields and fills the
// derived reference fields. It needs no lock.
func (r *Registry) prepareDirective(d *core.Directive) ([]core.ValidationWarning, error) {
	var errs core.ValidationErrors

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, &core.ValidationError{Field: "name", Message: "name must not be empty"})
	}

	if strings.TrimSpace(d.Description) == "" {
		errs = append(errs, &core.ValidationError{Field: "description", Message: "description must not be empty"})
	}

	if strings.TrimSpace(d.Content) == "" {
		errs = append(errs, &core.ValidationError{Field: "content", Message: "content must not be empty"})
	}

	refs, err := ExtractReferences(d.Content)
	if err != nil {
		var verrs core.ValidationErrors
		if errors.As(err, &verrs) {
			errs = append(errs, verrs...)
		} else {
			errs = append(errs, err)
		}
	}

	declared := map[string]core.TemplateVariable{}
	for _, v := range d.TemplateVariables {
		declared[v.Name] = v
	}

	var (
		warnings []core.ValidationWarning
		vars     []core.TemplateVariable
	)

	for _, name := range refs.Variables {
		v, ok := declared[name]
		if !ok {
			v = core.NewTemplateVariable(name)
		}

		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}

		vars = append(vars, v)
	}

	for _, v := range d.TemplateVariables {
		if !slices.Contains(refs.Variables, v.Name) {
			warnings = append(warnings, core.ValidationWarning{
				Field:   "template_variables",
				Message: fmt.Sprintf("variable %q is declared but not referenced in content", v.Name),
			})
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	d.ProbeIDs = refs.ProbeIDs
	d.ReferenceIDs = refs.DirectiveIDs
	d.TemplateVariables = vars

	warnings = append(warnings, r.probeWarnings("probe_ids", d.ProbeIDs)...)

	return warnings, nil
}

func (r *Registry) probeWarnings(field string, ids []string) []core.ValidationWarning {
	if r.opts.Probes == nil {
		return nil
	}

	var warnings []core.ValidationWarning

	for _, id := range ids {
		if !r.opts.Probes.Has(id) {
			warnings = append(warnings, core.ValidationWarning{
				Field:   field,
				Message: fmt.Sprintf("unknown probe %q", id),
			})
		}
	}

	return warnings
}

// Delete removes a directive unless another directive or a star still
// references it.
func (r *Registry) Delete(ctx context.Context, id string) ([]core.ValidationWarning, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := r.writes.Lock("directive:" + id)
	defer unlock()

	r.mu.Lock()

	prev, ok := r.directives[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("directive %q: %w", id, core.ErrNotFound)
	}

	var refs []string

	for _, other := range r.directives {
		if other.ID != id && slices.Contains(other.ReferenceIDs, id) {
			refs = append(refs, "directive:"+other.ID)
		}
	}

	for _, s := range r.stars {
		if s.DirectiveID == id {
			refs = append(refs, "star:"+s.ID)
		}
	}

	if len(refs) > 0 {
		r.mu.Unlock()
		sort.Strings(refs)

		return nil, &core.ConflictError{Entity: "directive", ID: id, ReferencedBy: refs}
	}

	delete(r.directives, id)
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteDirective(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
			r.mu.Lock()
			r.directives[id] = prev
			r.mu.Unlock()

			return nil, fmt.Errorf("delete directive %q: %w", id, err)
		}
	}

	r.logger.Info("registry.directive.deleted", "directive", id)

	return nil, nil
}

// Get returns a copy of the directive.
func (r *Registry) Get(_ context.Context, id string) (*core.Directive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.directives[id]
	if !ok {
		return nil, fmt.Errorf("directive %q: %w", id, core.ErrNotFound)
	}

	return d.Clone(), nil
}

// List returns copies of all directives sorted by id.
func (r *Registry) List(_ context.Context) ([]*core.Directive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*core.Directive, 0, len(r.directives))
	for _, d := range r.directives {
		out = append(out, d.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// CreateStar validates and stores a new star.
func (r *Registry) CreateStar(ctx context.Context, s *core.Star) (*core.Star, []core.ValidationWarning, error) {
	if s == nil {
		return nil, nil, &core.ValidationError{Field: "star", Message: "star must not be nil"}
	}

	cand := s.Clone()
	if cand.ID == "" {
		cand.ID = core.NewID()
	}

	return r.putStar(ctx, cand, false)
}

// UpdateStar replaces the star id.
func (r *Registry) UpdateStar(ctx context.Context, id string, s *core.Star) (*core.Star, []core.ValidationWarning, error) {
	if s == nil {
		return nil, nil, &core.ValidationError{Field: "star", Message: "star must not be nil"}
	}

	cand := s.Clone()
	cand.ID = id

	return r.putStar(ctx, cand, true)
}

func (r *Registry) putStar(ctx context.Context, cand *core.Star, update bool) (*core.Star, []core.ValidationWarning, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	errs := core.ValidationErrors(core.ValidateStar(cand))

	if strings.TrimSpace(cand.Name) == "" {
		errs = append(errs, &core.ValidationError{Field: "name", Message: "name must not be empty"})
	}

	if r.opts.StarValidator != nil && len(errs) == 0 {
		errs = append(errs, r.opts.StarValidator(cand)...)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, nil, err
	}

	sort.Strings(cand.ProbeIDs)
	cand.ProbeIDs = slices.Compact(cand.ProbeIDs)

	unlock := r.writes.Lock("star:" + cand.ID)
	defer unlock()

	r.mu.Lock()

	prev, exists := r.stars[cand.ID]

	switch {
	case update && !exists:
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("star %q: %w", cand.ID, core.ErrNotFound)
	case !update && exists:
		r.mu.Unlock()
		return nil, nil, &core.ValidationError{Field: "id", Message: fmt.Sprintf("star %q already exists", cand.ID)}
	}

	var warnings []core.ValidationWarning

	if cand.DirectiveID == "" {
		warnings = append(warnings, core.ValidationWarning{Field: "directive_id", Message: "star has no directive"})
	} else if _, ok := r.directives[cand.DirectiveID]; !ok {
		warnings = append(warnings, core.ValidationWarning{
			Field:   "directive_id",
			Message: fmt.Sprintf("unknown directive %q", cand.DirectiveID),
		})
	}

	warnings = append(warnings, r.probeWarnings("probe_ids", cand.ProbeIDs)...)

	r.stars[cand.ID] = cand
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.SaveStar(ctx, cand.Clone()); err != nil {
			r.mu.Lock()
			if exists {
				r.stars[cand.ID] = prev
			} else {
				delete(r.stars, cand.ID)
			}
			r.mu.Unlock()

			return nil, nil, fmt.Errorf("save star %q: %w", cand.ID, err)
		}
	}

	r.logger.Info("registry.star.saved", "star", cand.ID, "kind", string(cand.Kind), "update", update)

	return cand.Clone(), warnings, nil
}

// DeleteStar removes a star.
func (r *Registry) DeleteStar(ctx context.Context, id string) ([]core.ValidationWarning, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := r.writes.Lock("star:" + id)
	defer unlock()

	r.mu.Lock()

	prev, ok := r.stars[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("star %q: %w", id, core.ErrNotFound)
	}

	delete(r.stars, id)
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteStar(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
			r.mu.Lock()
			r.stars[id] = prev
			r.mu.Unlock()

			return nil, fmt.Errorf("delete star %q: %w", id, err)
		}
	}

	r.logger.Info("registry.star.deleted", "star", id)

	return nil, nil
}

// GetStar returns a copy of the star.
func (r *Registry) GetStar(_ context.Context, id string) (*core.Star, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stars[id]
	if !ok {
		return nil, fmt.Errorf("star %q: %w", id, core.ErrNotFound)
	}

	return s.Clone(), nil
}

// ListStars returns copies of all stars sorted by id.
func (r *Registry) ListStars(_ context.Context) ([]*core.Star, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*core.Star, 0, len(r.stars))
	for _, s := range r.stars {
		out = append(out, s.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// EffectiveProbes returns ResolveProbes for the star and its directive.
func (r *Registry) EffectiveProbes(ctx context.Context, starID string) ([]string, error) {
	s, err := r.GetStar(ctx, starID)
	if err != nil {
		return nil, err
	}

	var d *core.Directive
	if s.DirectiveID != "" {
		if d, err = r.Get(ctx, s.DirectiveID); err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
	}

	return core.ResolveProbes(s, d), nil
}
