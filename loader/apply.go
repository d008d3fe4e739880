package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/graph"
	"github.com/hupe1980/starmesh/registry"
)

// Registry is the subset of *registry.Registry used by Apply.
type Registry interface {
	Get(ctx context.Context, id string) (*core.Directive, error)
	Create(ctx context.Context, d *core.Directive) (*core.Directive, []core.ValidationWarning, error)
	Update(ctx context.Context, id string, d *core.Directive) (*core.Directive, []core.ValidationWarning, error)
	GetStar(ctx context.Context, id string) (*core.Star, error)
	CreateStar(ctx context.Context, s *core.Star) (*core.Star, []core.ValidationWarning, error)
	UpdateStar(ctx context.Context, id string, s *core.Star) (*core.Star, []core.ValidationWarning, error)
}

// ConstellationSaver persists validated constellations.
type ConstellationSaver interface {
	SaveConstellation(ctx context.Context, c *core.Constellation) error
}

// Apply creates or updates every definition of b. Directives go first,
// referenced directives before the directives referencing them, then stars,
// then constellations. Constellations are validated against the registry's
// stars and saved to saver; a nil saver only validates them. The returned
// warnings carry the entity in their field.
func Apply(ctx context.Context, b *Bundle, reg Registry, saver ConstellationSaver) ([]core.ValidationWarning, error) {
	var warnings []core.ValidationWarning

	collect := func(prefix string, ws []core.ValidationWarning) {
		for _, w := range ws {
			w.Field = prefix + "." + w.Field
			warnings = append(warnings, w)
		}
	}

	for _, d := range orderDirectives(b.Directives) {
		ws, err := upsert(ctx, d.ID, d, reg.Get, reg.Create, reg.Update)
		if err != nil {
			return warnings, fmt.Errorf("directive %q: %w", d.ID, err)
		}

		collect("directive["+d.ID+"]", ws)
	}

	for _, s := range b.Stars {
		ws, err := upsert(ctx, s.ID, s, reg.GetStar, reg.CreateStar, reg.UpdateStar)
		if err != nil {
			return warnings, fmt.Errorf("star %q: %w", s.ID, err)
		}

		collect("star["+s.ID+"]", ws)
	}

	lookup := func(starID string) (core.StarKind, bool) {
		s, err := reg.GetStar(ctx, starID)
		if err != nil {
			return "", false
		}

		return s.Kind, true
	}

	for _, c := range b.Constellations {
		if _, err := graph.Build(c, lookup); err != nil {
			return warnings, fmt.Errorf("constellation %q: %w", c.ID, err)
		}

		if saver == nil {
			continue
		}

		if err := saver.SaveConstellation(ctx, c); err != nil {
			return warnings, fmt.Errorf("constellation %q: %w", c.ID, err)
		}
	}

	return warnings, nil
}

func upsert[T any](
	ctx context.Context,
	id string,
	v T,
	get func(context.Context, string) (T, error),
	create func(context.Context, T) (T, []core.ValidationWarning, error),
	update func(context.Context, string, T) (T, []core.ValidationWarning, error),
) ([]core.ValidationWarning, error) {
	_, err := get(ctx, id)

	switch {
	case err == nil:
		_, ws, err := update(ctx, id, v)
		return ws, err
	case errors.Is(err, core.ErrNotFound):
		_, ws, err := create(ctx, v)
		return ws, err
	default:
		return nil, err
	}
}

// orderDirectives returns ds in dependency order: every directive appears
// after the bundle directives it references. Unparseable content and cycles
// are left for the registry to reject.
func orderDirectives(ds []*core.Directive) []*core.Directive {
	byID := make(map[string]*core.Directive, len(ds))
	for _, d := range ds {
		byID[d.ID] = d
	}

	var (
		out     []*core.Directive
		visited = map[string]bool{}
		visit   func(d *core.Directive)
	)

	visit = func(d *core.Directive) {
		if visited[d.ID] {
			return
		}

		visited[d.ID] = true

		if refs, err := registry.ExtractReferences(d.Content); err == nil {
			for _, id := range refs.DirectiveIDs {
				if dep, ok := byID[id]; ok {
					visit(dep)
				}
			}
		}

		out = append(out, d)
	}

	for _, d := range ds {
		visit(d)
	}

	return out
}
