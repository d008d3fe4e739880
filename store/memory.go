package store

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/starmesh/core"
)

// MemoryStore is a volatile CoreStore and OrchestrationStore keeping every
// entity in process local maps. It is safe for concurrent use and suited to
// tests, examples and single process deployments. Values are cloned on save
// and on retrieval so callers never share state with the store.
type MemoryStore struct {
	mu             sync.RWMutex
	directives     map[string]*core.Directive
	stars          map[string]*core.Star
	constellations map[string]*core.Constellation
	runs           map[string]*core.Run
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		directives:     map[string]*core.Directive{},
		stars:          map[string]*core.Star{},
		constellations: map[string]*core.Constellation{},
		runs:           map[string]*core.Run{},
	}
}

// SaveDirective implements core.CoreStore.
func (s *MemoryStore) SaveDirective(ctx context.Context, d *core.Directive) error {
	return save(ctx, &s.mu, s.directives, d.ID, d.Clone())
}

// GetDirective implements core.CoreStore.
func (s *MemoryStore) GetDirective(ctx context.Context, id string) (*core.Directive, error) {
	d, err := get(ctx, &s.mu, s.directives, "directive", id)
	return d.Clone(), err
}

// ListDirectives implements core.CoreStore. Results are sorted by id.
func (s *MemoryStore) ListDirectives(ctx context.Context) ([]*core.Directive, error) {
	return list(ctx, &s.mu, s.directives, (*core.Directive).Clone)
}

// DeleteDirective implements core.CoreStore.
func (s *MemoryStore) DeleteDirective(ctx context.Context, id string) error {
	return remove(ctx, &s.mu, s.directives, "directive", id)
}

// SaveStar implements core.CoreStore.
func (s *MemoryStore) SaveStar(ctx context.Context, st *core.Star) error {
	return save(ctx, &s.mu, s.stars, st.ID, st.Clone())
}

// GetStar implements core.CoreStore.
func (s *MemoryStore) GetStar(ctx context.Context, id string) (*core.Star, error) {
	st, err := get(ctx, &s.mu, s.stars, "star", id)
	return st.Clone(), err
}

// ListStars implements core.CoreStore. Results are sorted by id.
func (s *MemoryStore) ListStars(ctx context.Context) ([]*core.Star, error) {
	return list(ctx, &s.mu, s.stars, (*core.Star).Clone)
}

// DeleteStar implements core.CoreStore.
func (s *MemoryStore) DeleteStar(ctx context.Context, id string) error {
	return remove(ctx, &s.mu, s.stars, "star", id)
}

// SaveConstellation implements core.OrchestrationStore.
func (s *MemoryStore) SaveConstellation(ctx context.Context, c *core.Constellation) error {
	return save(ctx, &s.mu, s.constellations, c.ID, c.Clone())
}

// GetConstellation implements core.OrchestrationStore.
func (s *MemoryStore) GetConstellation(ctx context.Context, id string) (*core.Constellation, error) {
	c, err := get(ctx, &s.mu, s.constellations, "constellation", id)
	return c.Clone(), err
}

// ListConstellations implements core.OrchestrationStore.
func (s *MemoryStore) ListConstellations(ctx context.Context) ([]*core.Constellation, error) {
	return list(ctx, &s.mu, s.constellations, (*core.Constellation).Clone)
}

// DeleteConstellation implements core.OrchestrationStore.
func (s *MemoryStore) DeleteConstellation(ctx context.Context, id string) error {
	return remove(ctx, &s.mu, s.constellations, "constellation", id)
}

// SaveRun implements core.OrchestrationStore. A terminal run is never
// replaced by a non-terminal one.
func (s *MemoryStore) SaveRun(ctx context.Context, r *core.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckRunWrite(s.runs[r.ID], r); err != nil {
		return err
	}

	s.runs[r.ID] = r.Clone()

	return nil
}

// GetRun implements core.OrchestrationStore.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*core.Run, error) {
	r, err := get(ctx, &s.mu, s.runs, "run", id)
	return r.Clone(), err
}

// ListRuns implements core.OrchestrationStore. Runs are ordered by start
// time, oldest first.
func (s *MemoryStore) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Run

	for _, r := range s.runs {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}

	SortRuns(out)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

// DeleteRun implements core.OrchestrationStore.
func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	return remove(ctx, &s.mu, s.runs, "run", id)
}

// SortRuns orders runs by start time, ties broken by id.
func SortRuns(runs []*core.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}

		return runs[i].ID < runs[j].ID
	})
}

func save[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	m[id] = v

	return nil
}

func get[T any](ctx context.Context, mu *sync.RWMutex, m map[string]*T, entity, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.RLock()
	defer mu.RUnlock()

	v, ok := m[id]
	if !ok {
		return nil, NotFound(entity, id)
	}

	return v, nil
}

func list[T any](ctx context.Context, mu *sync.RWMutex, m map[string]*T, clone func(*T) *T) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.RLock()
	defer mu.RUnlock()

	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]*T, len(ids))
	for i, id := range ids {
		out[i] = clone(m[id])
	}

	return out, nil
}

func remove[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, entity, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if _, ok := m[id]; !ok {
		return NotFound(entity, id)
	}

	delete(m, id)

	return nil
}
