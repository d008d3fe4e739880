package core

import (
	"context"
	"time"
)

// CoreStore persists definitions owned by the registry. Implementations
// should be thread-safe and return ErrNotFound for unknown ids.
type CoreStore interface {
	SaveDirective(ctx context.Context, d *Directive) error
	GetDirective(ctx context.Context, id string) (*Directive, error)
	ListDirectives(ctx context.Context) ([]*Directive, error)
	DeleteDirective(ctx context.Context, id string) error

	SaveStar(ctx context.Context, s *Star) error
	GetStar(ctx context.Context, id string) (*Star, error)
	ListStars(ctx context.Context) ([]*Star, error)
	DeleteStar(ctx context.Context, id string) error
}

// RunFilter narrows ListRuns. Zero fields do not filter.
type RunFilter struct {
	Status          RunStatus
	ConstellationID string
	// UpdatedBefore selects runs whose UpdatedAt is strictly earlier.
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether r satisfies the filter (Limit is ignored).
func (f RunFilter) Match(r *Run) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}

	if f.ConstellationID != "" && r.ConstellationID != f.ConstellationID {
		return false
	}

	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}

	return true
}

// OrchestrationStore persists constellations and runs. SaveRun must refuse
// to change the status of a stored terminal run (ErrStaleWrite) so a crash
// after persisting status X never leaves an earlier status behind and a
// finished run is never rewritten to a different outcome.
type OrchestrationStore interface {
	SaveConstellation(ctx context.Context, c *Constellation) error
	GetConstellation(ctx context.Context, id string) (*Constellation, error)
	ListConstellations(ctx context.Context) ([]*Constellation, error)
	DeleteConstellation(ctx context.Context, id string) error

	SaveRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// ArtifactStore stores binary artifacts (documents, attachments) scoped by
// an owner id such as a run id.
type ArtifactStore interface {
	Save(ctx context.Context, scope, artifactID string, data []byte) error
	Get(ctx context.Context, scope, artifactID string) ([]byte, error)
	List(ctx context.Context, scope string) ([]string, error)
	Delete(ctx context.Context, scope, artifactID string) error
}

// SearchResult is one hit of a memory search.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryBackend stores and retrieves long-term memories scoped by an owner id.
type MemoryBackend interface {
	Store(ctx context.Context, scope, content string, metadata map[string]any) (string, error)
	Search(ctx context.Context, scope, query string, limit int) ([]SearchResult, error)
	Delete(ctx context.Context, scope string) error
}
