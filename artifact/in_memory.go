package artifact

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// InMemoryStore is an in-process ArtifactStore. It keeps all artifacts in a
// nested map guarded by an RWMutex. Data is copied on save and on
// retrieval so callers never share buffers with the store.
//
// Layout: scope -> artifactID -> raw bytes
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Save stores or overwrites the artifact bytes for scope and id.
func (a *InMemoryStore) Save(ctx context.Context, scope, artifactID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.artifacts[scope]; !ok {
		a.artifacts[scope] = make(map[string][]byte)
	}

	a.artifacts[scope][artifactID] = slices.Clone(data)

	return nil
}

// Get returns a copy of the stored bytes or ErrNotFound.
func (a *InMemoryStore) Get(ctx context.Context, scope, artifactID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.artifacts[scope][artifactID]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(data), nil
}

// List returns the sorted artifact ids stored for scope.
func (a *InMemoryStore) List(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.artifacts[scope]))
	for id := range a.artifacts[scope] {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// Delete removes the artifact or returns ErrNotFound.
func (a *InMemoryStore) Delete(ctx context.Context, scope, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.artifacts[scope][artifactID]; !ok {
		return ErrNotFound
	}

	delete(a.artifacts[scope], artifactID)

	return nil
}
