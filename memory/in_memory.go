package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
	"github.com/hupe1980/starmesh/model"
)

// storedMemory is one entry of a scope.
type storedMemory struct {
	id       string
	content  string
	metadata map[string]any
	vector   []float64
	seq      int
}

// Options configure an InMemoryStore.
type Options struct {
	// Embedder enables semantic search. Without it search ranks by keyword
	// overlap.
	Embedder model.Embedder
	// MinScore drops hits scoring below the threshold.
	MinScore float64
	Logger   logging.Logger
}

// InMemoryStore is a process local MemoryBackend. Entries are grouped by
// scope (a star id, a user id or any other owner key) and protected by an
// RWMutex. Embeddings are computed outside the lock.
type InMemoryStore struct {
	opts   Options
	logger logging.Logger

	mu     sync.RWMutex
	scopes map[string][]storedMemory
	seq    int
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &InMemoryStore{opts: opts, logger: logging.OrNoOp(opts.Logger), scopes: map[string][]storedMemory{}}
}

// Store implements core.MemoryBackend.
func (m *InMemoryStore) Store(ctx context.Context, scope, content string, metadata map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var vec []float64

	if m.opts.Embedder != nil {
		v, err := m.opts.Embedder.Embed(ctx, content)
		if err != nil {
			return "", fmt.Errorf("embed memory: %w", err)
		}

		vec = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("mem_%d", m.seq)

	m.scopes[scope] = append(m.scopes[scope], storedMemory{
		id:       id,
		content:  content,
		metadata: maps.Clone(metadata),
		vector:   vec,
		seq:      m.seq,
	})

	return id, nil
}

// Search implements core.MemoryBackend. Hits are ordered by descending
// score, newest first among equal scores. A limit <= 0 returns every hit.
func (m *InMemoryStore) Search(ctx context.Context, scope, query string, limit int) ([]core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var qvec []float64

	if m.opts.Embedder != nil && query != "" {
		v, err := m.opts.Embedder.Embed(ctx, query)
		if err != nil {
			m.logger.Warn("memory.embed_query_failed", "error", err.Error())
		} else {
			qvec = v
		}
	}

	m.mu.RLock()
	entries := append([]storedMemory(nil), m.scopes[scope]...)
	m.mu.RUnlock()

	type hit struct {
		mem   storedMemory
		score float64
	}

	var hits []hit

	for _, e := range entries {
		var score float64

		switch {
		case query == "":
			score = 1
		case qvec != nil && e.vector != nil:
			score = Cosine(qvec, e.vector)
		default:
			score = keywordScore(query, e.content)
		}

		if score <= 0 || score < m.opts.MinScore {
			continue
		}

		hits = append(hits, hit{mem: e, score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}

		return hits[i].mem.seq > hits[j].mem.seq
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]core.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = core.SearchResult{
			ID:       h.mem.id,
			Content:  h.mem.content,
			Score:    h.score,
			Metadata: maps.Clone(h.mem.metadata),
		}
	}

	return out, nil
}

// Delete implements core.MemoryBackend by dropping the whole scope.
func (m *InMemoryStore) Delete(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.scopes, scope)

	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64

	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// keywordScore is the fraction of query words contained in content.
func keywordScore(query, content string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}

	content = strings.ToLower(content)
	matched := 0

	for _, w := range words {
		if strings.Contains(content, w) {
			matched++
		}
	}

	return float64(matched) / float64(len(words))
}
