// Package redis provides a core.OrchestrationStore backed by Redis.
// Constellations and runs are stored as JSON strings and indexed by a set
// per entity. Runs expire after RunTTL; expired ids are pruned from the
// index lazily by ListRuns.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/store"
)

// Options configure the store.
type Options struct {
	// KeyPrefix namespaces every key (default "starmesh:").
	KeyPrefix string
	// RunTTL is applied to run keys on every save (0 keeps runs forever).
	RunTTL time.Duration
	// MaxRetries bounds optimistic transaction retries in SaveRun.
	MaxRetries int
}

// Store implements core.OrchestrationStore.
type Store struct {
	client redis.UniversalClient
	opts   Options
}

// New creates a store on top of an existing client.
func New(client redis.UniversalClient, optFns ...func(o *Options)) *Store {
	opts := Options{
		KeyPrefix:  "starmesh:",
		RunTTL:     7 * 24 * time.Hour,
		MaxRetries: 5,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{client: client, opts: opts}
}

// Open parses a redis:// URL, connects and verifies the connection.
func Open(ctx context.Context, url string, optFns ...func(o *Options)) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, optFns...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(entity, id string) string { return s.opts.KeyPrefix + entity + ":" + id }

func (s *Store) index(entity string) string { return s.opts.KeyPrefix + entity + "s" }

// SaveConstellation implements core.OrchestrationStore.
func (s *Store) SaveConstellation(ctx context.Context, c *core.Constellation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode constellation %s: %w", c.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key("constellation", c.ID), data, 0)
		p.SAdd(ctx, s.index("constellation"), c.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save constellation %s: %w", c.ID, err)
	}

	return nil
}

// GetConstellation implements core.OrchestrationStore.
func (s *Store) GetConstellation(ctx context.Context, id string) (*core.Constellation, error) {
	var c core.Constellation
	if err := s.get(ctx, "constellation", id, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// ListConstellations implements core.OrchestrationStore, ordered by id.
func (s *Store) ListConstellations(ctx context.Context) ([]*core.Constellation, error) {
	out, err := listAll[core.Constellation](ctx, s, "constellation")
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// DeleteConstellation implements core.OrchestrationStore.
func (s *Store) DeleteConstellation(ctx context.Context, id string) error {
	return s.delete(ctx, "constellation", id)
}

// SaveRun implements core.OrchestrationStore. The stored run is watched so
// the terminal status guard holds against concurrent writers.
func (s *Store) SaveRun(ctx context.Context, r *core.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}

	key := s.key("run", r.ID)

	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		if err == nil {
			var old core.Run
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("failed to decode stored run %s: %w", r.ID, err)
			}

			if err := store.CheckRunWrite(&old, r); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.opts.RunTTL)
			p.SAdd(ctx, s.index("run"), r.ID)

			return nil
		})

		return err
	}

	for i := 0; i <= s.opts.MaxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	if err != nil {
		if errors.Is(err, core.ErrStaleWrite) {
			return err
		}

		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}

	return nil
}

// GetRun implements core.OrchestrationStore.
func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var r core.Run
	if err := s.get(ctx, "run", id, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// ListRuns implements core.OrchestrationStore, ordered by start time.
func (s *Store) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	all, err := listAll[core.Run](ctx, s, "run")
	if err != nil {
		return nil, err
	}

	out := all[:0]

	for _, r := range all {
		if filter.Match(r) {
			out = append(out, r)
		}
	}

	store.SortRuns(out)

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out, nil
}

// DeleteRun implements core.OrchestrationStore.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.delete(ctx, "run", id)
}

func (s *Store) get(ctx context.Context, entity, id string, dst any) error {
	data, err := s.client.Get(ctx, s.key(entity, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.NotFound(entity, id)
	}

	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", entity, id, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", entity, id, err)
	}

	return nil
}

func (s *Store) delete(ctx context.Context, entity, id string) error {
	var del *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.key(entity, id))
		p.SRem(ctx, s.index(entity), id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entity, id, err)
	}

	if del.Val() == 0 {
		return store.NotFound(entity, id)
	}

	return nil
}

// listAll loads every indexed entity. Ids whose key has expired are
// removed from the index.
func listAll[T any](ctx context.Context, s *Store, entity string) ([]*T, error) {
	ids, err := s.client.SMembers(ctx, s.index(entity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", entity, err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(entity, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %ss: %w", entity, err)
	}

	var (
		out   []*T
		stale []any
	)

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}

		item := new(T)
		if err := json.Unmarshal([]byte(raw), item); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", entity, ids[i], err)
		}

		out = append(out, item)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.index(entity), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune %s index: %w", entity, err)
		}
	}

	return out, nil
}
