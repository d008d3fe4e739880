// Package postgres provides a core.CoreStore and core.OrchestrationStore
// backed by PostgreSQL. Every entity is stored as a JSONB document next to
// the columns used for filtering. The terminal status guard of SaveRun is
// enforced inside the upsert so concurrent writers cannot resurrect a
// finished run.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/store"
)

// Options configure the store.
type Options struct {
	// TablePrefix is prepended to every table name (default "starmesh_").
	TablePrefix string
}

// Store implements core.CoreStore and core.OrchestrationStore.
type Store struct {
	db     *sql.DB
	prefix string
}

// New wraps an open database handle.
func New(db *sql.DB, optFns ...func(o *Options)) *Store {
	opts := Options{TablePrefix: "starmesh_"}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{db: db, prefix: opts.TablePrefix}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, optFns ...func(o *Options)) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return New(db, optFns...), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) table(name string) string {
	return pq.QuoteIdentifier(s.prefix + name)
}

// Schema returns the DDL creating every table used by the store.
func (s *Store) Schema() string {
	var b strings.Builder

	for _, name := range []string{"directives", "stars", "constellations"} {
		fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, s.table(name))
	}

	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	constellation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	data JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (status, updated_at);
`, s.table("runs"), pq.QuoteIdentifier(s.prefix+"runs_status_idx"))

	return b.String()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.Schema()); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

// SaveDirective implements core.CoreStore.
func (s *Store) SaveDirective(ctx context.Context, d *core.Directive) error {
	return s.upsert(ctx, "directives", d.ID, d)
}

// GetDirective implements core.CoreStore.
func (s *Store) GetDirective(ctx context.Context, id string) (*core.Directive, error) {
	var d core.Directive
	if err := s.get(ctx, "directives", "directive", id, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// ListDirectives implements core.CoreStore.
func (s *Store) ListDirectives(ctx context.Context) ([]*core.Directive, error) {
	return list[core.Directive](ctx, s, "directives")
}

// DeleteDirective implements core.CoreStore.
func (s *Store) DeleteDirective(ctx context.Context, id string) error {
	return s.delete(ctx, "directives", "directive", id)
}

// SaveStar implements core.CoreStore.
func (s *Store) SaveStar(ctx context.Context, st *core.Star) error {
	return s.upsert(ctx, "stars", st.ID, st)
}

// GetStar implements core.CoreStore.
func (s *Store) GetStar(ctx context.Context, id string) (*core.Star, error) {
	var st core.Star
	if err := s.get(ctx, "stars", "star", id, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// ListStars implements core.CoreStore.
func (s *Store) ListStars(ctx context.Context) ([]*core.Star, error) {
	return list[core.Star](ctx, s, "stars")
}

// DeleteStar implements core.CoreStore.
func (s *Store) DeleteStar(ctx context.Context, id string) error {
	return s.delete(ctx, "stars", "star", id)
}

// SaveConstellation implements core.OrchestrationStore.
func (s *Store) SaveConstellation(ctx context.Context, c *core.Constellation) error {
	return s.upsert(ctx, "constellations", c.ID, c)
}

// GetConstellation implements core.OrchestrationStore.
func (s *Store) GetConstellation(ctx context.Context, id string) (*core.Constellation, error) {
	var c core.Constellation
	if err := s.get(ctx, "constellations", "constellation", id, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// ListConstellations implements core.OrchestrationStore.
func (s *Store) ListConstellations(ctx context.Context) ([]*core.Constellation, error) {
	return list[core.Constellation](ctx, s, "constellations")
}

// DeleteConstellation implements core.OrchestrationStore.
func (s *Store) DeleteConstellation(ctx context.Context, id string) error {
	return s.delete(ctx, "constellations", "constellation", id)
}

// SaveRun implements core.OrchestrationStore. The update is skipped when the
// stored run is terminal and r carries a different status, which is
// reported as core.ErrStaleWrite.
func (s *Store) SaveRun(ctx context.Context, r *core.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}

	t := s.table("runs")
	query := fmt.Sprintf(`INSERT INTO %[1]s (id, constellation_id, status, data, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	constellation_id = EXCLUDED.constellation_id,
	status = EXCLUDED.status,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.status NOT IN (%[2]s) OR %[1]s.status = EXCLUDED.status`, t, terminalStatuses)

	res, err := s.db.ExecContext(ctx, query, r.ID, r.ConstellationID, string(r.Status), data, r.StartedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.ID, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: run %s", core.ErrStaleWrite, r.ID)
	}

	return nil
}

var terminalStatuses = fmt.Sprintf("'%s', '%s', '%s'", core.RunStatusCompleted, core.RunStatusFailed, core.RunStatusCancelled)

// GetRun implements core.OrchestrationStore.
func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	var r core.Run
	if err := s.get(ctx, "runs", "run", id, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// ListRuns implements core.OrchestrationStore. Runs are ordered by start
// time, oldest first.
func (s *Store) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	var (
		where []string
		args  []any
	)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	if filter.ConstellationID != "" {
		args = append(args, filter.ConstellationID)
		where = append(where, fmt.Sprintf("constellation_id = $%d", len(args)))
	}

	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := "SELECT data FROM " + s.table("runs")
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY started_at, id"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return scan[core.Run](ctx, s.db, query, args...)
}

// DeleteRun implements core.OrchestrationStore.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	return s.delete(ctx, "runs", "run", id)
}

func (s *Store) upsert(ctx context.Context, table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, s.table(table))

	if _, err := s.db.ExecContext(ctx, query, id, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", id, err)
	}

	return nil
}

func (s *Store) get(ctx context.Context, table, entity, id string, dst any) error {
	var data []byte

	err := s.db.QueryRowContext(ctx, "SELECT data FROM "+s.table(table)+" WHERE id = $1", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *Store) delete(ctx context.Context, table, entity, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table(table)+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entity, id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.NotFound(entity, id)
	}

	return nil
}

func list[T any](ctx context.Context, s *Store, table string) ([]*T, error) {
	return scan[T](ctx, s.db, "SELECT data FROM "+s.table(table)+" ORDER BY id")
}

func scan[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []*T

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return out, nil
}
