// Package postgres keeps capability results in PostgreSQL, one namespace per
// run, for deployments where several engine processes share a database.
//
// Store accepts an externally-owned *pgxpool.Pool. The caller creates and
// closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/turnflow"
)

const opTimeout = 5 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for failed cache operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTable overrides the table name (default "turnflow_tool_results").
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// Store is a PostgreSQL table of per-run capability results.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// New creates a Store using an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, table: "turnflow_tool_results", logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the results table and its index.
func (s *Store) Init(ctx context.Context) error {
	tbl := pgx.Identifier{s.table}.Sanitize()
	idx := pgx.Identifier{s.table + "_created_idx"}.Sanitize()
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (run_id, cache_key)
		)`, tbl),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`, idx, tbl),
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// NewRun returns a ResultStore for one run.
func (s *Store) NewRun() turnflow.ResultStore {
	return &runStore{s: s, runID: turnflow.NewID()}
}

// Results returns the cached results of one run keyed by cache key.
func (s *Store) Results(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT cache_key, content FROM %s WHERE run_id = $1`, s.ident()), runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: results: %w", err)
	}
	out := make(map[string]string)
	var k, v string
	_, err = pgx.ForEachRow(rows, []any{&k, &v}, func() error {
		out[k] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: results: %w", err)
	}
	return out, nil
}

// Prune deletes results older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.ident()), time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ident() string { return pgx.Identifier{s.table}.Sanitize() }

type runStore struct {
	s     *Store
	runID string
}

func (r *runStore) RunID() string { return r.runID }

func (r *runStore) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var content string
	err := r.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT content FROM %s WHERE run_id = $1 AND cache_key = $2`, r.s.ident()),
		r.runID, key).Scan(&content)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.s.logger.Warn("postgres: cache get failed", "run_id", r.runID, "error", err)
		}
		return "", false
	}
	return content, true
}

func (r *runStore) Put(key, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := r.s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (run_id, cache_key, content) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, cache_key) DO UPDATE SET content = EXCLUDED.content, created_at = now()`, r.s.ident()),
		r.runID, key, content)
	if err != nil {
		r.s.logger.Warn("postgres: cache put failed", "run_id", r.runID, "error", err)
	}
}

func (r *runStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var n int
	err := r.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE run_id = $1`, r.s.ident()), r.runID).Scan(&n)
	if err != nil {
		r.s.logger.Warn("postgres: cache len failed", "run_id", r.runID, "error", err)
		return 0
	}
	return n
}

func (r *runStore) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := r.s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, r.s.ident()), r.runID); err != nil {
		r.s.logger.Warn("postgres: cache reset failed", "run_id", r.runID, "error", err)
	}
}

var _ turnflow.ResultStore = (*runStore)(nil)
