// Package sqlite keeps capability results in a local SQLite file. Each run
// gets its own namespace, so the engine still sees a run-scoped cache while
// the file keeps every run's results for inspection. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/turnflow"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// opTimeout bounds each statement issued through the ResultStore interface,
// which carries no context.
const opTimeout = 5 * time.Second

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. Failed cache reads and
// writes are logged at warn level; they never fail a run.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is a SQLite file of per-run capability results.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var nopLogger = slog.New(slog.DiscardHandler)

// New opens the SQLite file at dbPath. All goroutines share one connection so
// concurrent tool workers never hit SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the results table.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tool_results (
			run_id TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, cache_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_results_created ON tool_results(created_at)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// NewRun returns a ResultStore for one run. Pass it to turnflow.WithResultStore:
//
//	engine := turnflow.New(llm, reg, turnflow.WithResultStore(store.NewRun))
func (s *Store) NewRun() turnflow.ResultStore {
	return &runStore{s: s, runID: turnflow.NewID()}
}

// Results returns the cached results of one run keyed by cache key.
func (s *Store) Results(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key, content FROM tool_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: results: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Prune deletes results older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_results WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	return res.RowsAffected()
}

type runStore struct {
	s     *Store
	runID string
}

// RunID returns the namespace the run's results are stored under.
func (r *runStore) RunID() string { return r.runID }

func (r *runStore) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var content string
	err := r.s.db.QueryRowContext(ctx,
		`SELECT content FROM tool_results WHERE run_id = ? AND cache_key = ?`, r.runID, key).Scan(&content)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.s.logger.Warn("sqlite: cache get failed", "run_id", r.runID, "error", err)
		}
		return "", false
	}
	return content, true
}

func (r *runStore) Put(key, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO tool_results (run_id, cache_key, content, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, cache_key) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		r.runID, key, content, time.Now().Unix())
	if err != nil {
		r.s.logger.Warn("sqlite: cache put failed", "run_id", r.runID, "error", err)
	}
}

func (r *runStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var n int
	if err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tool_results WHERE run_id = ?`, r.runID).Scan(&n); err != nil {
		r.s.logger.Warn("sqlite: cache len failed", "run_id", r.runID, "error", err)
		return 0
	}
	return n
}

func (r *runStore) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := r.s.db.ExecContext(ctx, `DELETE FROM tool_results WHERE run_id = ?`, r.runID); err != nil {
		r.s.logger.Warn("sqlite: cache reset failed", "run_id", r.runID, "error", err)
	}
}

var _ turnflow.ResultStore = (*runStore)(nil)
