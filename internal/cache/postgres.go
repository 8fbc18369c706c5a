package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS phase_cache (
	ein         TEXT NOT NULL,
	phase       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	last_run_at TIMESTAMPTZ NOT NULL,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (ein, phase)
);

CREATE TABLE IF NOT EXISTS retry_state (
	ein             TEXT NOT NULL,
	source          TEXT NOT NULL,
	failures        INTEGER NOT NULL DEFAULT 0,
	last_failure_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (ein, source)
);

CREATE INDEX IF NOT EXISTS idx_phase_cache_phase ON phase_cache(phase);
CREATE INDEX IF NOT EXISTS idx_retry_state_source ON retry_state(source);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ein, phase string) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache WHERE ein = $1 AND phase = $2`,
		ein, phase,
	)
	var e model.CacheEntry
	err := row.Scan(&e.EIN, &e.Phase, &e.Fingerprint, &e.LastRunAt, &e.CostUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s/%s", ein, phase)
	}
	return &e, nil
}

const upsertPostgres = `
INSERT INTO phase_cache (ein, phase, fingerprint, last_run_at, cost_usd)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ein, phase) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	last_run_at = EXCLUDED.last_run_at,
	cost_usd    = EXCLUDED.cost_usd`

func (s *PostgresStore) Upsert(ctx context.Context, ein, phase, fingerprint string, costUSD float64) error {
	_, err := s.pool.Exec(ctx, upsertPostgres, ein, phase, fingerprint, time.Now().UTC(), costUSD)
	return eris.Wrapf(err, "postgres: upsert %s/%s", ein, phase)
}

func (s *PostgresStore) Delete(ctx context.Context, ein, phase string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM phase_cache WHERE ein = $1 AND phase = $2`, ein, phase)
	return eris.Wrapf(err, "postgres: delete %s/%s", ein, phase)
}

func (s *PostgresStore) CompletePhase(ctx context.Context, ein, phase, fingerprint string, costUSD float64, downstream []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin complete-phase tx")
	}
	defer tx.Rollback(ctx)

	if len(downstream) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM phase_cache WHERE ein = $1 AND phase = ANY($2)`, ein, downstream); err != nil {
			return eris.Wrapf(err, "postgres: cascade delete for %s", ein)
		}
	}
	if _, err := tx.Exec(ctx, upsertPostgres, ein, phase, fingerprint, time.Now().UTC(), costUSD); err != nil {
		return eris.Wrapf(err, "postgres: complete-phase upsert %s/%s", ein, phase)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit complete-phase tx")
}

func (s *PostgresStore) Entries(ctx context.Context, ein string) ([]model.CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache WHERE ein = $1 ORDER BY phase`, ein)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	return scanEntries(rows)
}

func (s *PostgresStore) AllEntries(ctx context.Context) ([]model.CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache ORDER BY ein, phase`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list all entries")
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]model.CacheEntry, error) {
	defer rows.Close()
	var entries []model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		if err := rows.Scan(&e.EIN, &e.Phase, &e.Fingerprint, &e.LastRunAt, &e.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate entries")
}

func (s *PostgresStore) ListEINs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ein FROM phase_cache ORDER BY ein`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list eins")
	}
	defer rows.Close()

	var eins []string
	for rows.Next() {
		var ein string
		if err := rows.Scan(&ein); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ein")
		}
		eins = append(eins, ein)
	}
	return eins, eris.Wrap(rows.Err(), "postgres: iterate eins")
}

func (s *PostgresStore) GetRetry(ctx context.Context, ein, source string) (*model.RetryState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ein, source, failures, last_failure_at, last_error FROM retry_state WHERE ein = $1 AND source = $2`,
		ein, source,
	)
	var r model.RetryState
	err := row.Scan(&r.EIN, &r.Source, &r.Failures, &r.LastFailureAt, &r.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get retry %s/%s", ein, source)
	}
	return &r, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, ein, source, lastError string) (int, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO retry_state (ein, source, failures, last_failure_at, last_error)
VALUES ($1, $2, 1, $3, $4)
ON CONFLICT (ein, source) DO UPDATE SET
	failures        = retry_state.failures + 1,
	last_failure_at = EXCLUDED.last_failure_at,
	last_error      = EXCLUDED.last_error
RETURNING failures`,
		ein, source, time.Now().UTC(), lastError)

	var failures int
	if err := row.Scan(&failures); err != nil {
		return 0, eris.Wrapf(err, "postgres: record failure %s/%s", ein, source)
	}
	return failures, nil
}

func (s *PostgresStore) ResetRetry(ctx context.Context, ein, source, marker string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO retry_state (ein, source, failures, last_failure_at, last_error)
VALUES ($1, $2, 0, $3, $4)
ON CONFLICT (ein, source) DO UPDATE SET
	failures   = 0,
	last_error = EXCLUDED.last_error`,
		ein, source, time.Now().UTC(), marker)
	return eris.Wrapf(err, "postgres: reset retry %s/%s", ein, source)
}

func (s *PostgresStore) ListRetries(ctx context.Context) ([]model.RetryState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ein, source, failures, last_failure_at, last_error FROM retry_state ORDER BY ein, source`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retries")
	}
	defer rows.Close()

	var states []model.RetryState
	for rows.Next() {
		var r model.RetryState
		if err := rows.Scan(&r.EIN, &r.Source, &r.Failures, &r.LastFailureAt, &r.LastError); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry state")
		}
		states = append(states, r)
	}
	return states, eris.Wrap(rows.Err(), "postgres: iterate retries")
}
