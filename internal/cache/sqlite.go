package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS phase_cache (
	ein         TEXT NOT NULL,
	phase       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	last_run_at DATETIME NOT NULL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (ein, phase)
);

CREATE TABLE IF NOT EXISTS retry_state (
	ein             TEXT NOT NULL,
	source          TEXT NOT NULL,
	failures        INTEGER NOT NULL DEFAULT 0,
	last_failure_at DATETIME NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (ein, source)
);

CREATE INDEX IF NOT EXISTS idx_phase_cache_phase ON phase_cache(phase);
CREATE INDEX IF NOT EXISTS idx_retry_state_source ON retry_state(source);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, ein, phase string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache WHERE ein = ? AND phase = ?`,
		ein, phase,
	)
	var e model.CacheEntry
	err := row.Scan(&e.EIN, &e.Phase, &e.Fingerprint, &e.LastRunAt, &e.CostUSD)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s/%s", ein, phase)
	}
	return &e, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, ein, phase, fingerprint string, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, upsertSQLite, ein, phase, fingerprint, time.Now().UTC(), costUSD)
	return eris.Wrapf(err, "sqlite: upsert %s/%s", ein, phase)
}

// Single conditional write: readers never observe the key as absent between
// a delete and a re-insert.
const upsertSQLite = `
INSERT INTO phase_cache (ein, phase, fingerprint, last_run_at, cost_usd)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (ein, phase) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	last_run_at = excluded.last_run_at,
	cost_usd    = excluded.cost_usd`

func (s *SQLiteStore) Delete(ctx context.Context, ein, phase string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM phase_cache WHERE ein = ? AND phase = ?`, ein, phase)
	return eris.Wrapf(err, "sqlite: delete %s/%s", ein, phase)
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, ein, phase, fingerprint string, costUSD float64, downstream []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin complete-phase tx")
	}
	defer tx.Rollback()

	// Cascade first: if we crash mid-way the upstream row is missing too,
	// which reads as "upstream did not yet succeed" on the next run.
	for _, d := range downstream {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM phase_cache WHERE ein = ? AND phase = ?`, ein, d); err != nil {
			return eris.Wrapf(err, "sqlite: cascade delete %s/%s", ein, d)
		}
	}
	if _, err := tx.ExecContext(ctx, upsertSQLite, ein, phase, fingerprint, time.Now().UTC(), costUSD); err != nil {
		return eris.Wrapf(err, "sqlite: complete-phase upsert %s/%s", ein, phase)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit complete-phase tx")
}

func (s *SQLiteStore) Entries(ctx context.Context, ein string) ([]model.CacheEntry, error) {
	return s.queryEntries(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache WHERE ein = ? ORDER BY phase`, ein)
}

func (s *SQLiteStore) AllEntries(ctx context.Context) ([]model.CacheEntry, error) {
	return s.queryEntries(ctx,
		`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache ORDER BY ein, phase`)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]model.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var entries []model.CacheEntry
	for rows.Next() {
		var e model.CacheEntry
		if err := rows.Scan(&e.EIN, &e.Phase, &e.Fingerprint, &e.LastRunAt, &e.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate entries")
}

func (s *SQLiteStore) ListEINs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ein FROM phase_cache ORDER BY ein`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list eins")
	}
	defer rows.Close()

	var eins []string
	for rows.Next() {
		var ein string
		if err := rows.Scan(&ein); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ein")
		}
		eins = append(eins, ein)
	}
	return eins, eris.Wrap(rows.Err(), "sqlite: iterate eins")
}

func (s *SQLiteStore) GetRetry(ctx context.Context, ein, source string) (*model.RetryState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ein, source, failures, last_failure_at, last_error FROM retry_state WHERE ein = ? AND source = ?`,
		ein, source,
	)
	var r model.RetryState
	err := row.Scan(&r.EIN, &r.Source, &r.Failures, &r.LastFailureAt, &r.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get retry %s/%s", ein, source)
	}
	return &r, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, ein, source, lastError string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO retry_state (ein, source, failures, last_failure_at, last_error)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (ein, source) DO UPDATE SET
	failures        = failures + 1,
	last_failure_at = excluded.last_failure_at,
	last_error      = excluded.last_error
RETURNING failures`,
		ein, source, time.Now().UTC(), lastError)

	var failures int
	if err := row.Scan(&failures); err != nil {
		return 0, eris.Wrapf(err, "sqlite: record failure %s/%s", ein, source)
	}
	return failures, nil
}

func (s *SQLiteStore) ResetRetry(ctx context.Context, ein, source, marker string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retry_state (ein, source, failures, last_failure_at, last_error)
VALUES (?, ?, 0, ?, ?)
ON CONFLICT (ein, source) DO UPDATE SET
	failures   = 0,
	last_error = excluded.last_error`,
		ein, source, time.Now().UTC(), marker)
	return eris.Wrapf(err, "sqlite: reset retry %s/%s", ein, source)
}

func (s *SQLiteStore) ListRetries(ctx context.Context) ([]model.RetryState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ein, source, failures, last_failure_at, last_error FROM retry_state ORDER BY ein, source`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retries")
	}
	defer rows.Close()

	var states []model.RetryState
	for rows.Next() {
		var r model.RetryState
		if err := rows.Scan(&r.EIN, &r.Source, &r.Failures, &r.LastFailureAt, &r.LastError); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry state")
		}
		states = append(states, r)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: iterate retries")
}
