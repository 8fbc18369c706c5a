package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_GetAbsent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache`).
		WithArgs("12-3456789", "crawl").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.Get(context.Background(), "12-3456789", "crawl")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT ein, phase, fingerprint, last_run_at, cost_usd FROM phase_cache`).
		WithArgs("12-3456789", "crawl").
		WillReturnRows(pgxmock.NewRows([]string{"ein", "phase", "fingerprint", "last_run_at", "cost_usd"}).
			AddRow("12-3456789", "crawl", "abc123", now, 0.42))

	entry, err := s.Get(context.Background(), "12-3456789", "crawl")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "abc123", entry.Fingerprint)
	assert.InDelta(t, 0.42, entry.CostUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO phase_cache .+ ON CONFLICT \(ein, phase\) DO UPDATE SET`).
		WithArgs("12-3456789", "crawl", "abc123", pgxmock.AnyArg(), 0.42).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.Upsert(context.Background(), "12-3456789", "crawl", "abc123", 0.42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteIdempotent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM phase_cache WHERE ein = \$1 AND phase = \$2`).
		WithArgs("12-3456789", "crawl").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	// Zero rows affected is not an error.
	err := s.Delete(context.Background(), "12-3456789", "crawl")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletePhaseTransaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM phase_cache WHERE ein = \$1 AND phase = ANY\(\$2\)`).
		WithArgs("12-3456789", []string{"baseline", "rich"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO phase_cache .+ ON CONFLICT \(ein, phase\) DO UPDATE SET`).
		WithArgs("12-3456789", "synthesize", "new", pgxmock.AnyArg(), 1.5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CompletePhase(context.Background(), "12-3456789", "synthesize", "new", 1.5, []string{"baseline", "rich"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompletePhaseRollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM phase_cache`).
		WithArgs("12-3456789", []string{"rich"}).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.CompletePhase(context.Background(), "12-3456789", "baseline", "fp", 0, []string{"rich"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO retry_state .+ RETURNING failures`).
		WithArgs("12-3456789", "website", pgxmock.AnyArg(), "timeout").
		WillReturnRows(pgxmock.NewRows([]string{"failures"}).AddRow(3))

	n, err := s.RecordFailure(context.Background(), "12-3456789", "website", "timeout")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
