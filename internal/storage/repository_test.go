package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-fallback/internal/cache"
	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewStore(mock), mock
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.LoadCacheEntries(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_entries").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCacheEntry(t *testing.T) {
	s, mock := newMockStore(t)
	written := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	entry := cache.Entry{
		Key:       "market_data:SBER",
		Record:    normalize.Record{Operation: provider.OpMarketData, Ticker: "SBER", LastPrice: decimal.NewNullDecimal(decimal.RequireFromString("101.5")), Source: "moex"},
		Score:     0.9,
		WrittenAt: written,
	}
	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs("market_data:SBER", pgxmock.AnyArg(), 0.9, written).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveCacheEntry(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCacheEntries(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	written := since.Add(48 * time.Hour)
	record := []byte(`{"operation":"market_data","ticker":"SBER","last_price":"101.5","timestamp":null,"source":"moex"}`)

	mock.ExpectQuery("FROM cache_entries").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"cache_key", "record", "score", "written_at"}).
			AddRow("market_data:SBER", record, 0.9, written))

	entries, err := s.LoadCacheEntries(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "market_data:SBER", entries[0].Key)
	assert.Equal(t, "SBER", entries[0].Record.Ticker)
	assert.True(t, entries[0].Record.LastPrice.Decimal.Equal(decimal.RequireFromString("101.5")))
	assert.InDelta(t, 0.9, entries[0].Score, 1e-9)
	assert.True(t, written.Equal(entries[0].WrittenAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCacheEntriesBadRecord(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM cache_entries").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"cache_key", "record", "score", "written_at"}).
			AddRow("k", []byte(`{not json`), 0.9, since))

	_, err := s.LoadCacheEntries(context.Background(), since)
	assert.ErrorContains(t, err, "decode cache record k")
}

func TestDeleteCacheEntriesBefore(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM cache_entries").WithArgs(cutoff).WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteCacheEntriesBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshotsCommits(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	snaps := []ProviderSnapshot{
		{Provider: "moex", TakenAt: at, Status: "active", SuccessRate: 1, AvgLatency: 120 * time.Millisecond, Observations: 20, Requests: 40},
		{Provider: "cbr", TakenAt: at, Status: "degraded", SuccessRate: 0.6, AvgLatency: 2 * time.Second, Observations: 5, RecentErrors: 2, Requests: 7, Failures: 2},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO provider_snapshots").
		WithArgs("moex", at, "active", 1.0, int64(120), 20, 0, int64(40), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO provider_snapshots").
		WithArgs("cbr", at, "degraded", 0.6, int64(2000), 5, 2, int64(7), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertSnapshots(context.Background(), snaps))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshotsRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO provider_snapshots").
		WithArgs("moex", at, "active", 1.0, int64(0), 0, 0, int64(0), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO provider_snapshots").
		WithArgs("cbr", at, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.InsertSnapshots(context.Background(), []ProviderSnapshot{
		{Provider: "moex", TakenAt: at, Status: "active", SuccessRate: 1},
		{Provider: "cbr", TakenAt: at},
	})
	assert.ErrorContains(t, err, "insert snapshot cbr")
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshotsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	require.NoError(t, s.InsertSnapshots(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentSnapshots(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM provider_snapshots").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "taken_at", "status", "success_rate", "avg_latency_ms", "observations", "recent_errors", "requests", "failures"}).
			AddRow("moex", at, "active", 0.95, int64(250), 20, 1, int64(100), int64(5)))

	snaps, err := s.ListRecentSnapshots(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 250*time.Millisecond, snaps[0].AvgLatency)
	assert.Equal(t, int64(5), snaps[0].Failures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncidentLifecycle(t *testing.T) {
	s, mock := newMockStore(t)
	opened := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	resolved := opened.Add(5 * time.Minute)

	mock.ExpectExec("INSERT INTO incidents").
		WithArgs("inc-1", "moex", opened, 6, "moex: timeout").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE incidents").
		WithArgs("moex", resolved).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM incidents").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "provider", "opened_at", "resolved_at", "failures", "last_error"}).
			AddRow("inc-1", "moex", opened, resolved, 6, "moex: timeout"))

	ctx := context.Background()
	require.NoError(t, s.InsertIncident(ctx, Incident{ID: "inc-1", Provider: "moex", OpenedAt: opened, Failures: 6, LastError: "moex: timeout"}))
	n, err := s.ResolveIncidents(ctx, "moex", resolved)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	incidents, err := s.ListRecentIncidents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.NotNil(t, incidents[0].ResolvedAt)
	assert.True(t, resolved.Equal(*incidents[0].ResolvedAt))
	assert.False(t, incidents[0].Open())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAdvisoryLock(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	unlock, acquired, err := s.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryAdvisoryLockBusy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	unlock, acquired, err := s.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Nil(t, unlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}
