package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-fallback/internal/cache"
	"market-fallback/internal/config"
	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func quoteEntry(key, price string, written time.Time) cache.Entry {
	ts := written.Add(-time.Minute)
	return cache.Entry{
		Key: key,
		Record: normalize.Record{
			Operation: provider.OpMarketData,
			Ticker:    "SBER",
			LastPrice: decimal.NewNullDecimal(decimal.RequireFromString(price)),
			Currency:  "RUB",
			Timestamp: &ts,
			Source:    "moex",
		},
		Score:     0.92,
		WrittenAt: written,
	}
}

func TestSQLiteCacheRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	written := time.Date(2025, 8, 21, 10, 0, 0, 123, time.UTC)

	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("market_data:SBER", "280.15", written)))

	entries, err := st.LoadCacheEntries(ctx, written.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, "market_data:SBER", got.Key)
	assert.True(t, written.Equal(got.WrittenAt))
	assert.InDelta(t, 0.92, got.Score, 1e-9)
	assert.True(t, got.Record.LastPrice.Decimal.Equal(decimal.RequireFromString("280.15")))
	require.NotNil(t, got.Record.Timestamp)
	assert.True(t, written.Add(-time.Minute).Equal(*got.Record.Timestamp))
}

func TestSQLiteCacheKeepsNewestWrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	newer := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("k", "2", newer)))
	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("k", "1", newer.Add(-time.Hour))))

	entries, err := st.LoadCacheEntries(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].Record.LastPrice.Decimal.String())
}

func TestSQLiteCachePrune(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("old", "1", now.Add(-200*time.Hour))))
	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("new", "1", now)))

	n, err := st.DeleteCacheEntriesBefore(ctx, now.Add(-168*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := st.LoadCacheEntries(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Key)
}

func TestSQLiteWarmsCacheStore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveCacheEntry(ctx, quoteEntry("market_data:SBER", "280", now.Add(-2*time.Hour))))

	store := cache.New(cache.Options{Persister: st, Now: func() time.Time { return now }}, testLogger())
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	e, ok := store.Get("market_data:SBER")
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, e.Age(now))
}

func TestSQLiteSnapshots(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertSnapshots(ctx, []ProviderSnapshot{
		{Provider: "moex", TakenAt: t0, Status: "active", SuccessRate: 1, AvgLatency: 150 * time.Millisecond, Observations: 20, Requests: 10},
		{Provider: "cbr", TakenAt: t0, Status: "degraded", SuccessRate: 0.6, AvgLatency: time.Second, Observations: 10, RecentErrors: 4, Requests: 3, Failures: 1},
	}))
	require.NoError(t, st.InsertSnapshots(ctx, []ProviderSnapshot{
		{Provider: "moex", TakenAt: t0.Add(5 * time.Minute), Status: "active", SuccessRate: 1},
	}))

	between, err := st.ListSnapshotsBetween(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, between, 2)
	assert.Equal(t, "cbr", between[0].Provider)
	assert.Equal(t, time.Second, between[0].AvgLatency)
	assert.Equal(t, 4, between[0].RecentErrors)

	recent, err := st.ListRecentSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, t0.Add(5*time.Minute).Equal(recent[0].TakenAt))

	n, err := st.DeleteSnapshotsBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLiteIncidents(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertIncident(ctx, Incident{ID: "a", Provider: "moex", OpenedAt: t0, Failures: 6, LastError: "timeout"}))
	require.NoError(t, st.InsertIncident(ctx, Incident{ID: "b", Provider: "cbr", OpenedAt: t0.Add(time.Minute), Failures: 7}))

	n, err := st.ResolveIncidents(ctx, "moex", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = st.ResolveIncidents(ctx, "moex", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	incidents, err := st.ListRecentIncidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, "b", incidents[0].ID)
	assert.True(t, incidents[0].Open())
	require.NotNil(t, incidents[1].ResolvedAt)
	assert.True(t, t0.Add(2*time.Minute).Equal(*incidents[1].ResolvedAt))
	assert.Equal(t, "timeout", incidents[1].LastError)
}

func TestSQLiteAdvisoryLock(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	unlock, ok, err := st.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = st.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock()
	_, ok, err = st.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	backend, err := Open(ctx, config.DatabaseConfig{})
	require.NoError(t, err)
	assert.Nil(t, backend)

	backend, err = Open(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db"), AutoMigrate: true})
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()
	_, err = backend.ListRecentIncidents(ctx, 1)
	assert.NoError(t, err)

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
