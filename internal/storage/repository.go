package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"market-fallback/internal/cache"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS cache_entries (
        cache_key  TEXT PRIMARY KEY,
        record     JSONB NOT NULL,
        score      DOUBLE PRECISION NOT NULL,
        written_at TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_cache_entries_written_at ON cache_entries (written_at);

    CREATE TABLE IF NOT EXISTS provider_snapshots (
        id             BIGSERIAL PRIMARY KEY,
        provider       TEXT NOT NULL,
        taken_at       TIMESTAMPTZ NOT NULL,
        status         TEXT NOT NULL,
        success_rate   DOUBLE PRECISION NOT NULL,
        avg_latency_ms BIGINT NOT NULL,
        observations   INTEGER NOT NULL,
        recent_errors  INTEGER NOT NULL,
        requests       BIGINT NOT NULL,
        failures       BIGINT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_provider_snapshots_taken_at ON provider_snapshots (taken_at);

    CREATE TABLE IF NOT EXISTS incidents (
        id          TEXT PRIMARY KEY,
        provider    TEXT NOT NULL,
        opened_at   TIMESTAMPTZ NOT NULL,
        resolved_at TIMESTAMPTZ,
        failures    INTEGER NOT NULL,
        last_error  TEXT NOT NULL DEFAULT ''
    );
    CREATE INDEX IF NOT EXISTS idx_incidents_provider_open ON incidents (provider) WHERE resolved_at IS NULL;`

	upsertCacheEntrySQL = `INSERT INTO cache_entries (
        cache_key,
        record,
        score,
        written_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (cache_key) DO UPDATE
    SET
        record     = EXCLUDED.record,
        score      = EXCLUDED.score,
        written_at = EXCLUDED.written_at
    WHERE cache_entries.written_at <= EXCLUDED.written_at;`

	listCacheEntriesSQL = `SELECT
        cache_key,
        record,
        score,
        written_at
    FROM cache_entries
    WHERE written_at >= $1
    ORDER BY written_at;`

	deleteCacheEntriesBeforeSQL = `DELETE FROM cache_entries WHERE written_at < $1;`

	insertSnapshotSQL = `INSERT INTO provider_snapshots (
        provider,
        taken_at,
        status,
        success_rate,
        avg_latency_ms,
        observations,
        recent_errors,
        requests,
        failures
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listSnapshotsBetweenSQL = `SELECT
        provider,
        taken_at,
        status,
        success_rate,
        avg_latency_ms,
        observations,
        recent_errors,
        requests,
        failures
    FROM provider_snapshots
    WHERE taken_at >= $1
      AND taken_at < $2
    ORDER BY taken_at, provider;`

	listRecentSnapshotsSQL = `SELECT
        provider,
        taken_at,
        status,
        success_rate,
        avg_latency_ms,
        observations,
        recent_errors,
        requests,
        failures
    FROM provider_snapshots
    ORDER BY taken_at DESC, provider
    LIMIT $1;`

	deleteSnapshotsBeforeSQL = `DELETE FROM provider_snapshots WHERE taken_at < $1;`

	insertIncidentSQL = `INSERT INTO incidents (
        id,
        provider,
        opened_at,
        failures,
        last_error
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	resolveIncidentsSQL = `UPDATE incidents
    SET resolved_at = $2
    WHERE provider = $1
      AND resolved_at IS NULL;`

	listRecentIncidentsSQL = `SELECT
        id,
        provider,
        opened_at,
        resolved_at,
        failures,
        last_error
    FROM incidents
    ORDER BY opened_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// SnapshotStore defines operations for provider snapshot persistence.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snapshots []ProviderSnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]ProviderSnapshot, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]ProviderSnapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IncidentStore defines operations for incident auditing.
type IncidentStore interface {
	InsertIncident(ctx context.Context, incident Incident) error
	ResolveIncidents(ctx context.Context, provider string, at time.Time) (int64, error)
	ListRecentIncidents(ctx context.Context, limit int) ([]Incident, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is the full persistence surface used by the service and commands.
type Backend interface {
	cache.Persister
	SnapshotStore
	IncidentStore
	AdvisoryLocker
	Migrate(ctx context.Context) error
	Close()
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists cache entries, snapshots and incidents in PostgreSQL.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts a transaction scoped advisory lock. The lock is
// held until unlock ends the transaction.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	rollback := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tx.Rollback(ctxUnlock)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		rollback()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		rollback()
		return nil, false, nil
	}
	return rollback, true, nil
}

// SaveCacheEntry upserts a cache entry unless a newer write is stored.
func (s *Store) SaveCacheEntry(ctx context.Context, e cache.Entry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	record, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("marshal cache record: %w", err)
	}
	if _, execErr := pool.Exec(ctx, upsertCacheEntrySQL, e.Key, record, e.Score, e.WrittenAt.UTC()); execErr != nil {
		return fmt.Errorf("upsert cache entry: %w", execErr)
	}
	return nil
}

// LoadCacheEntries lists entries written at or after since, oldest first.
func (s *Store) LoadCacheEntries(ctx context.Context, since time.Time) ([]cache.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCacheEntriesSQL, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list cache entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]cache.Entry, 0)
	for rows.Next() {
		var (
			e      cache.Entry
			record []byte
		)
		if err := rows.Scan(&e.Key, &record, &e.Score, &e.WrittenAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(record, &e.Record); err != nil {
			return nil, fmt.Errorf("decode cache record %s: %w", e.Key, err)
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// DeleteCacheEntriesBefore removes entries written before cutoff.
func (s *Store) DeleteCacheEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteCacheEntriesBeforeSQL, cutoff.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete cache entries before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertSnapshots writes one round of provider snapshots in a transaction.
func (s *Store) InsertSnapshots(ctx context.Context, snapshots []ProviderSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	for _, snap := range snapshots {
		if _, err := tx.Exec(ctx, insertSnapshotSQL,
			snap.Provider,
			snap.TakenAt.UTC(),
			snap.Status,
			snap.SuccessRate,
			snap.AvgLatency.Milliseconds(),
			snap.Observations,
			snap.RecentErrors,
			snap.Requests,
			snap.Failures,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert snapshot %s: %w", snap.Provider, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]ProviderSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent snapshots, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]ProviderSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()
	return collectSnapshots(rows, limit)
}

// DeleteSnapshotsBefore trims snapshot history.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, cutoff.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertIncident persists a newly opened incident.
func (s *Store) InsertIncident(ctx context.Context, incident Incident) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertIncidentSQL,
		incident.ID,
		incident.Provider,
		incident.OpenedAt.UTC(),
		incident.Failures,
		incident.LastError,
	); execErr != nil {
		return fmt.Errorf("insert incident: %w", execErr)
	}
	return nil
}

// ResolveIncidents closes every open incident of provider.
func (s *Store) ResolveIncidents(ctx context.Context, provider string, at time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, resolveIncidentsSQL, provider, at.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("resolve incidents: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// ListRecentIncidents lists most recent incidents.
func (s *Store) ListRecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIncidentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent incidents: %w", queryErr)
	}
	defer rows.Close()

	incidents := make([]Incident, 0, limit)
	for rows.Next() {
		var (
			rec      Incident
			resolved sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Provider,
			&rec.OpenedAt,
			&resolved,
			&rec.Failures,
			&rec.LastError,
		); err != nil {
			return nil, err
		}
		if resolved.Valid {
			at := resolved.Time.UTC()
			rec.ResolvedAt = &at
		}
		incidents = append(incidents, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return incidents, nil
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]ProviderSnapshot, error) {
	snapshots := make([]ProviderSnapshot, 0, capacity)
	for rows.Next() {
		var (
			snap      ProviderSnapshot
			latencyMs int64
		)
		if err := rows.Scan(
			&snap.Provider,
			&snap.TakenAt,
			&snap.Status,
			&snap.SuccessRate,
			&latencyMs,
			&snap.Observations,
			&snap.RecentErrors,
			&snap.Requests,
			&snap.Failures,
		); err != nil {
			return nil, err
		}
		snap.AvgLatency = time.Duration(latencyMs) * time.Millisecond
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

var _ Backend = (*Store)(nil)
