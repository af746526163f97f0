package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"market-fallback/internal/cache"
)

// SQLiteStore implements Backend on a local modernc.org/sqlite file.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[int64]struct{}
}

// NewSQLite opens a SQLite database at path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db, locks: make(map[int64]struct{})}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	score      REAL NOT NULL,
	written_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_written_at ON cache_entries(written_at);

CREATE TABLE IF NOT EXISTS provider_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	provider       TEXT NOT NULL,
	taken_at       INTEGER NOT NULL,
	status         TEXT NOT NULL,
	success_rate   REAL NOT NULL,
	avg_latency_ms INTEGER NOT NULL,
	observations   INTEGER NOT NULL,
	recent_errors  INTEGER NOT NULL,
	requests       INTEGER NOT NULL,
	failures       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provider_snapshots_taken_at ON provider_snapshots(taken_at);

CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	opened_at   INTEGER NOT NULL,
	resolved_at INTEGER,
	failures    INTEGER NOT NULL,
	last_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_incidents_provider ON incidents(provider);
`

// Migrate creates the tables when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// TryAdvisoryLock emulates a postgres advisory lock within this process; a
// SQLite file has a single writer process.
func (s *SQLiteStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, false, nil
	}
	s.locks[key] = struct{}{}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}
	return unlock, true, nil
}

func (s *SQLiteStore) SaveCacheEntry(ctx context.Context, e cache.Entry) error {
	record, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("sqlite: marshal cache record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, record, score, written_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
			record = excluded.record,
			score = excluded.score,
			written_at = excluded.written_at
		 WHERE cache_entries.written_at <= excluded.written_at`,
		e.Key, string(record), e.Score, toNanos(e.WrittenAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCacheEntries(ctx context.Context, since time.Time) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key, record, score, written_at FROM cache_entries WHERE written_at >= ? ORDER BY written_at`,
		toNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]cache.Entry, 0)
	for rows.Next() {
		var (
			e       cache.Entry
			record  string
			written int64
		)
		if err := rows.Scan(&e.Key, &record, &e.Score, &written); err != nil {
			return nil, fmt.Errorf("sqlite: scan cache entry: %w", err)
		}
		if err := json.Unmarshal([]byte(record), &e.Record); err != nil {
			return nil, fmt.Errorf("sqlite: decode cache record %s: %w", e.Key, err)
		}
		e.WrittenAt = fromNanos(written)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteCacheEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE written_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InsertSnapshots(ctx context.Context, snapshots []ProviderSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	for _, snap := range snapshots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_snapshots (provider, taken_at, status, success_rate, avg_latency_ms, observations, recent_errors, requests, failures)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.Provider, toNanos(snap.TakenAt), snap.Status, snap.SuccessRate, snap.AvgLatency.Milliseconds(),
			snap.Observations, snap.RecentErrors, snap.Requests, snap.Failures,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: insert snapshot %s: %w", snap.Provider, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit snapshots: %w", err)
	}
	return nil
}

const sqliteSnapshotColumns = `provider, taken_at, status, success_rate, avg_latency_ms, observations, recent_errors, requests, failures`

func (s *SQLiteStore) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]ProviderSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSnapshotColumns+` FROM provider_snapshots WHERE taken_at >= ? AND taken_at < ? ORDER BY taken_at, provider`,
		toNanos(from), toNanos(to),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots between: %w", err)
	}
	defer rows.Close()
	return scanSQLiteSnapshots(rows)
}

func (s *SQLiteStore) ListRecentSnapshots(ctx context.Context, limit int) ([]ProviderSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSnapshotColumns+` FROM provider_snapshots ORDER BY taken_at DESC, provider LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent snapshots: %w", err)
	}
	defer rows.Close()
	return scanSQLiteSnapshots(rows)
}

func (s *SQLiteStore) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_snapshots WHERE taken_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InsertIncident(ctx context.Context, incident Incident) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, provider, opened_at, failures, last_error) VALUES (?, ?, ?, ?, ?)`,
		incident.ID, incident.Provider, toNanos(incident.OpenedAt), incident.Failures, incident.LastError,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResolveIncidents(ctx context.Context, provider string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET resolved_at = ? WHERE provider = ? AND resolved_at IS NULL`,
		toNanos(at), provider,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: resolve incidents: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ListRecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, opened_at, resolved_at, failures, last_error FROM incidents ORDER BY opened_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]Incident, 0)
	for rows.Next() {
		var (
			rec      Incident
			opened   int64
			resolved sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Provider, &opened, &resolved, &rec.Failures, &rec.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: scan incident: %w", err)
		}
		rec.OpenedAt = fromNanos(opened)
		if resolved.Valid {
			at := fromNanos(resolved.Int64)
			rec.ResolvedAt = &at
		}
		incidents = append(incidents, rec)
	}
	return incidents, rows.Err()
}

func scanSQLiteSnapshots(rows *sql.Rows) ([]ProviderSnapshot, error) {
	snapshots := make([]ProviderSnapshot, 0)
	for rows.Next() {
		var (
			snap      ProviderSnapshot
			taken     int64
			latencyMs int64
		)
		if err := rows.Scan(&snap.Provider, &taken, &snap.Status, &snap.SuccessRate, &latencyMs,
			&snap.Observations, &snap.RecentErrors, &snap.Requests, &snap.Failures); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		snap.TakenAt = fromNanos(taken)
		snap.AvgLatency = time.Duration(latencyMs) * time.Millisecond
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// toNanos maps the zero time to the epoch.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var _ Backend = (*SQLiteStore)(nil)
