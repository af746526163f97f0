// Package cache keeps the last accepted result per request key as a
// degraded-availability backstop.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-fallback/internal/normalize"
	"market-fallback/internal/scheduler"
)

// Entry is an immutable cached result.
type Entry struct {
	Key       string           `json:"key"`
	Record    normalize.Record `json:"record"`
	Score     float64          `json:"score"`
	WrittenAt time.Time        `json:"written_at"`
}

// Age reports how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// Persister stores entries outside the process. Implemented by storage.
type Persister interface {
	SaveCacheEntry(ctx context.Context, e Entry) error
	LoadCacheEntries(ctx context.Context, since time.Time) ([]Entry, error)
	DeleteCacheEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configure the store.
type Options struct {
	TTL        time.Duration
	MaxAge     time.Duration
	MaxEntries int
	Persister  Persister
	// PersistTimeout bounds one background write.
	PersistTimeout time.Duration
	Now            func() time.Time
}

// Store is an in-memory, size bounded cache ordered by write time.
type Store struct {
	opts   Options
	logger zerolog.Logger
	writes *scheduler.Queue

	mu      sync.Mutex
	order   *list.List // front = newest write
	entries map[string]*list.Element
}

// New builds a cache store.
func New(opts Options, logger zerolog.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxAge < opts.TTL {
		opts.MaxAge = 168 * time.Hour
		if opts.MaxAge < opts.TTL {
			opts.MaxAge = opts.TTL
		}
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:    opts,
		logger:  logger.With().Str("component", "cache").Logger(),
		writes:  scheduler.NewQueue(scheduler.QueueOptions{Name: "cache_persist", Timeout: opts.PersistTimeout}, logger),
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// TTL is the age after which entries are reported stale.
func (s *Store) TTL() time.Duration { return s.opts.TTL }

// MaxAge is the age after which entries are pruned on write.
func (s *Store) MaxAge() time.Duration { return s.opts.MaxAge }

// Get returns the entry for key regardless of its age. Callers decide how to
// flag staleness.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(Entry)
	e.Record = e.Record.Clone()
	return e, true
}

// Put stores rec under key, prunes expired entries and enforces capacity.
// The persister write happens in the background; failures are logged.
func (s *Store) Put(_ context.Context, key string, rec normalize.Record, score float64) Entry {
	e := Entry{Key: key, Record: rec.Clone(), Score: score, WrittenAt: s.opts.Now().UTC()}

	s.mu.Lock()
	s.insertLocked(e)
	evicted := s.pruneLocked(e.WrittenAt)
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("cache pruned")
	}
	if s.opts.Persister != nil {
		s.writes.Submit(func(ctx context.Context) {
			if err := s.opts.Persister.SaveCacheEntry(ctx, e); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("persist cache entry failed")
			}
		})
	}
	return e
}

// Flush waits for pending persister writes.
func (s *Store) Flush() {
	s.writes.Wait()
}

// Load warms the store from the persister, keeping the newest write per key.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.opts.Persister == nil {
		return 0, nil
	}
	now := s.opts.Now().UTC()
	entries, err := s.opts.Persister.LoadCacheEntries(ctx, now.Add(-s.opts.MaxAge))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, e := range entries {
		if el, ok := s.entries[e.Key]; ok && !el.Value.(Entry).WrittenAt.Before(e.WrittenAt) {
			continue
		}
		s.insertLocked(e)
		loaded++
	}
	s.pruneLocked(now)
	return loaded, nil
}

// Prune drops entries past max age and returns how many were removed. It also
// trims the persister when configured.
func (s *Store) Prune(ctx context.Context) (int, error) {
	now := s.opts.Now().UTC()
	s.mu.Lock()
	n := s.pruneLocked(now)
	s.mu.Unlock()
	if s.opts.Persister != nil {
		if _, err := s.opts.Persister.DeleteCacheEntriesBefore(ctx, now.Add(-s.opts.MaxAge)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Entries returns a snapshot, newest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// insertLocked places e by write time so loads of older entries keep order.
func (s *Store) insertLocked(e Entry) {
	if el, ok := s.entries[e.Key]; ok {
		s.order.Remove(el)
	}
	for el := s.order.Front(); el != nil; el = el.Next() {
		if !el.Value.(Entry).WrittenAt.After(e.WrittenAt) {
			s.entries[e.Key] = s.order.InsertBefore(e, el)
			return
		}
	}
	s.entries[e.Key] = s.order.PushBack(e)
}

func (s *Store) pruneLocked(now time.Time) int {
	evicted := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(Entry)
		if e.Age(now) > s.opts.MaxAge || s.order.Len() > s.opts.MaxEntries {
			s.order.Remove(el)
			delete(s.entries, e.Key)
			evicted++
			el = prev
			continue
		}
		break
	}
	return evicted
}
