package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func record(ticker, price string) normalize.Record {
	return normalize.Record{
		Operation: provider.OpMarketData,
		Ticker:    ticker,
		LastPrice: decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Source:    "moex",
	}
}

type memPersister struct {
	saved   []Entry
	preload []Entry
	failAll bool
	cutoff  time.Time
}

func (m *memPersister) SaveCacheEntry(_ context.Context, e Entry) error {
	if m.failAll {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, e)
	return nil
}

func (m *memPersister) LoadCacheEntries(_ context.Context, since time.Time) ([]Entry, error) {
	var out []Entry
	for _, e := range m.preload {
		if !e.WrittenAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memPersister) DeleteCacheEntriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.cutoff = cutoff
	return 0, nil
}

func TestPutGet(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := New(Options{Now: c.Now}, zerolog.Nop())

	s.Put(context.Background(), "market_data:SBMX", record("SBMX", "15.4"), 0.93)
	c.Advance(2 * time.Hour)

	e, ok := s.Get("market_data:SBMX")
	require.True(t, ok)
	assert.Equal(t, 0.93, e.Score)
	assert.Equal(t, 2*time.Hour, e.Age(c.Now()))
	assert.Equal(t, "15.4", e.Record.LastPrice.Decimal.String())

	_, ok = s.Get("market_data:TMOS")
	assert.False(t, ok)
}

func TestGetReturnsPastTTLUntilPruned(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := New(Options{TTL: time.Hour, MaxAge: 10 * time.Hour, Now: c.Now}, zerolog.Nop())

	s.Put(context.Background(), "a", record("A", "1"), 1)
	c.Advance(5 * time.Hour)
	_, ok := s.Get("a")
	assert.True(t, ok, "stale entries stay retrievable")

	c.Advance(6 * time.Hour)
	s.Put(context.Background(), "b", record("B", "1"), 1)
	_, ok = s.Get("a")
	assert.False(t, ok, "entries past max age are pruned on write")
	assert.Equal(t, 1, s.Len())
}

func TestCapacityEvictsOldestWrite(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := New(Options{MaxEntries: 2, Now: c.Now}, zerolog.Nop())

	for _, k := range []string{"a", "b", "c"} {
		s.Put(context.Background(), k, record(k, "1"), 1)
		c.Advance(time.Minute)
	}
	_, ok := s.Get("a")
	assert.False(t, ok)

	// rewriting b makes c the oldest
	s.Put(context.Background(), "b", record("B", "2"), 1)
	c.Advance(time.Minute)
	s.Put(context.Background(), "d", record("D", "1"), 1)

	_, ok = s.Get("c")
	assert.False(t, ok)
	keys := []string{}
	for _, e := range s.Entries() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"d", "b"}, keys)
}

func TestReturnedEntryIsIsolated(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	rec := record("SBMX", "1")
	rec.Bars = []normalize.Bar{{Close: decimal.NewFromInt(1)}}
	s.Put(context.Background(), "k", rec, 1)
	rec.Bars[0].Close = decimal.NewFromInt(99)

	e, _ := s.Get("k")
	e.Record.Bars[0].Close = decimal.NewFromInt(42)

	again, _ := s.Get("k")
	assert.Equal(t, "1", again.Record.Bars[0].Close.String())
}

func TestPersisterRoundTrip(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	p := &memPersister{preload: []Entry{
		{Key: "k1", Record: record("A", "1"), Score: 0.5, WrittenAt: c.Now().Add(-3 * time.Hour)},
		{Key: "k1", Record: record("A", "2"), Score: 0.8, WrittenAt: c.Now().Add(-time.Hour)},
		{Key: "old", Record: record("B", "1"), WrittenAt: c.Now().Add(-500 * time.Hour)},
	}}
	s := New(Options{Persister: p, Now: c.Now}, zerolog.Nop())

	n, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	e, ok := s.Get("k1")
	require.True(t, ok)
	assert.Equal(t, 0.8, e.Score)
	_, ok = s.Get("old")
	assert.False(t, ok)

	s.Put(context.Background(), "k2", record("C", "3"), 0.9)
	s.Flush()
	require.Len(t, p.saved, 1)
	assert.Equal(t, "k2", p.saved[0].Key)

	_, err = s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Now().Add(-168*time.Hour), p.cutoff)
}

func TestPersistFailureDoesNotBlockPut(t *testing.T) {
	s := New(Options{Persister: &memPersister{failAll: true}}, zerolog.Nop())
	s.Put(context.Background(), "k", record("A", "1"), 1)
	_, ok := s.Get("k")
	assert.True(t, ok)
	s.Flush()
}

type slowPersister struct {
	memPersister
	release chan struct{}
}

func (p *slowPersister) SaveCacheEntry(ctx context.Context, e Entry) error {
	<-p.release
	return p.memPersister.SaveCacheEntry(ctx, e)
}

func TestPutDoesNotWaitForPersister(t *testing.T) {
	p := &slowPersister{release: make(chan struct{})}
	s := New(Options{Persister: p}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Put(context.Background(), "a", record("A", "1"), 1)
		s.Put(context.Background(), "b", record("B", "1"), 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on the persister")
	}
	assert.Equal(t, 2, s.Len())

	close(p.release)
	s.Flush()
	require.Len(t, p.saved, 2)
	assert.Equal(t, "a", p.saved[0].Key)
	assert.Equal(t, "b", p.saved[1].Key)
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Options{MaxEntries: 8}, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%4))
			for j := 0; j < 100; j++ {
				s.Put(context.Background(), key, record("X", "1"), float64(j)/100)
				if e, ok := s.Get(key); ok {
					assert.Equal(t, key, e.Key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 4)
}
