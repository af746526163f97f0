package fallback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-fallback/internal/cache"
	"market-fallback/internal/health"
	"market-fallback/internal/metrics"
	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
	"market-fallback/internal/quality"
)

var testMapping = normalize.Mapping{
	Ticker:          []string{"ticker"},
	Price:           []string{"price"},
	Currency:        []string{"currency"},
	Timestamp:       []string{"ts"},
	DefaultCurrency: "RUB",
}

type marketFunc func(ctx context.Context, ticker string) (provider.Raw, error)

type fakeProvider struct {
	desc   provider.Descriptor
	calls  atomic.Int32
	market marketFunc
}

func newFake(name string, priority int, tier provider.Tier, f marketFunc) *fakeProvider {
	return &fakeProvider{
		desc: provider.Descriptor{
			Name:          name,
			Class:         "fake",
			Priority:      priority,
			Tier:          tier,
			Enabled:       true,
			Timeout:       time.Second,
			RetryAttempts: 1,
		},
		market: f,
	}
}

func (p *fakeProvider) Describe() provider.Descriptor { return p.desc }
func (p *fakeProvider) Supports(op provider.Operation) bool {
	return op == provider.OpMarketData
}
func (p *fakeProvider) ListSecurities(context.Context) ([]provider.Security, error) {
	return nil, provider.Unsupported(p.desc.Name, provider.OpSecurities)
}
func (p *fakeProvider) MarketData(ctx context.Context, ticker string) (provider.Raw, error) {
	p.calls.Add(1)
	return p.market(ctx, ticker)
}
func (p *fakeProvider) HistoricalData(context.Context, string, int) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpHistorical)
}
func (p *fakeProvider) TradingVolume(context.Context, string) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpVolume)
}
func (p *fakeProvider) HealthCheck(context.Context) provider.Status { return provider.StatusActive }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

type recordingHandler struct {
	mu      sync.Mutex
	names   []string
	monitor *health.Monitor
}

func (h *recordingHandler) HandleFailure(_ context.Context, name string, latency time.Duration, err error) {
	h.mu.Lock()
	h.names = append(h.names, name)
	h.mu.Unlock()
	h.monitor.Record(name, false, latency, err)
}

type testEnv struct {
	manager  *Manager
	monitor  *health.Monitor
	cache    *cache.Store
	clock    *testClock
	failures *recordingHandler
	metrics  *metrics.Registry
}

func newClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func newEnv(t *testing.T, clock *testClock, opts Options, providers ...*fakeProvider) *testEnv {
	t.Helper()
	list := make([]provider.Provider, 0, len(providers))
	norm := normalize.New(normalize.Options{})
	for _, p := range providers {
		list = append(list, p)
		norm.Register(p.desc.Name, p.desc.Tier, testMapping)
	}
	mon := health.New(health.Options{
		Now:       clock.Now,
		AfterFunc: func(time.Duration, func()) health.Timer { return idleTimer{} },
	}, list, zerolog.Nop())
	store := cache.New(cache.Options{Now: clock.Now}, zerolog.Nop())
	reg := metrics.New()
	handler := &recordingHandler{monitor: mon}

	opts.Now = clock.Now
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	m := New(opts, Components{
		Providers:  list,
		Health:     mon,
		Failures:   handler,
		Normalizer: norm,
		Assessor:   quality.New(quality.Options{Now: clock.Now}),
		Cache:      store,
		Metrics:    reg,
	}, zerolog.Nop())
	return &testEnv{manager: m, monitor: mon, cache: store, clock: clock, failures: handler, metrics: reg}
}

func freshQuote(clock *testClock, price float64) marketFunc {
	return func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": price, "ts": clock.Now()}}, nil
	}
}

func failing(status int) marketFunc {
	return func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{}, provider.StatusError("upstream", provider.OpMarketData, status, "")
	}
}

func hanging(ctx context.Context, _ string) (provider.Raw, error) {
	<-ctx.Done()
	return provider.Raw{}, ctx.Err()
}

func marketArgs(ticker string) map[string]any {
	return map[string]any{"ticker": ticker}
}

func TestTimeoutFallsThroughToNextProvider(t *testing.T) {
	clock := newClock()
	p1 := newFake("p1", 1, provider.TierHigh, hanging)
	p1.desc.Timeout = 20 * time.Millisecond
	p2 := newFake("p2", 2, provider.TierHigh, freshQuote(clock, 15.4))
	env := newEnv(t, clock, Options{}, p1, p2)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("sbmx"))
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Source)
	assert.Equal(t, 1, res.FallbackLevel)
	assert.InDelta(t, 1.0, res.QualityScore, 1e-9)
	assert.False(t, res.IsCached)
	assert.Nil(t, res.CacheAgeHours)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "SBMX", res.Data.Ticker)
	assert.Equal(t, "15.4", res.Data.LastPrice.Decimal.String())
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "2", res.Metadata[MetaProviderPriority])
	assert.Equal(t, "2", res.Metadata[MetaAttempts])
	assert.Equal(t, "false", res.Metadata[MetaCoalesced])

	assert.Equal(t, []string{"p1"}, env.failures.names)
	m, _ := env.monitor.Metrics("p1")
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.Equal(t, 1, env.cache.Len(), "accepted live data is cached")
}

func TestAllLiveFailServesCache(t *testing.T) {
	p1 := newFake("p1", 1, provider.TierHigh, failing(503))
	p2 := newFake("p2", 2, provider.TierMedium, failing(502))
	env := newEnv(t, newClock(), Options{}, p1, p2)

	rec := normalize.Record{Operation: provider.OpMarketData, Ticker: "SBMX", Source: "p1"}
	env.cache.Put(context.Background(), "market_data:SBMX", rec, 0.93)
	env.clock.Advance(2 * time.Hour)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	require.NotNil(t, res.CacheAgeHours)
	assert.Equal(t, 2.0, *res.CacheAgeHours)
	assert.Equal(t, 0.93, res.QualityScore)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 2, res.FallbackLevel)
	assert.Equal(t, "p1", res.Metadata[MetaCachedSource])
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "served from cache")
	assert.Equal(t, int64(1), env.metrics.CacheServed.Load())
}

func TestBelowThresholdReturnedWithWarning(t *testing.T) {
	// medium tier, no timestamp, out of range price: 0.4*0.7 + 0 + 0.2*0.6 + 0.1 = 0.5
	only := newFake("p1", 1, provider.TierMedium, func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	})
	env := newEnv(t, newClock(), Options{QualityThreshold: threshold(0.7)}, only)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
	assert.Equal(t, []string{"quality below threshold: 0.5 < 0.7"}, res.Warnings)
	assert.Equal(t, "p1", res.Source)
	assert.Contains(t, res.Metadata[MetaDefects], "out_of_range")
	entry, ok := env.cache.Get("market_data:SBMX")
	require.True(t, ok)
	assert.InDelta(t, 0.5, entry.Score, 1e-9)
}

func TestZeroThresholdAcceptsAnyScore(t *testing.T) {
	only := newFake("p1", 1, provider.TierMedium, func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	})
	env := newEnv(t, newClock(), Options{QualityThreshold: threshold(0)}, only)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, env.cache.Len())
}

func TestStrictModeDoesNotCacheRejected(t *testing.T) {
	only := newFake("p1", 1, provider.TierMedium, func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	})
	env := newEnv(t, newClock(), Options{Mode: ModeStrict}, only)

	_, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.Error(t, err)
	assert.Zero(t, env.cache.Len())
}

func threshold(v float64) *float64 { return &v }

func TestHighestScoringSubThresholdWins(t *testing.T) {
	low := newFake("low", 1, provider.TierLow, func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	})
	medium := newFake("medium", 2, provider.TierMedium, func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	})
	env := newEnv(t, newClock(), Options{QualityThreshold: threshold(0.9)}, low, medium)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.Equal(t, "medium", res.Source)
	assert.Equal(t, 1, res.FallbackLevel)
	assert.Equal(t, int32(1), low.calls.Load())
}

func TestExhaustionWithEmptyCache(t *testing.T) {
	p1 := newFake("p1", 1, provider.TierHigh, failing(503))
	p2 := newFake("p2", 2, provider.TierHigh, hanging)
	p2.desc.Timeout = 10 * time.Millisecond
	env := newEnv(t, newClock(), Options{}, p1, p2)

	_, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.Error(t, err)
	var all *AllProvidersUnavailableError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, "market_data:SBMX", all.Key)
	assert.Len(t, all.Errors, 2)
	assert.Contains(t, all.Errors, "p1")
	assert.Contains(t, all.Errors, "p2")
	assert.Equal(t, provider.KindTimeout, provider.KindOf(all.Errors["p2"]))
	assert.Contains(t, err.Error(), "all providers unavailable for market_data:SBMX")
	assert.Equal(t, int64(1), env.metrics.Exhausted.Load())
}

func TestFallbackLevelCountsFailedAttempts(t *testing.T) {
	clock := newClock()
	p1 := newFake("p1", 1, provider.TierHigh, failing(500))
	p2 := newFake("p2", 2, provider.TierHigh, failing(404))
	p3 := newFake("p3", 3, provider.TierHigh, freshQuote(clock, 10))
	env := newEnv(t, clock, Options{}, p1, p2, p3)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.Equal(t, "p3", res.Source)
	assert.Equal(t, 2, res.FallbackLevel)
	assert.Equal(t, provider.StatusUnavailable, env.monitor.Status("p1"))
	assert.Equal(t, provider.StatusActive, env.monitor.Status("p2"), "not found is a healthy answer")
	assert.Equal(t, []string{"p1"}, env.failures.names)
}

func TestCandidateOrdering(t *testing.T) {
	noop := func(context.Context, string) (provider.Raw, error) { return provider.Raw{}, nil }
	a := newFake("a", 1, provider.TierHigh, noop)
	b := newFake("b", 2, provider.TierHigh, noop)
	c := newFake("c", 2, provider.TierLow, noop)
	d := newFake("d", 2, provider.TierHigh, noop)
	cooling := newFake("cooling", 0, provider.TierHigh, noop)
	off := newFake("off", 0, provider.TierHigh, noop)
	off.desc.Enabled = false
	env := newEnv(t, newClock(), Options{}, a, b, c, d, cooling, off)

	// a degraded, b active: status rank beats priority
	env.monitor.Record("a", true, 0, nil)
	env.monitor.Record("a", false, 0, errors.New("x"))
	env.monitor.Record("b", true, 0, nil)
	env.monitor.ForceUnavailable("cooling", "test")

	ordered, skipped := env.manager.Candidates(provider.OpMarketData)
	names := make([]string, 0, len(ordered))
	for _, desc := range ordered {
		names = append(names, desc.Name)
	}
	// c and d are both unknown at priority 2: tier first, then registration order
	assert.Equal(t, []string{"b", "a", "d", "c"}, names)
	assert.ElementsMatch(t, []string{"cooling", "off"}, skipped)

	none, _ := env.manager.Candidates(provider.OpMacro)
	assert.Empty(t, none)
}

func TestStrictModeRejectsLowQuality(t *testing.T) {
	lowQuality := func(_ context.Context, ticker string) (provider.Raw, error) {
		return provider.Raw{Fields: map[string]any{"ticker": ticker, "price": 20000.0}}, nil
	}

	env := newEnv(t, newClock(), Options{Mode: ModeStrict}, newFake("p1", 1, provider.TierMedium, lowQuality))
	_, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	var all *AllProvidersUnavailableError
	require.ErrorAs(t, err, &all)
	var qe *QualityError
	require.ErrorAs(t, all.Errors["p1"], &qe)
	assert.InDelta(t, 0.5, qe.Score, 1e-9)

	env = newEnv(t, newClock(), Options{Mode: ModeStrict}, newFake("p1", 1, provider.TierMedium, lowQuality))
	env.cache.Put(context.Background(), "market_data:SBMX", normalize.Record{Ticker: "SBMX", Source: "p1"}, 0.8)
	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.True(t, res.IsCached)
}

func TestExpiredCacheOnlyAsLastResort(t *testing.T) {
	env := newEnv(t, newClock(), Options{}, newFake("p1", 1, provider.TierHigh, failing(503)))
	env.cache.Put(context.Background(), "market_data:SBMX", normalize.Record{Ticker: "SBMX", Source: "p1"}, 0.9)
	env.clock.Advance(200 * time.Hour)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.True(t, res.IsCached)
	assert.Equal(t, 200.0, *res.CacheAgeHours)
	require.Len(t, res.Warnings, 3)
	assert.Equal(t, "expired cache entry: 200h exceeds max age 168h", res.Warnings[2])

	_, err = env.manager.GetDataWithFallback(context.Background(), "market_data",
		map[string]any{"ticker": "SBMX", "strict_freshness": true})
	var expired *CacheExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, 200.0, expired.AgeHours)
	assert.Equal(t, 168.0, expired.MaxAgeHours)
}

func TestRetriesTransientFailures(t *testing.T) {
	clock := newClock()
	var n atomic.Int32
	flaky := newFake("flaky", 1, provider.TierHigh, func(ctx context.Context, ticker string) (provider.Raw, error) {
		if n.Add(1) == 1 {
			return provider.Raw{}, provider.StatusError("flaky", provider.OpMarketData, 503, "")
		}
		return freshQuote(clock, 12)(ctx, ticker)
	})
	flaky.desc.RetryAttempts = 2
	env := newEnv(t, clock, Options{}, flaky)

	res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.FallbackLevel)
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, int64(1), env.metrics.Provider("flaky").Retries.Load())
	assert.Empty(t, env.failures.names)
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	release := make(chan struct{})
	clock := newClock()
	slow := newFake("slow", 1, provider.TierHigh, func(ctx context.Context, ticker string) (provider.Raw, error) {
		<-release
		return freshQuote(clock, 15)(ctx, ticker)
	})
	env := newEnv(t, clock, Options{}, slow)

	const callers = 5
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.manager.GetDataWithFallback(context.Background(), "market_data", marketArgs("SBMX"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), slow.calls.Load())
	for i, res := range results {
		require.NotNil(t, res, "caller %d", i)
		assert.Equal(t, "true", res.Metadata[MetaCoalesced])
		assert.Equal(t, results[0].RequestID, res.RequestID)
	}
	results[0].Warnings = append(results[0].Warnings, "mutated")
	results[0].Metadata["x"] = "y"
	assert.Empty(t, results[1].Warnings)
	assert.NotContains(t, results[1].Metadata, "x")
}

func TestCancellationStopsWalk(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := newFake("stuck", 1, provider.TierHigh, func(context.Context, string) (provider.Raw, error) {
		<-block
		return provider.Raw{}, nil
	})
	stuck.desc.Timeout = 5 * time.Second
	next := newFake("next", 2, provider.TierHigh, failing(500))
	env := newEnv(t, newClock(), Options{}, stuck, next)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := env.manager.GetDataWithFallback(ctx, "market_data", marketArgs("SBMX"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Zero(t, next.calls.Load())

	done, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = env.manager.GetDataWithFallback(done, "market_data", marketArgs("TMOS"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidRequests(t *testing.T) {
	env := newEnv(t, newClock(), Options{})
	cases := []struct {
		op   string
		args map[string]any
	}{
		{"market_data", nil},
		{"bogus", marketArgs("SBMX")},
		{"market_data", map[string]any{"ticker": 42}},
		{"historical", map[string]any{"ticker": "SBMX", "days": "abc"}},
		{"historical", map[string]any{"ticker": "SBMX", "days": -3}},
		{"market_data", map[string]any{"ticker": "SBMX", "strict_freshness": "maybe"}},
	}
	for _, tc := range cases {
		_, err := env.manager.GetDataWithFallback(context.Background(), tc.op, tc.args)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%s %v", tc.op, tc.args)
	}
}

func TestRequestKeys(t *testing.T) {
	req, err := ParseRequest("historical", map[string]any{"ticker": " sbmx ", "days": 30.0})
	require.NoError(t, err)
	assert.Equal(t, "historical:SBMX:30", req.Key())

	req, err = ParseRequest("macro", map[string]any{"ticker": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "macro", req.Key())

	req, err = ParseRequest("MARKET_DATA", map[string]any{"ticker": "tmos", "strict_freshness": "true"})
	require.NoError(t, err)
	assert.Equal(t, "market_data:TMOS", req.Key())
	assert.Equal(t, "market_data:TMOS|strict", req.flightKey())
}
