// Package fallback walks the provider chain for a request and returns the
// best available data with its provenance, falling back to the cache when
// every live source fails.
package fallback

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"market-fallback/internal/cache"
	"market-fallback/internal/metrics"
	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
	"market-fallback/internal/quality"
	"market-fallback/internal/resilience"
)

// Mode selects what happens to below-threshold results.
type Mode string

const (
	// ModeAvailability returns the best sub-threshold result with a warning.
	ModeAvailability Mode = "availability"
	// ModeStrict rejects sub-threshold results and falls through to the cache.
	ModeStrict Mode = "strict"
)

const defaultProviderTimeout = 10 * time.Second

// DefaultQualityThreshold applies when Options.QualityThreshold is nil.
const DefaultQualityThreshold = 0.7

// Health is the status view the manager orders candidates by.
type Health interface {
	Status(name string) provider.Status
	InCooldown(name string) bool
	Disabled(name string) bool
	Record(name string, success bool, latency time.Duration, err error)
}

// FailureHandler receives every failed provider attempt.
type FailureHandler interface {
	HandleFailure(ctx context.Context, name string, latency time.Duration, err error)
}

// Options configure the manager.
type Options struct {
	// QualityThreshold is the minimum score for live data; nil selects
	// DefaultQualityThreshold. Zero accepts any successful result.
	QualityThreshold *float64
	Mode             Mode
	DefaultDays      int
	// RetryBackoff is the first delay between retries of one provider.
	RetryBackoff time.Duration
	Now          func() time.Time
}

// Components are the collaborators the manager drives.
type Components struct {
	Providers  []provider.Provider
	Health     Health
	Failures   FailureHandler
	Normalizer *normalize.Normalizer
	Assessor   *quality.Assessor
	Cache      *cache.Store
	Metrics    *metrics.Registry
}

// Manager is the engine façade. It is safe for concurrent use.
type Manager struct {
	opts       Options
	threshold  float64
	providers  []provider.Provider
	health     Health
	failures   FailureHandler
	normalizer *normalize.Normalizer
	assessor   *quality.Assessor
	cache      *cache.Store
	metrics    *metrics.Registry
	logger     zerolog.Logger

	flights singleflight.Group
}

// New wires the manager. Providers keep their slice order as registration
// order for tie breaking.
func New(opts Options, c Components, logger zerolog.Logger) *Manager {
	threshold := DefaultQualityThreshold
	if opts.QualityThreshold != nil {
		threshold = *opts.QualityThreshold
	}
	if opts.Mode == "" {
		opts.Mode = ModeAvailability
	}
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 365
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if c.Normalizer == nil {
		c.Normalizer = normalize.New(normalize.Options{})
	}
	if c.Assessor == nil {
		c.Assessor = quality.New(quality.Options{Now: opts.Now})
	}
	if c.Cache == nil {
		c.Cache = cache.New(cache.Options{Now: opts.Now}, logger)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return &Manager{
		opts:       opts,
		threshold:  threshold,
		providers:  c.Providers,
		health:     c.Health,
		failures:   c.Failures,
		normalizer: c.Normalizer,
		assessor:   c.Assessor,
		cache:      c.Cache,
		metrics:    c.Metrics,
		logger:     logger.With().Str("component", "fallback").Logger(),
	}
}

// Providers returns the registered providers in registration order.
func (m *Manager) Providers() []provider.Provider {
	return m.providers
}

// GetDataWithFallback is the loose-argument entry point.
func (m *Manager) GetDataWithFallback(ctx context.Context, operation string, args map[string]any) (*Result, error) {
	req, err := ParseRequest(operation, args)
	if err != nil {
		return nil, err
	}
	return m.Fetch(ctx, req)
}

// Fetch serves req. Identical concurrent requests share one walk of the
// provider chain; every caller receives its own copy of the result.
func (m *Manager) Fetch(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Operation == provider.OpHistorical && req.Days == 0 {
		req.Days = m.opts.DefaultDays
	}
	m.metrics.Requests.Add(1)

	key := req.flightKey()
	for retried := false; ; retried = true {
		if err := ctx.Err(); err != nil {
			m.metrics.Cancelled.Add(1)
			return nil, eris.Wrap(err, "fetch cancelled")
		}
		ch := m.flights.DoChan(key, func() (any, error) {
			return m.execute(ctx, req)
		})
		select {
		case <-ctx.Done():
			m.metrics.Cancelled.Add(1)
			return nil, eris.Wrap(ctx.Err(), "fetch cancelled")
		case res := <-ch:
			if res.Err != nil {
				// the flight leader was cancelled while this caller is still live
				if IsCancellation(res.Err) && ctx.Err() == nil && !retried {
					continue
				}
				return nil, res.Err
			}
			out := res.Val.(*Result).clone()
			out.Metadata[MetaCoalesced] = strconv.FormatBool(res.Shared)
			if res.Shared {
				m.metrics.Coalesced.Add(1)
			}
			return out, nil
		}
	}
}

type candidate struct {
	p      provider.Provider
	desc   provider.Descriptor
	status provider.Status
	index  int
}

// Candidates orders the providers eligible for op: status rank, then
// priority, then tier (higher first), then registration order. Providers
// left out are returned as skipped.
func (m *Manager) Candidates(op provider.Operation) (ordered []provider.Descriptor, skipped []string) {
	cands, skipped := m.candidates(op)
	for _, c := range cands {
		ordered = append(ordered, c.desc)
	}
	return ordered, skipped
}

func (m *Manager) candidates(op provider.Operation) ([]candidate, []string) {
	var (
		out     []candidate
		skipped []string
	)
	for i, p := range m.providers {
		desc := p.Describe()
		if !p.Supports(op) {
			continue
		}
		if op == provider.OpMacro {
			if _, ok := p.(provider.MacroProvider); !ok {
				continue
			}
		}
		if m.health != nil && (m.health.Disabled(desc.Name) || m.health.InCooldown(desc.Name)) {
			skipped = append(skipped, desc.Name)
			continue
		}
		status := provider.StatusUnknown
		if m.health != nil {
			status = m.health.Status(desc.Name)
		}
		out = append(out, candidate{p: p, desc: desc, status: status, index: i})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.status.Rank() != b.status.Rank() {
			return a.status.Rank() < b.status.Rank()
		}
		if a.desc.Priority != b.desc.Priority {
			return a.desc.Priority < b.desc.Priority
		}
		if a.desc.Tier.Rank() != b.desc.Tier.Rank() {
			return a.desc.Tier.Rank() > b.desc.Tier.Rank()
		}
		return a.index < b.index
	})
	return out, skipped
}

// attempt is one successful live call, kept while the walk continues.
type attempt struct {
	cand    candidate
	level   int
	record  normalize.Record
	defects []normalize.Defect
	score   float64
}

func (m *Manager) execute(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.NewString()
	key := req.Key()
	log := m.logger.With().Str("request_id", requestID).Str("op", string(req.Operation)).Str("key", key).Logger()

	cands, skipped := m.candidates(req.Operation)
	failures := make(map[string]error)
	var best *attempt
	attempted := 0

	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "fetch cancelled")
		}
		level := attempted
		attempted++
		name := c.desc.Name

		rec, defects, latency, err := m.invoke(ctx, c, req, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "fetch cancelled")
			}
			failures[name] = err
			m.reportFailure(ctx, name, latency, err)
			log.Warn().Err(err).Str("provider", name).Int("level", level).Msg("provider attempt failed")
			continue
		}
		m.recordSuccess(name, latency)

		score := m.assessor.Assess(rec, defects)
		m.assessor.Remember(rec)
		a := &attempt{cand: c, level: level, record: rec, defects: defects, score: score}
		log.Debug().Str("provider", name).Float64("score", score).Int("defects", len(defects)).Msg("provider attempt scored")

		if score >= m.threshold {
			m.cache.Put(ctx, key, rec, score)
			m.metrics.LiveServed.Add(1)
			log.Info().Str("provider", name).Int("level", level).Float64("score", score).Msg("served live data")
			return m.liveResult(req, a, attempted, requestID, nil), nil
		}

		m.metrics.Provider(name).LowQuality.Add(1)
		if m.opts.Mode == ModeStrict {
			failures[name] = &QualityError{Provider: name, Score: score, Threshold: m.threshold}
			continue
		}
		if best == nil || score > best.score {
			best = a
		}
	}

	if best != nil {
		m.cache.Put(ctx, key, best.record, best.score)
		m.metrics.LiveServed.Add(1)
		warning := fmt.Sprintf("quality below threshold: %s < %s", formatScore(best.score), formatScore(m.threshold))
		log.Warn().Str("provider", best.cand.desc.Name).Float64("score", best.score).Msg("served sub-threshold data")
		return m.liveResult(req, best, attempted, requestID, []string{warning}), nil
	}
	return m.fromCache(req, failures, skipped, attempted, requestID, log)
}

func (m *Manager) liveResult(req Request, a *attempt, attempted int, requestID string, warnings []string) *Result {
	if warnings == nil {
		warnings = []string{}
	}
	res := &Result{
		Data:          a.record,
		Source:        a.cand.desc.Name,
		QualityScore:  a.score,
		FallbackLevel: a.level,
		Warnings:      warnings,
		Metadata: map[string]string{
			MetaProviderPriority: strconv.Itoa(a.cand.desc.Priority),
			MetaHealthStatus:     string(a.cand.status),
			MetaAttempts:         strconv.Itoa(attempted),
			MetaOperation:        string(req.Operation),
		},
		RequestID: requestID,
		Timestamp: m.opts.Now().UTC(),
	}
	var flagged []string
	for _, d := range a.defects {
		if d.Kind != normalize.DefectMissing {
			flagged = append(flagged, d.String())
		}
	}
	if len(flagged) > 0 {
		res.Metadata[MetaDefects] = strings.Join(flagged, "; ")
	}
	return res
}

func (m *Manager) fromCache(req Request, failures map[string]error, skipped []string, attempted int, requestID string, log zerolog.Logger) (*Result, error) {
	key := req.Key()
	entry, ok := m.cache.Get(key)
	if !ok {
		m.metrics.Exhausted.Add(1)
		log.Error().Int("attempted", attempted).Strs("skipped", skipped).Msg("all providers unavailable")
		return nil, &AllProvidersUnavailableError{
			Operation: string(req.Operation),
			Key:       key,
			Errors:    failures,
			Skipped:   skipped,
		}
	}

	age := entry.Age(m.opts.Now())
	ageHours := round2(age.Hours())
	maxAgeHours := round2(m.cache.MaxAge().Hours())
	warnings := []string{fmt.Sprintf("served from cache: data is %sh old", formatScore(ageHours))}
	if age > m.cache.TTL() {
		warnings = append(warnings, fmt.Sprintf("cached data past ttl of %sh", formatScore(m.cache.TTL().Hours())))
	}
	if age > m.cache.MaxAge() {
		if req.StrictFreshness {
			m.metrics.CacheExpired.Add(1)
			return nil, &CacheExpiredError{Key: key, AgeHours: ageHours, MaxAgeHours: maxAgeHours}
		}
		warnings = append(warnings, fmt.Sprintf("expired cache entry: %sh exceeds max age %sh", formatScore(ageHours), formatScore(maxAgeHours)))
	}

	m.metrics.CacheServed.Add(1)
	log.Warn().Float64("age_hours", ageHours).Int("attempted", attempted).Msg("served cached data")
	return &Result{
		Data:          entry.Record,
		Source:        SourceCache,
		QualityScore:  entry.Score,
		IsCached:      true,
		CacheAgeHours: &ageHours,
		FallbackLevel: attempted,
		Warnings:      warnings,
		Metadata: map[string]string{
			MetaAttempts:     strconv.Itoa(attempted),
			MetaOperation:    string(req.Operation),
			MetaCachedSource: entry.Record.Source,
		},
		RequestID: requestID,
		Timestamp: m.opts.Now().UTC(),
	}, nil
}

// invoke calls one provider under its timeout and retry budget and
// normalizes the payload.
func (m *Manager) invoke(ctx context.Context, c candidate, req Request, log zerolog.Logger) (normalize.Record, []normalize.Defect, time.Duration, error) {
	name := c.desc.Name
	timeout := c.desc.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	cfg := resilience.ForAttempts(c.desc.RetryAttempts, m.opts.RetryBackoff)
	logRetry := resilience.RetryLogger(log, name, req.Operation)
	cfg.OnRetry = func(n int, err error) {
		m.metrics.Provider(name).Retries.Add(1)
		logRetry(n, err)
	}

	started := time.Now()
	out, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (payload, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return callAsync(callCtx, c.p, name, req)
	})
	latency := time.Since(started)
	m.metrics.ObserveAttempt(name, err == nil, latency)
	if err != nil {
		return normalize.Record{}, nil, latency, err
	}

	if req.Operation == provider.OpSecurities {
		rec, defects := m.normalizer.NormalizeSecurities(name, out.securities, m.opts.Now())
		return rec, defects, latency, nil
	}
	raw := out.raw
	if raw.Source == "" {
		raw.Source = name
	}
	if raw.Operation == "" {
		raw.Operation = req.Operation
	}
	if raw.Ticker == "" {
		raw.Ticker = req.Ticker
	}
	rec, defects := m.normalizer.Normalize(raw)
	return rec, defects, latency, nil
}

func (m *Manager) recordSuccess(name string, latency time.Duration) {
	if m.health != nil {
		m.health.Record(name, true, latency, nil)
	}
}

// reportFailure forwards failures that say something about provider health.
// Not-found and unsupported answers are healthy responses.
func (m *Manager) reportFailure(ctx context.Context, name string, latency time.Duration, err error) {
	switch provider.KindOf(err) {
	case provider.KindNotFound, provider.KindUnsupported:
		m.recordSuccess(name, latency)
		return
	}
	if m.failures != nil {
		m.failures.HandleFailure(ctx, name, latency, err)
		return
	}
	if m.health != nil {
		m.health.Record(name, false, latency, err)
	}
}

type payload struct {
	raw        provider.Raw
	securities []provider.Security
}

type outcome struct {
	val payload
	err error
}

// callAsync runs the provider call in its own goroutine so a call that
// ignores ctx is abandoned at the deadline and its result discarded.
func callAsync(ctx context.Context, p provider.Provider, name string, req Request) (payload, error) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: provider.NewError(name, req.Operation, provider.KindServer, eris.Errorf("provider panic: %v", r))}
			}
		}()
		v, err := call(ctx, p, name, req)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return payload{}, provider.TransportError(name, req.Operation, ctx.Err())
	case o := <-ch:
		return o.val, o.err
	}
}

func call(ctx context.Context, p provider.Provider, name string, req Request) (payload, error) {
	switch req.Operation {
	case provider.OpSecurities:
		secs, err := p.ListSecurities(ctx)
		return payload{securities: secs}, err
	case provider.OpMarketData:
		raw, err := p.MarketData(ctx, req.Ticker)
		return payload{raw: raw}, err
	case provider.OpHistorical:
		raw, err := p.HistoricalData(ctx, req.Ticker, req.Days)
		return payload{raw: raw}, err
	case provider.OpVolume:
		raw, err := p.TradingVolume(ctx, req.Ticker)
		return payload{raw: raw}, err
	case provider.OpMacro:
		mp, ok := p.(provider.MacroProvider)
		if !ok {
			return payload{}, provider.Unsupported(name, req.Operation)
		}
		raw, err := mp.Macro(ctx)
		return payload{raw: raw}, err
	default:
		return payload{}, provider.Unsupported(name, req.Operation)
	}
}
