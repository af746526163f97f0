// Package health tracks rolling provider outcomes and derives a status per
// provider. It owns every status write.
package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-fallback/internal/provider"
	"market-fallback/internal/scheduler"
)

// Timer is the subset of *time.Timer the monitor needs.
type Timer interface {
	Stop() bool
}

// Options configure the monitor.
type Options struct {
	Interval          time.Duration
	WindowSize        int
	WindowAge         time.Duration
	ActiveThreshold   float64
	DegradedThreshold float64
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
	ProbeTimeout      time.Duration
	Now               func() time.Time
	AfterFunc         func(d time.Duration, f func()) Timer
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 20
	}
	if o.ActiveThreshold <= 0 {
		o.ActiveThreshold = 0.9
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 0.5
	}
	if o.BaseCooldown <= 0 {
		o.BaseCooldown = 30 * time.Second
	}
	if o.MaxCooldown < o.BaseCooldown {
		o.MaxCooldown = 30 * time.Minute
		if o.MaxCooldown < o.BaseCooldown {
			o.MaxCooldown = o.BaseCooldown
		}
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

// Observation is one probe or live request outcome.
type Observation struct {
	At      time.Time
	Success bool
	Latency time.Duration
	Err     string
	Probe   bool
}

// Metrics is the read-only view of one provider's health.
type Metrics struct {
	Name             string          `json:"name"`
	Status           provider.Status `json:"status"`
	AvgLatency       time.Duration   `json:"avg_latency"`
	SuccessRate      float64         `json:"success_rate"`
	LastSuccessAt    *time.Time      `json:"last_success_at,omitempty"`
	LastFailureAt    *time.Time      `json:"last_failure_at,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	RecentErrorCount int             `json:"recent_error_count"`
	Observations     int             `json:"observations"`
	ConsecutiveTrips int             `json:"consecutive_trips"`
	CooldownUntil    *time.Time      `json:"cooldown_until,omitempty"`
	AwaitingProbe    bool            `json:"awaiting_probe"`
	Disabled         bool            `json:"disabled"`
	TotalSuccesses   int64           `json:"total_successes"`
	TotalFailures    int64           `json:"total_failures"`
}

// TransitionFunc observes status changes.
type TransitionFunc func(name string, from, to provider.Status)

type state struct {
	p        provider.Provider
	timeout  time.Duration
	window   []Observation
	status   provider.Status
	streak   int
	cooldown time.Time
	// tripped holds the provider out of ordering until a recovery probe
	// succeeds, even after the cooldown deadline passes.
	tripped  bool
	timer    Timer
	disabled bool

	lastSuccess time.Time
	lastFailure time.Time
	lastError   string
	errors      []time.Time
	successes   int64
	failures    int64
}

// Monitor keeps the status table. Reads are safe from any goroutine.
type Monitor struct {
	opts   Options
	logger zerolog.Logger
	task   *scheduler.Task

	mu          sync.RWMutex
	states      map[string]*state
	order       []string
	transitions []TransitionFunc
	closed      bool
	probes      sync.WaitGroup
}

// New creates a monitor for providers. Every status starts Unknown.
func New(opts Options, providers []provider.Provider, logger zerolog.Logger) *Monitor {
	opts.defaults()
	m := &Monitor{
		opts:   opts,
		logger: logger.With().Str("component", "health").Logger(),
		states: make(map[string]*state, len(providers)),
	}
	for _, p := range providers {
		desc := p.Describe()
		timeout := desc.Timeout
		if timeout <= 0 {
			timeout = opts.ProbeTimeout
		}
		m.states[desc.Name] = &state{p: p, timeout: timeout, status: provider.StatusUnknown, disabled: !desc.Enabled}
		m.order = append(m.order, desc.Name)
	}
	sched := scheduler.New(scheduler.Options{Name: "health", Interval: opts.Interval, RunImmediately: true}, logger)
	m.task = sched.Task(func(ctx context.Context, _ time.Time) error {
		return m.ProbeAll(ctx)
	})
	return m
}

// OnTransition registers a callback fired after every status change. The
// callback runs without the monitor lock held.
func (m *Monitor) OnTransition(f TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, f)
}

// Start launches interval probes.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	now := m.opts.Now()
	for name, st := range m.states {
		if st.tripped && st.timer == nil {
			m.scheduleLocked(name, st, max(st.cooldown.Sub(now), 0))
		}
	}
	m.mu.Unlock()
	m.logger.Info().Dur("interval", m.opts.Interval).Int("providers", len(m.order)).Msg("health monitor started")
	return m.task.Start(ctx)
}

// Stop halts interval probes, cancels pending recovery probes and waits for
// in-flight ones.
func (m *Monitor) Stop() {
	m.task.Stop()
	m.mu.Lock()
	m.closed = true
	for _, st := range m.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	m.mu.Unlock()
	m.probes.Wait()
	m.logger.Info().Msg("health monitor stopped")
}

// Status returns the current status; unknown providers report Unknown.
func (m *Monitor) Status(name string) provider.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[name]; ok {
		return st.status
	}
	return provider.StatusUnknown
}

// InCooldown reports whether name is excluded from ordering: from the trip
// until a recovery probe succeeds.
func (m *Monitor) InCooldown(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	return ok && st.coolingAt(m.opts.Now())
}

func (st *state) coolingAt(now time.Time) bool {
	return st.tripped || now.Before(st.cooldown)
}

// Disabled reports the runtime enable flag.
func (m *Monitor) Disabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[name]
	return ok && st.disabled
}

// Disable excludes name from ordering and probing until Enable.
func (m *Monitor) Disable(name string) bool {
	return m.setDisabled(name, true)
}

// Enable reverses Disable.
func (m *Monitor) Enable(name string) bool {
	return m.setDisabled(name, false)
}

func (m *Monitor) setDisabled(name string, disabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return false
	}
	st.disabled = disabled
	m.logger.Info().Str("provider", name).Bool("disabled", disabled).Msg("provider toggled")
	return true
}

// Record folds a live or probe outcome into the window and re-evaluates.
func (m *Monitor) Record(name string, success bool, latency time.Duration, err error) {
	obs := Observation{At: m.opts.Now(), Success: success, Latency: latency}
	if err != nil {
		obs.Err = err.Error()
	}
	m.record(name, obs)
}

func (m *Monitor) record(name string, obs Observation) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	if obs.Success {
		st.successes++
		st.lastSuccess = obs.At
	} else {
		st.failures++
		st.lastFailure = obs.At
		st.lastError = obs.Err
		st.errors = append(st.errors, obs.At)
	}
	st.window = append(st.window, obs)
	if len(st.window) > m.opts.WindowSize {
		st.window = append(st.window[:0], st.window[len(st.window)-m.opts.WindowSize:]...)
	}
	from, to := m.evaluateLocked(name, st, obs.At)
	callbacks := m.transitions
	m.mu.Unlock()

	m.notify(callbacks, name, from, to)
}

// ForceUnavailable marks name Unavailable ahead of the next evaluation and
// starts a cooldown with a scheduled recovery probe.
func (m *Monitor) ForceUnavailable(name, reason string) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.opts.Now()
	if st.coolingAt(now) {
		m.mu.Unlock()
		return
	}
	from := st.status
	st.status = provider.StatusUnavailable
	m.tripLocked(name, st, now)
	callbacks := m.transitions
	m.mu.Unlock()

	m.logger.Warn().Str("provider", name).Str("reason", reason).Msg("provider forced unavailable")
	m.notify(callbacks, name, from, provider.StatusUnavailable)
}

// evaluateLocked derives the status from the window and trips the cooldown
// on entering Unavailable.
func (m *Monitor) evaluateLocked(name string, st *state, now time.Time) (provider.Status, provider.Status) {
	if m.opts.WindowAge > 0 {
		cutoff := now.Add(-m.opts.WindowAge)
		i := 0
		for i < len(st.window) && st.window[i].At.Before(cutoff) {
			i++
		}
		st.window = st.window[i:]
	}
	from := st.status
	if st.coolingAt(now) {
		return from, from
	}

	to := m.derive(st.window)
	if to == provider.StatusUnavailable && from != provider.StatusUnavailable {
		m.tripLocked(name, st, now)
	}
	if to == provider.StatusActive {
		st.streak = 0
	}
	st.status = to
	return from, to
}

func (m *Monitor) derive(window []Observation) provider.Status {
	if len(window) == 0 {
		return provider.StatusUnknown
	}
	rate := successRate(window)
	switch {
	case rate >= m.opts.ActiveThreshold:
		return provider.StatusActive
	case rate >= m.opts.DegradedThreshold:
		return provider.StatusDegraded
	default:
		return provider.StatusUnavailable
	}
}

// tripLocked extends the failure streak and schedules the recovery probe
// after base * 2^(streak-1), capped at MaxCooldown.
func (m *Monitor) tripLocked(name string, st *state, now time.Time) {
	st.streak++
	d := cooldownFor(m.opts.BaseCooldown, m.opts.MaxCooldown, st.streak)
	st.cooldown = now.Add(d)
	st.tripped = true
	m.scheduleLocked(name, st, d)
	m.logger.Warn().Str("provider", name).Int("streak", st.streak).Dur("cooldown", d).Msg("provider entered cooldown")
}

// scheduleLocked arms the recovery probe. A closed monitor arms it on the
// next Start.
func (m *Monitor) scheduleLocked(name string, st *state, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if !m.closed {
		st.timer = m.opts.AfterFunc(d, func() { m.recover(name) })
	}
}

func cooldownFor(base, limit time.Duration, streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := float64(base) * math.Pow(2, float64(streak-1))
	if d > float64(limit) || math.IsInf(d, 0) {
		return limit
	}
	return time.Duration(d)
}

// recover runs the scheduled recovery probe. Success clears the window and
// returns the provider to Unknown; failure extends the streak.
func (m *Monitor) recover(name string) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	st.timer = nil
	m.probes.Add(1)
	p, timeout := st.p, st.timeout
	m.mu.Unlock()
	defer m.probes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	started := time.Now()
	status := p.HealthCheck(ctx)
	latency := time.Since(started)
	cancel()

	m.mu.Lock()
	now := m.opts.Now()
	from := st.status
	if status.Usable() {
		st.successes++
		st.lastSuccess = now
		st.window = st.window[:0]
		st.cooldown = time.Time{}
		st.tripped = false
		st.status = provider.StatusUnknown
	} else {
		st.failures++
		st.lastFailure = now
		st.lastError = "recovery probe: " + string(status)
		st.errors = append(st.errors, now)
		st.window = append(st.window, Observation{At: now, Latency: latency, Err: st.lastError, Probe: true})
		if len(st.window) > m.opts.WindowSize {
			st.window = append(st.window[:0], st.window[len(st.window)-m.opts.WindowSize:]...)
		}
		st.status = provider.StatusUnavailable
		m.tripLocked(name, st, now)
	}
	to := st.status
	callbacks := m.transitions
	m.mu.Unlock()

	m.logger.Info().Str("provider", name).Str("probe", string(status)).Str("status", string(to)).Msg("recovery probe finished")
	m.notify(callbacks, name, from, to)
}

// Probe runs one health check for name and records the outcome.
func (m *Monitor) Probe(ctx context.Context, name string) provider.Status {
	m.mu.RLock()
	st, ok := m.states[name]
	var (
		p       provider.Provider
		timeout time.Duration
	)
	if ok {
		p, timeout = st.p, st.timeout
	}
	m.mu.RUnlock()
	if !ok {
		return provider.StatusUnknown
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	started := time.Now()
	status := p.HealthCheck(probeCtx)
	obs := Observation{At: m.opts.Now(), Success: status.Usable(), Latency: time.Since(started), Probe: true}
	if !obs.Success {
		obs.Err = "health check: " + string(status)
	}
	m.record(name, obs)
	return status
}

// ProbeAll checks every enabled provider outside cooldown concurrently.
func (m *Monitor) ProbeAll(ctx context.Context) error {
	var names []string
	m.mu.RLock()
	now := m.opts.Now()
	for _, name := range m.order {
		st := m.states[name]
		if st.disabled || st.coolingAt(now) {
			continue
		}
		names = append(names, name)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			status := m.Probe(gctx, name)
			m.logger.Debug().Str("provider", name).Str("probe", string(status)).Msg("health probe")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Metrics returns the health view of one provider.
func (m *Monitor) Metrics(name string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return Metrics{}, false
	}
	return m.metricsLocked(name, st), true
}

// Snapshot returns metrics for every provider in registration order.
func (m *Monitor) Snapshot() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.metricsLocked(name, m.states[name]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Status.Rank() < out[j].Status.Rank() })
	return out
}

func (m *Monitor) metricsLocked(name string, st *state) Metrics {
	now := m.opts.Now()
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(st.errors) && st.errors[i].Before(cutoff) {
		i++
	}
	st.errors = st.errors[i:]

	out := Metrics{
		Name:             name,
		Status:           st.status,
		Observations:     len(st.window),
		RecentErrorCount: len(st.errors),
		ConsecutiveTrips: st.streak,
		Disabled:         st.disabled,
		AwaitingProbe:    st.tripped,
		LastError:        st.lastError,
		TotalSuccesses:   st.successes,
		TotalFailures:    st.failures,
	}
	if len(st.window) > 0 {
		out.SuccessRate = successRate(st.window)
		var total time.Duration
		for _, o := range st.window {
			total += o.Latency
		}
		out.AvgLatency = total / time.Duration(len(st.window))
	}
	if !st.lastSuccess.IsZero() {
		t := st.lastSuccess
		out.LastSuccessAt = &t
	}
	if !st.lastFailure.IsZero() {
		t := st.lastFailure
		out.LastFailureAt = &t
	}
	if now.Before(st.cooldown) {
		t := st.cooldown
		out.CooldownUntil = &t
	}
	return out
}

func (m *Monitor) notify(callbacks []TransitionFunc, name string, from, to provider.Status) {
	if from == to {
		return
	}
	m.logger.Info().Str("provider", name).Str("from", string(from)).Str("to", string(to)).Msg("provider status changed")
	for _, f := range callbacks {
		f(name, from, to)
	}
}

func successRate(window []Observation) float64 {
	ok := 0
	for _, o := range window {
		if o.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}
