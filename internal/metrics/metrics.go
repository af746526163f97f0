// Package metrics holds monotonic process counters for the fallback engine.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProviderCounters are per-provider request outcomes.
type ProviderCounters struct {
	Requests   atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	Retries    atomic.Int64
	LowQuality atomic.Int64
	latencyNs  atomic.Int64
}

// Registry aggregates counters. The zero value is not usable; call New.
type Registry struct {
	started time.Time

	Requests     atomic.Int64
	LiveServed   atomic.Int64
	CacheServed  atomic.Int64
	CacheExpired atomic.Int64
	Exhausted    atomic.Int64
	Coalesced    atomic.Int64
	Cancelled    atomic.Int64

	mu        sync.RWMutex
	providers map[string]*ProviderCounters
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{started: time.Now().UTC(), providers: make(map[string]*ProviderCounters)}
}

// Provider returns the counters for name, creating them on first use.
func (r *Registry) Provider(name string) *ProviderCounters {
	r.mu.RLock()
	c, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.providers[name]; ok {
		return c
	}
	c = &ProviderCounters{}
	r.providers[name] = c
	return c
}

// ObserveAttempt records one provider call outcome.
func (r *Registry) ObserveAttempt(name string, success bool, latency time.Duration) {
	c := r.Provider(name)
	c.Requests.Add(1)
	if success {
		c.Successes.Add(1)
	} else {
		c.Failures.Add(1)
	}
	c.latencyNs.Add(int64(latency))
}

// ProviderSnapshot is the JSON view of one provider's counters.
type ProviderSnapshot struct {
	Name         string  `json:"name"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	Retries      int64   `json:"retries"`
	LowQuality   int64   `json:"low_quality"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Snapshot is the JSON document served at /metrics.
type Snapshot struct {
	StartedAt     time.Time          `json:"started_at"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Requests      int64              `json:"requests"`
	LiveServed    int64              `json:"live_served"`
	CacheServed   int64              `json:"cache_served"`
	CacheExpired  int64              `json:"cache_expired"`
	Exhausted     int64              `json:"exhausted"`
	Coalesced     int64              `json:"coalesced"`
	Cancelled     int64              `json:"cancelled"`
	CacheHitRatio float64            `json:"cache_hit_ratio"`
	Providers     []ProviderSnapshot `json:"providers"`
}

// Snapshot reads every counter. Values are individually consistent.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		StartedAt:     r.started,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Requests:      r.Requests.Load(),
		LiveServed:    r.LiveServed.Load(),
		CacheServed:   r.CacheServed.Load(),
		CacheExpired:  r.CacheExpired.Load(),
		Exhausted:     r.Exhausted.Load(),
		Coalesced:     r.Coalesced.Load(),
		Cancelled:     r.Cancelled.Load(),
	}
	if served := s.LiveServed + s.CacheServed; served > 0 {
		s.CacheHitRatio = float64(s.CacheServed) / float64(served)
	}

	r.mu.RLock()
	for name, c := range r.providers {
		ps := ProviderSnapshot{
			Name:       name,
			Requests:   c.Requests.Load(),
			Successes:  c.Successes.Load(),
			Failures:   c.Failures.Load(),
			Retries:    c.Retries.Load(),
			LowQuality: c.LowQuality.Load(),
		}
		if ps.Requests > 0 {
			ps.AvgLatencyMs = float64(c.latencyNs.Load()) / float64(ps.Requests) / float64(time.Millisecond)
		}
		s.Providers = append(s.Providers, ps)
	}
	r.mu.RUnlock()

	sort.Slice(s.Providers, func(i, j int) bool { return s.Providers[i].Name < s.Providers[j].Name })
	return s
}
