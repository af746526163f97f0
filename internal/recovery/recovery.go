// Package recovery reacts to failed provider attempts: it feeds the health
// monitor, fast-fails providers that fail in bursts, and keeps the operator
// informed through incidents and notifications.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-fallback/internal/alerting"
	"market-fallback/internal/provider"
	"market-fallback/internal/scheduler"
	"market-fallback/internal/storage"
)

// Monitor is the part of the health monitor the manager drives.
type Monitor interface {
	Record(name string, success bool, latency time.Duration, err error)
	ForceUnavailable(name, reason string)
	InCooldown(name string) bool
	Disable(name string) bool
	Enable(name string) bool
}

// Options configure the manager.
type Options struct {
	BurstThreshold int
	BurstWindow    time.Duration
	PersistTimeout time.Duration
	NotifyTimeout  time.Duration
	Now            func() time.Time
}

func (o *Options) defaults() {
	if o.BurstThreshold <= 0 {
		o.BurstThreshold = 5
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = 10 * time.Minute
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager implements the fallback failure handler.
type Manager struct {
	opts      Options
	monitor   Monitor
	incidents storage.IncidentStore
	notifier  alerting.Notifier
	logger    zerolog.Logger
	// writes persists incidents off the request path, in order.
	writes *scheduler.Queue

	mu      sync.Mutex
	bursts  map[string][]time.Time
	lastErr map[string]string
	open    map[string]string

	pending sync.WaitGroup
}

// New wires a manager. incidents and notifier may be nil.
func New(opts Options, monitor Monitor, incidents storage.IncidentStore, notifier alerting.Notifier, logger zerolog.Logger) *Manager {
	opts.defaults()
	return &Manager{
		opts:      opts,
		monitor:   monitor,
		incidents: incidents,
		notifier:  notifier,
		logger:    logger.With().Str("component", "recovery").Logger(),
		writes:    scheduler.NewQueue(scheduler.QueueOptions{Name: "incidents", Timeout: opts.PersistTimeout}, logger),
		bursts:    make(map[string][]time.Time),
		lastErr:   make(map[string]string),
		open:      make(map[string]string),
	}
}

// HandleFailure logs the failure, records it with the monitor and forces the
// provider unavailable when more than BurstThreshold failures land within
// BurstWindow.
func (m *Manager) HandleFailure(_ context.Context, name string, latency time.Duration, err error) {
	m.logger.Warn().
		Err(err).
		Str("provider", name).
		Str("kind", string(provider.KindOf(err))).
		Dur("latency", latency).
		Msg("provider attempt failed")

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	m.mu.Lock()
	m.lastErr[name] = errMsg
	m.mu.Unlock()

	m.monitor.Record(name, false, latency, err)

	cooling := m.monitor.InCooldown(name)
	now := m.opts.Now()

	m.mu.Lock()
	burst := trim(append(m.bursts[name], now), now.Add(-m.opts.BurstWindow))
	count := len(burst)
	tripped := count > m.opts.BurstThreshold && !cooling
	if tripped {
		burst = nil
	}
	m.bursts[name] = burst
	m.mu.Unlock()

	if !tripped {
		return
	}
	reason := fmt.Sprintf("%d failures within %s", count, m.opts.BurstWindow)
	m.openIncident(name, count, errMsg, reason)
	m.monitor.ForceUnavailable(name, reason)
}

// OnTransition is registered with the health monitor. Entering Unavailable
// opens an incident when none is open; leaving it resolves the incident.
func (m *Manager) OnTransition(name string, from, to provider.Status) {
	switch {
	case to == provider.StatusUnavailable && from != provider.StatusUnavailable:
		m.mu.Lock()
		errMsg := m.lastErr[name]
		m.mu.Unlock()
		m.openIncident(name, 0, errMsg, "success rate below threshold")
	case from == provider.StatusUnavailable && to != provider.StatusUnavailable:
		m.resolveIncident(name, to)
	}
}

func (m *Manager) openIncident(name string, failures int, errMsg, reason string) {
	now := m.opts.Now().UTC()

	m.mu.Lock()
	if _, exists := m.open[name]; exists {
		m.mu.Unlock()
		return
	}
	id := uuid.NewString()
	m.open[name] = id
	m.mu.Unlock()

	m.logger.Error().
		Str("provider", name).
		Str("incident", id).
		Int("failures", failures).
		Str("reason", reason).
		Msg("provider incident opened")

	if m.incidents != nil {
		inc := storage.Incident{
			ID:        id,
			Provider:  name,
			OpenedAt:  now,
			Failures:  failures,
			LastError: errMsg,
		}
		m.writes.Submit(func(ctx context.Context) {
			if err := m.incidents.InsertIncident(ctx, inc); err != nil {
				m.logger.Error().Err(err).Str("incident", id).Msg("persist incident failed")
			}
		})
	}

	m.notifyAsync(alerting.Notification{
		Provider:      name,
		Kind:          alerting.KindIncident,
		Status:        string(provider.StatusUnavailable),
		Failures:      failures,
		Window:        m.opts.BurstWindow,
		LastError:     errMsg,
		IncidentID:    id,
		OccurredAt:    now,
		AdditionalMsg: reason,
	})
}

func (m *Manager) resolveIncident(name string, to provider.Status) {
	now := m.opts.Now().UTC()

	m.mu.Lock()
	id, exists := m.open[name]
	delete(m.open, name)
	delete(m.bursts, name)
	m.mu.Unlock()
	if !exists {
		return
	}

	m.logger.Info().Str("provider", name).Str("incident", id).Str("status", string(to)).Msg("provider incident resolved")

	if m.incidents != nil {
		m.writes.Submit(func(ctx context.Context) {
			if _, err := m.incidents.ResolveIncidents(ctx, name, now); err != nil {
				m.logger.Error().Err(err).Str("incident", id).Msg("resolve incident failed")
			}
		})
	}

	m.notifyAsync(alerting.Notification{
		Provider:   name,
		Kind:       alerting.KindRecovered,
		Status:     string(to),
		IncidentID: id,
		OccurredAt: now,
	})
}

func (m *Manager) notifyAsync(note alerting.Notification) {
	if m.notifier == nil {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.NotifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, note); err != nil {
			m.logger.Warn().Err(err).Str("provider", note.Provider).Str("kind", string(note.Kind)).Msg("operator notification failed")
		}
	}()
}

// Disable takes name out of rotation until Enable.
func (m *Manager) Disable(name string) bool {
	ok := m.monitor.Disable(name)
	if ok {
		m.logger.Warn().Str("provider", name).Msg("provider disabled")
	}
	return ok
}

// Enable returns name to rotation and forgets its failure burst.
func (m *Manager) Enable(name string) bool {
	ok := m.monitor.Enable(name)
	if ok {
		m.mu.Lock()
		delete(m.bursts, name)
		m.mu.Unlock()
		m.logger.Info().Str("provider", name).Msg("provider enabled")
	}
	return ok
}

// OpenIncidents maps provider name to the open incident id.
func (m *Manager) OpenIncidents() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.open))
	for k, v := range m.open {
		out[k] = v
	}
	return out
}

// Close waits for queued incident writes and in-flight notifications.
func (m *Manager) Close() {
	m.writes.Wait()
	m.pending.Wait()
}

func trim(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
