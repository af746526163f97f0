package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-fallback/internal/config"
	"market-fallback/internal/health"
	"market-fallback/internal/metrics"
	"market-fallback/internal/scheduler"
	"market-fallback/internal/storage"
)

// Monitor is the health monitor lifecycle the service owns.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Snapshot() []health.Metrics
}

// Cache is the cache store housekeeping surface.
type Cache interface {
	Load(ctx context.Context) (int, error)
	Prune(ctx context.Context) (int, error)
	Len() int
}

// Closer flushes background work on shutdown.
type Closer interface {
	Close()
}

// Service runs the health monitor and a periodic maintenance job that prunes
// the cache and records provider snapshots.
type Service struct {
	scheduler *scheduler.Scheduler
	monitor   Monitor
	cache     Cache
	counters  *metrics.Registry
	snapshots storage.SnapshotStore
	recovery  Closer
	logger    zerolog.Logger

	locker    storage.AdvisoryLocker
	lockKey   int64
	retention time.Duration
	warm      bool
	now       func() time.Time
}

// Deps groups the collaborators of the service. Snapshots and Recovery may be nil.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Monitor   Monitor
	Cache     Cache
	Counters  *metrics.Registry
	Snapshots storage.SnapshotStore
	Recovery  Closer
	Now       func() time.Time
}

// New constructs the service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Snapshots.(storage.AdvisoryLocker); ok {
		locker = l
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		scheduler: deps.Scheduler,
		monitor:   deps.Monitor,
		cache:     deps.Cache,
		counters:  deps.Counters,
		snapshots: deps.Snapshots,
		recovery:  deps.Recovery,
		logger:    logger.With().Str("component", "service").Logger(),
		locker:    locker,
		lockKey:   cfg.Maintenance.AdvisoryLockKey,
		retention: cfg.Maintenance.SnapshotRetention,
		warm:      cfg.Cache.Persist,
		now:       now,
	}
}

// Run warms the cache, starts health probing and blocks on the maintenance
// loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if s.warm && s.cache != nil {
		loaded, err := s.cache.Load(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache warm-load failed")
		} else {
			s.logger.Info().Int("entries", loaded).Msg("cache warmed from storage")
		}
	}

	if s.monitor != nil {
		if err := s.monitor.Start(ctx); err != nil {
			return fmt.Errorf("start health monitor: %w", err)
		}
		defer s.monitor.Stop()
	}
	if s.recovery != nil {
		defer s.recovery.Close()
	}

	err := s.scheduler.Run(ctx, s.ProcessTick)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessTick 执行一次维护任务。
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip maintenance because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, at)
}

func (s *Service) executeTick(ctx context.Context, at time.Time) error {
	var errs []error

	if s.cache != nil {
		pruned, err := s.cache.Prune(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune cache")
			errs = append(errs, fmt.Errorf("prune cache: %w", err))
		}
		s.logger.Debug().Int("pruned", pruned).Int("entries", s.cache.Len()).Msg("cache pruned")
	}

	snaps := s.Snapshots(at)
	if s.snapshots != nil && len(snaps) > 0 {
		if err := s.snapshots.InsertSnapshots(ctx, snaps); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist provider snapshots")
			errs = append(errs, fmt.Errorf("persist snapshots: %w", err))
		}
		if s.retention > 0 {
			if _, err := s.snapshots.DeleteSnapshotsBefore(ctx, at.Add(-s.retention)); err != nil {
				s.logger.Error().Err(err).Msg("failed to trim provider snapshots")
				errs = append(errs, fmt.Errorf("trim snapshots: %w", err))
			}
		}
	}

	for _, snap := range snaps {
		s.logger.Info().
			Str("provider", snap.Provider).
			Str("status", snap.Status).
			Float64("success_rate", snap.SuccessRate).
			Dur("avg_latency", snap.AvgLatency).
			Msg("provider snapshot")
	}
	return errors.Join(errs...)
}

// Snapshots merges health metrics with request counters, one row per provider.
func (s *Service) Snapshots(at time.Time) []storage.ProviderSnapshot {
	if s.monitor == nil {
		return nil
	}
	at = at.UTC()
	rows := s.monitor.Snapshot()
	out := make([]storage.ProviderSnapshot, 0, len(rows))
	for _, h := range rows {
		snap := storage.ProviderSnapshot{
			Provider:     h.Name,
			TakenAt:      at,
			Status:       string(h.Status),
			SuccessRate:  h.SuccessRate,
			AvgLatency:   h.AvgLatency,
			Observations: h.Observations,
			RecentErrors: h.RecentErrorCount,
		}
		if s.counters != nil {
			c := s.counters.Provider(h.Name)
			snap.Requests = c.Requests.Load()
			snap.Failures = c.Failures.Load()
		}
		out = append(out, snap)
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
