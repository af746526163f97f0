package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-fallback/internal/alerting"
	"market-fallback/internal/api"
	"market-fallback/internal/cache"
	"market-fallback/internal/config"
	"market-fallback/internal/fallback"
	"market-fallback/internal/health"
	"market-fallback/internal/metrics"
	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
	"market-fallback/internal/provider/cbr"
	"market-fallback/internal/provider/investfunds"
	"market-fallback/internal/provider/moex"
	"market-fallback/internal/provider/yahoo"
	"market-fallback/internal/quality"
	"market-fallback/internal/recovery"
	"market-fallback/internal/scheduler"
	"market-fallback/internal/service"
	"market-fallback/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// Engine is the fully wired fallback stack shared by every command.
type Engine struct {
	Providers []provider.Provider
	Monitor   *health.Monitor
	Recovery  *recovery.Manager
	Cache     *cache.Store
	Counters  *metrics.Registry
	Manager   *fallback.Manager
	Backend   storage.Backend
}

// Close stops health probes, flushes pending notifications and releases
// storage.
func (e *Engine) Close() {
	if e.Monitor != nil {
		e.Monitor.Stop()
	}
	if e.Recovery != nil {
		e.Recovery.Close()
	}
	if e.Cache != nil {
		e.Cache.Flush()
	}
	if e.Backend != nil {
		e.Backend.Close()
	}
}

// newRegistry binds every built-in provider class.
func newRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	factories := []struct {
		class string
		f     provider.Factory
	}{
		{moex.Class, moex.Factory},
		{yahoo.Class, yahoo.Factory},
		{cbr.Class, cbr.Factory},
		{investfunds.Class, investfunds.Factory},
	}
	for _, item := range factories {
		if err := reg.Register(item.class, item.f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *App) newProviders(norm *normalize.Normalizer) ([]provider.Provider, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}

	var out []provider.Provider
	for _, pc := range a.Config.Providers {
		desc := pc.Descriptor()
		if !desc.Enabled {
			a.Logger.Info().Str("provider", desc.Name).Msg("provider disabled in config")
			continue
		}
		p, err := reg.Build(desc, pc.Options, a.Logger)
		if err != nil {
			return nil, err
		}
		mapping, ok := normalize.MappingFor(desc.Class)
		if !ok {
			return nil, fmt.Errorf("provider %s: no field mapping for class %q", desc.Name, desc.Class)
		}
		norm.Register(desc.Name, desc.Tier, mapping)
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("no enabled providers configured")
	}
	return out, nil
}

func (a *App) newNormalizer() (*normalize.Normalizer, error) {
	opts := normalize.Options{MinPrice: a.Config.Normalize.MinPrice, MaxPrice: a.Config.Normalize.MaxPrice}
	if path := a.Config.Normalize.SymbolsFile; path != "" {
		symbols, err := normalize.LoadSymbolMap(path)
		if err != nil {
			return nil, err
		}
		opts.Symbols = symbols
	}
	return normalize.New(opts), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	channels := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
	}
	return channels
}

func (a *App) openStore(ctx context.Context) (storage.Backend, error) {
	return storage.Open(ctx, a.Config.Database)
}

// BuildEngine wires providers, health, recovery, cache and the fallback
// manager. Callers must Close the engine.
func (a *App) BuildEngine(ctx context.Context) (*Engine, error) {
	backend, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	eng := &Engine{Backend: backend, Counters: metrics.New()}

	norm, err := a.newNormalizer()
	if err != nil {
		eng.Close()
		return nil, err
	}
	providers, err := a.newProviders(norm)
	if err != nil {
		eng.Close()
		return nil, err
	}
	eng.Providers = providers

	hc := a.Config.Health
	eng.Monitor = health.New(health.Options{
		Interval:          hc.Interval,
		WindowSize:        hc.WindowSize,
		WindowAge:         hc.WindowAge,
		ActiveThreshold:   hc.ActiveThreshold,
		DegradedThreshold: hc.DegradedThreshold,
		BaseCooldown:      hc.BaseCooldown,
		MaxCooldown:       hc.MaxCooldown,
		ProbeTimeout:      hc.ProbeTimeout,
	}, providers, a.Logger)

	var incidents storage.IncidentStore
	if backend != nil {
		incidents = backend
	}
	eng.Recovery = recovery.New(recovery.Options{
		BurstThreshold: a.Config.Recovery.BurstThreshold,
		BurstWindow:    a.Config.Recovery.BurstWindow,
	}, eng.Monitor, incidents, a.newNotifier(), a.Logger)
	eng.Monitor.OnTransition(eng.Recovery.OnTransition)

	cacheOpts := cache.Options{
		TTL:        a.Config.Cache.TTL(),
		MaxAge:     a.Config.Cache.MaxAge(),
		MaxEntries: a.Config.Cache.MaxEntries,
	}
	if backend != nil && a.Config.Cache.Persist {
		cacheOpts.Persister = backend
	}
	eng.Cache = cache.New(cacheOpts, a.Logger)

	qc := a.Config.Quality
	threshold := a.Config.Fallback.QualityThreshold
	eng.Manager = fallback.New(fallback.Options{
		QualityThreshold: &threshold,
		Mode:             fallback.Mode(a.Config.Fallback.Mode),
		DefaultDays:      a.Config.Fallback.DefaultDays,
		RetryBackoff:     a.Config.Fallback.RetryBackoff,
	}, fallback.Components{
		Providers:  providers,
		Health:     eng.Monitor,
		Failures:   eng.Recovery,
		Normalizer: norm,
		Assessor: quality.New(quality.Options{
			FreshnessWindow:      qc.FreshnessWindow,
			MaxAge:               qc.MaxAge,
			ConsistencyTolerance: qc.ConsistencyTolerance,
			ConsistencyHorizon:   qc.ConsistencyHorizon,
		}),
		Cache:   eng.Cache,
		Metrics: eng.Counters,
	}, a.Logger)

	return eng, nil
}

// warmCache loads persisted cache entries for one-shot commands.
func (a *App) warmCache(ctx context.Context, eng *Engine) {
	if !a.Config.Cache.Persist || eng.Backend == nil {
		return
	}
	n, err := eng.Cache.Load(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("cache warm-load failed")
		return
	}
	a.Logger.Debug().Int("entries", n).Msg("cache warmed from storage")
}

// Run executes the long-running engine: health probing, maintenance and the
// HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := a.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	if eng.Backend == nil {
		a.Logger.Warn().Msg("database not configured; persistence disabled")
	}

	sched := scheduler.New(scheduler.Options{
		Name:     "maintenance",
		Interval: a.Config.Maintenance.Interval,
	}, a.Logger)

	var snapshots storage.SnapshotStore
	if eng.Backend != nil {
		snapshots = eng.Backend
	}
	svc := service.New(a.Config, service.Deps{
		Scheduler: sched,
		Monitor:   eng.Monitor,
		Cache:     eng.Cache,
		Counters:  eng.Counters,
		Snapshots: snapshots,
		Recovery:  eng.Recovery,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.API.Enabled {
		srv := api.New(api.Options{
			Addr:           a.Config.API.Addr,
			AllowedOrigins: a.Config.API.AllowedOrigins,
			RequestTimeout: a.Config.API.RequestTimeout,
			MaxBodyBytes:   a.Config.API.MaxBodyBytes,
		}, eng.Manager, eng.Monitor, eng.Recovery, eng.Counters, a.Logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	a.Logger.Info().Int("providers", len(eng.Providers)).Msg("starting fallback engine")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("fallback engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting provider snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Provider  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Incidents bool
}

// FetchOptions configure a one-shot data request.
type FetchOptions struct {
	Operation       string
	Ticker          string
	Days            int
	StrictFreshness bool
}

// WarmOptions configure cache pre-population.
type WarmOptions struct {
	Tickers     []string
	Operations  []string
	Concurrency int
}

// SimulateOptions configure an outage drill.
type SimulateOptions struct {
	Provider string
	Failures int
}
