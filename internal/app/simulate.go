package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-fallback/internal/provider"
)

// SimulateOutage 模拟一次供应商故障：连续注入失败直到触发强制下线与告警。
func (a *App) SimulateOutage(ctx context.Context, opts SimulateOptions) error {
	if opts.Provider == "" {
		return errors.New("provider is required")
	}
	if opts.Failures <= 0 {
		opts.Failures = a.Config.Recovery.BurstThreshold + 1
	}

	eng, err := a.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, ok := eng.Monitor.Metrics(opts.Provider); !ok {
		return fmt.Errorf("unknown or disabled provider %q", opts.Provider)
	}

	cause := provider.NewError(opts.Provider, provider.OpMarketData, provider.KindServer, errors.New("simulated outage"))
	for i := 0; i < opts.Failures; i++ {
		eng.Recovery.HandleFailure(ctx, opts.Provider, 50*time.Millisecond, cause)
	}

	m, _ := eng.Monitor.Metrics(opts.Provider)
	fmt.Fprintf(a.Out, "provider: %s\nstatus: %s\nfailures injected: %d\n", m.Name, m.Status, opts.Failures)
	if m.CooldownUntil != nil {
		fmt.Fprintf(a.Out, "cooldown until: %s\n", m.CooldownUntil.UTC().Format(time.RFC3339))
	}
	if id, ok := eng.Recovery.OpenIncidents()[opts.Provider]; ok {
		fmt.Fprintf(a.Out, "incident: %s\n", id)
	}
	return nil
}
