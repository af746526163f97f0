package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Warm requests every ticker and operation pair so the cache and its
// persisted copy hold a last-known-good answer.
func (a *App) Warm(ctx context.Context, opts WarmOptions) error {
	if len(opts.Tickers) == 0 {
		return errors.New("at least one ticker is required")
	}
	if len(opts.Operations) == 0 {
		opts.Operations = []string{"market_data"}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	eng, err := a.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	a.warmCache(ctx, eng)

	var ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, op := range opts.Operations {
		for _, ticker := range opts.Tickers {
			ticker = strings.TrimSpace(ticker)
			if ticker == "" {
				continue
			}
			g.Go(func() error {
				res, err := eng.Manager.GetDataWithFallback(gctx, op, map[string]any{"ticker": ticker})
				if err != nil {
					failed.Add(1)
					a.Logger.Warn().Err(err).Str("operation", op).Str("ticker", ticker).Msg("warm request failed")
					return nil
				}
				ok.Add(1)
				a.Logger.Info().
					Str("operation", op).
					Str("ticker", ticker).
					Str("source", res.Source).
					Float64("quality", res.QualityScore).
					Msg("warmed")
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "warmed %d, failed %d, cache entries %d\n", ok.Load(), failed.Load(), eng.Cache.Len())
	if failed.Load() > 0 && ok.Load() == 0 {
		return errors.New("every warm request failed")
	}
	return ctx.Err()
}
