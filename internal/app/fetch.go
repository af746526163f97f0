package app

import (
	"context"
	"encoding/json"
)

// Fetch answers one request through the fallback chain and prints the
// result as JSON.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	eng, err := a.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	a.warmCache(ctx, eng)

	args := map[string]any{}
	if opts.Ticker != "" {
		args["ticker"] = opts.Ticker
	}
	if opts.Days > 0 {
		args["days"] = opts.Days
	}
	if opts.StrictFreshness {
		args["strict_freshness"] = true
	}

	res, err := eng.Manager.GetDataWithFallback(ctx, opts.Operation, args)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
