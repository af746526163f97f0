package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-fallback/internal/fetcher"
	"market-fallback/internal/provider"
)

const (
	// Class is the registry key for this variant.
	Class = "yahoo"

	defaultBaseURL = "https://query1.finance.yahoo.com/v8/finance"
	defaultSuffix  = ".ME"
	healthSymbol   = "SBER.ME"
)

// Options tune the chart client beyond the descriptor.
type Options struct {
	TickerSuffix string
	// Symbols overrides the suffix rule for specific tickers.
	Symbols   map[string]string
	UserAgent string
	Doer      fetcher.Doer
	Now       func() time.Time
}

// Provider reads the Yahoo Finance chart endpoint.
type Provider struct {
	desc   provider.Descriptor
	opts   Options
	client *fetcher.Client
	logger zerolog.Logger
}

// New constructs the secondary-quote provider.
func New(desc provider.Descriptor, opts Options, logger zerolog.Logger) *Provider {
	if desc.BaseURL == "" {
		desc.BaseURL = defaultBaseURL
	}
	if opts.TickerSuffix == "" {
		opts.TickerSuffix = defaultSuffix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provider{
		desc: desc,
		opts: opts,
		client: fetcher.New(fetcher.Options{
			Name:      desc.Name,
			BaseURL:   desc.BaseURL,
			Timeout:   desc.Timeout,
			UserAgent: opts.UserAgent,
			RateLimit: desc.RateLimit,
			MaxBody:   desc.MaxBodyBytes,
			Doer:      opts.Doer,
		}, logger),
		logger: logger.With().Str("component", "provider").Str("provider", desc.Name).Logger(),
	}
}

// Factory adapts New to the provider registry.
func Factory(desc provider.Descriptor, settings map[string]string, logger zerolog.Logger) (provider.Provider, error) {
	return New(desc, Options{
		TickerSuffix: settings["ticker_suffix"],
		Symbols:      parseSymbols(settings["symbols"]),
		UserAgent:    settings["user_agent"],
	}, logger), nil
}

func (p *Provider) Describe() provider.Descriptor {
	return p.desc
}

func (p *Provider) Supports(op provider.Operation) bool {
	switch op {
	case provider.OpMarketData, provider.OpHistorical, provider.OpVolume:
		return true
	default:
		return false
	}
}

// ListSecurities is not offered by the chart API.
func (p *Provider) ListSecurities(ctx context.Context) ([]provider.Security, error) {
	return nil, provider.Unsupported(p.desc.Name, provider.OpSecurities)
}

// MarketData returns chart meta merged with the latest non-empty daily bar.
func (p *Provider) MarketData(ctx context.Context, ticker string) (provider.Raw, error) {
	res, err := p.chart(ctx, provider.OpMarketData, ticker, "1d")
	if err != nil {
		return provider.Raw{}, err
	}

	fields := make(map[string]any, len(res.Meta)+5)
	for k, v := range res.Meta {
		fields[k] = v
	}
	rows := res.rows()
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i]["close"] == nil {
			continue
		}
		for k, v := range rows[i] {
			if _, exists := fields[k]; !exists {
				fields[k] = v
			}
		}
		break
	}

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMarketData,
		Ticker:    ticker,
		Fields:    fields,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

// HistoricalData returns daily bars for the smallest range covering days.
func (p *Provider) HistoricalData(ctx context.Context, ticker string, days int) (provider.Raw, error) {
	return p.series(ctx, provider.OpHistorical, ticker, rangeFor(days))
}

// TradingVolume returns one month of daily bars.
func (p *Provider) TradingVolume(ctx context.Context, ticker string) (provider.Raw, error) {
	return p.series(ctx, provider.OpVolume, ticker, "1mo")
}

// HealthCheck requests a well known symbol and grades by latency.
func (p *Provider) HealthCheck(ctx context.Context) provider.Status {
	started := time.Now()
	var env chartEnvelope
	err := p.client.GetJSON(ctx, "health", "/chart/"+healthSymbol, chartQuery("1d"), &env)
	latency := time.Since(started)
	if err != nil {
		if provider.KindOf(err) == provider.KindMalformed {
			return provider.StatusDegraded
		}
		p.logger.Warn().Err(err).Msg("health probe failed")
		return provider.StatusUnavailable
	}
	if len(env.Chart.Result) == 0 {
		return provider.StatusDegraded
	}
	if latency < 2*time.Second {
		return provider.StatusActive
	}
	return provider.StatusDegraded
}

// Symbol converts an internal ticker into the Yahoo symbol.
func (p *Provider) Symbol(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if mapped, ok := p.opts.Symbols[t]; ok {
		return mapped
	}
	if strings.Contains(t, ".") {
		return t
	}
	return t + p.opts.TickerSuffix
}

func (p *Provider) series(ctx context.Context, op provider.Operation, ticker, rng string) (provider.Raw, error) {
	res, err := p.chart(ctx, op, ticker, rng)
	if err != nil {
		return provider.Raw{}, err
	}
	rows := res.rows()
	if len(rows) == 0 {
		return provider.Raw{}, provider.NewError(p.desc.Name, op, provider.KindNotFound, fmt.Errorf("no bars for %s", ticker))
	}
	return provider.Raw{
		Source:    p.desc.Name,
		Operation: op,
		Ticker:    ticker,
		Fields:    res.Meta,
		Rows:      rows,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

func (p *Provider) chart(ctx context.Context, op provider.Operation, ticker, rng string) (chartResult, error) {
	symbol := p.Symbol(ticker)
	var env chartEnvelope
	if err := p.client.GetJSON(ctx, op, "/chart/"+url.PathEscape(symbol), chartQuery(rng), &env); err != nil {
		return chartResult{}, err
	}
	if env.Chart.Error != nil {
		return chartResult{}, provider.NewError(p.desc.Name, op, provider.KindNotFound,
			fmt.Errorf("%s: %s", env.Chart.Error.Code, env.Chart.Error.Description))
	}
	if len(env.Chart.Result) == 0 {
		return chartResult{}, provider.NewError(p.desc.Name, op, provider.KindNotFound, fmt.Errorf("empty chart for %s", symbol))
	}
	return env.Chart.Result[0], nil
}

func chartQuery(rng string) url.Values {
	q := url.Values{}
	q.Set("interval", "1d")
	q.Set("range", rng)
	q.Set("includePrePost", "false")
	return q
}

// rangeFor picks the chart range bucket for a lookback in days.
func rangeFor(days int) string {
	switch {
	case days <= 0:
		return "1y"
	case days <= 7:
		return "7d"
	case days <= 30:
		return "1mo"
	case days <= 90:
		return "3mo"
	case days <= 180:
		return "6mo"
	case days <= 365:
		return "1y"
	case days <= 730:
		return "2y"
	default:
		return "5y"
	}
}

// parseSymbols reads "SBER=SBER.ME,FXGD=FXGD.ME".
func parseSymbols(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

var _ provider.Provider = (*Provider)(nil)
