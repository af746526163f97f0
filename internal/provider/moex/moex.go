package moex

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
	Class = "moex"

	defaultBaseURL = "https://iss.moex.com/iss"
	defaultBoard   = "TQTF"
	volumeDays     = 30
	dateLayout     = "2006-01-02"
)

// Options tune the ISS client beyond the descriptor.
type Options struct {
	Board     string
	UserAgent string
	Doer      fetcher.Doer
	Now       func() time.Time
}

// Provider reads the Moscow Exchange ISS API.
type Provider struct {
	desc   provider.Descriptor
	opts   Options
	client *fetcher.Client
	logger zerolog.Logger
}

// New constructs the primary-exchange provider.
func New(desc provider.Descriptor, opts Options, logger zerolog.Logger) *Provider {
	if desc.BaseURL == "" {
		desc.BaseURL = defaultBaseURL
	}
	if opts.Board == "" {
		opts.Board = defaultBoard
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
	return New(desc, Options{Board: settings["board"], UserAgent: settings["user_agent"]}, logger), nil
}

func (p *Provider) Describe() provider.Descriptor {
	return p.desc
}

func (p *Provider) Supports(op provider.Operation) bool {
	switch op {
	case provider.OpSecurities, provider.OpMarketData, provider.OpHistorical, provider.OpVolume:
		return true
	default:
		return false
	}
}

// ListSecurities returns every instrument listed on the configured board.
func (p *Provider) ListSecurities(ctx context.Context) ([]provider.Security, error) {
	path := fmt.Sprintf("/engines/stock/markets/shares/boards/%s/securities.json", url.PathEscape(p.opts.Board))
	var resp issResponse
	if err := p.client.GetJSON(ctx, provider.OpSecurities, path, issQuery("securities"), &resp); err != nil {
		return nil, err
	}

	rows := resp.Securities.rows()
	if len(rows) == 0 {
		return nil, provider.NewError(p.desc.Name, provider.OpSecurities, provider.KindNotFound, fmt.Errorf("board %s returned no securities", p.opts.Board))
	}

	securities := make([]provider.Security, 0, len(rows))
	for _, row := range rows {
		ticker := stringValue(row["SECID"])
		if ticker == "" {
			continue
		}
		securities = append(securities, provider.Security{
			Ticker:   ticker,
			Name:     stringValue(row["SHORTNAME"]),
			FullName: stringValue(row["SECNAME"]),
			Currency: firstNonEmpty(stringValue(row["CURRENCYID"]), stringValue(row["FACEUNIT"])),
			Board:    stringValue(row["BOARDID"]),
			LotSize:  intValue(row["LOTSIZE"]),
			Source:   p.desc.Name,
		})
	}
	p.logger.Debug().Int("count", len(securities)).Str("board", p.opts.Board).Msg("securities listed")
	return securities, nil
}

// MarketData merges the reference and market snapshot rows for one ticker.
func (p *Provider) MarketData(ctx context.Context, ticker string) (provider.Raw, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	path := fmt.Sprintf("/engines/stock/markets/shares/securities/%s.json", url.PathEscape(ticker))
	var resp issResponse
	if err := p.client.GetJSON(ctx, provider.OpMarketData, path, issQuery("securities,marketdata"), &resp); err != nil {
		return provider.Raw{}, err
	}

	security := p.pickBoard(resp.Securities.rows())
	if security == nil {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindNotFound, fmt.Errorf("ticker %s not listed", ticker))
	}

	fields := make(map[string]any, len(security)*2)
	for k, v := range security {
		fields[k] = v
	}
	if market := p.pickBoard(resp.MarketData.rows()); market != nil {
		for k, v := range market {
			if v != nil {
				fields[k] = v
			}
		}
	}

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMarketData,
		Ticker:    ticker,
		Fields:    fields,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

// HistoricalData returns daily candles covering the last days.
func (p *Provider) HistoricalData(ctx context.Context, ticker string, days int) (provider.Raw, error) {
	return p.candles(ctx, provider.OpHistorical, ticker, days)
}

// TradingVolume returns the last month of daily candles.
func (p *Provider) TradingVolume(ctx context.Context, ticker string) (provider.Raw, error) {
	return p.candles(ctx, provider.OpVolume, ticker, volumeDays)
}

// HealthCheck grades the index endpoint by latency.
func (p *Provider) HealthCheck(ctx context.Context) provider.Status {
	latency, err := p.client.Ping(ctx, "/index.json", issQuery("engines"))
	if err != nil {
		p.logger.Warn().Err(err).Msg("health probe failed")
		return provider.StatusUnavailable
	}
	if latency < time.Second {
		return provider.StatusActive
	}
	return provider.StatusDegraded
}

func (p *Provider) candles(ctx context.Context, op provider.Operation, ticker string, days int) (provider.Raw, error) {
	if days <= 0 {
		days = 365
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	now := p.opts.Now().UTC()
	query := url.Values{}
	query.Set("from", now.AddDate(0, 0, -days).Format(dateLayout))
	query.Set("till", now.Format(dateLayout))
	query.Set("interval", "24")
	query.Set("iss.meta", "off")

	path := fmt.Sprintf("/engines/stock/markets/shares/securities/%s/candles.json", url.PathEscape(ticker))
	var resp issResponse
	if err := p.client.GetJSON(ctx, op, path, query, &resp); err != nil {
		return provider.Raw{}, err
	}

	rows := resp.Candles.rows()
	if len(rows) == 0 {
		return provider.Raw{}, provider.NewError(p.desc.Name, op, provider.KindNotFound, fmt.Errorf("no candles for %s", ticker))
	}

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: op,
		Ticker:    ticker,
		Fields:    map[string]any{"SECID": ticker, "CURRENCYID": "RUB", "period_days": days},
		Rows:      rows,
		FetchedAt: now,
	}, nil
}

// pickBoard prefers the configured board when a security trades on several.
func (p *Provider) pickBoard(rows []map[string]any) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if strings.EqualFold(stringValue(row["BOARDID"]), p.opts.Board) {
			return row
		}
	}
	return rows[0]
}

func issQuery(only string) url.Values {
	q := url.Values{}
	q.Set("iss.meta", "off")
	q.Set("iss.only", only)
	return q
}

var _ provider.Provider = (*Provider)(nil)
