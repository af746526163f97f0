package cbr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-fallback/internal/fetcher"
	"market-fallback/internal/provider"
)

const (
	// Class is the registry key for this variant.
	Class = "cbr"

	defaultBaseURL = "https://www.cbr-xml-daily.ru/api"
)

// DefaultCurrencies are the codes published by the provider.
var DefaultCurrencies = []string{"USD", "EUR", "CNY", "GBP", "JPY", "CHF", "TRY", "KZT", "BYN", "AMD", "HKD", "INR"}

// Options tune the daily-rates client.
type Options struct {
	Currencies []string
	UserAgent  string
	Doer       fetcher.Doer
	Now        func() time.Time
}

// Provider reads the central bank daily rates mirror. Currency codes act as
// tickers for market data; exchange instruments are not served.
type Provider struct {
	desc      provider.Descriptor
	opts      Options
	supported map[string]struct{}
	client    *fetcher.Client
	logger    zerolog.Logger
}

// New constructs the macro-data provider.
func New(desc provider.Descriptor, opts Options, logger zerolog.Logger) *Provider {
	if desc.BaseURL == "" {
		desc.BaseURL = defaultBaseURL
	}
	if len(opts.Currencies) == 0 {
		opts.Currencies = DefaultCurrencies
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	supported := make(map[string]struct{}, len(opts.Currencies))
	for _, c := range opts.Currencies {
		supported[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return &Provider{
		desc:      desc,
		opts:      opts,
		supported: supported,
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
	var currencies []string
	if raw := strings.TrimSpace(settings["currencies"]); raw != "" {
		currencies = strings.Split(raw, ",")
	}
	return New(desc, Options{Currencies: currencies, UserAgent: settings["user_agent"]}, logger), nil
}

func (p *Provider) Describe() provider.Descriptor {
	return p.desc
}

func (p *Provider) Supports(op provider.Operation) bool {
	return op == provider.OpMarketData || op == provider.OpMacro
}

func (p *Provider) ListSecurities(ctx context.Context) ([]provider.Security, error) {
	return nil, provider.Unsupported(p.desc.Name, provider.OpSecurities)
}

// MarketData returns the official rate for a currency code such as USD or
// USDRUB.
func (p *Provider) MarketData(ctx context.Context, ticker string) (provider.Raw, error) {
	code := currencyCode(ticker)
	if _, ok := p.supported[code]; !ok {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindNotFound, fmt.Errorf("%s is not a published currency", ticker))
	}

	daily, err := p.latest(ctx, provider.OpMarketData)
	if err != nil {
		return provider.Raw{}, err
	}
	valute, ok := daily.Valute[code]
	if !ok {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindNotFound, fmt.Errorf("no rate for %s", code))
	}

	fields := valute.fields()
	fields["Date"] = daily.Date
	fields["Timestamp"] = daily.Timestamp

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMarketData,
		Ticker:    ticker,
		Fields:    fields,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

func (p *Provider) HistoricalData(ctx context.Context, ticker string, days int) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpHistorical)
}

func (p *Provider) TradingVolume(ctx context.Context, ticker string) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpVolume)
}

// Macro returns the latest official rates for every supported currency.
func (p *Provider) Macro(ctx context.Context) (provider.Raw, error) {
	daily, err := p.latest(ctx, provider.OpMacro)
	if err != nil {
		return provider.Raw{}, err
	}

	codes := make([]string, 0, len(daily.Valute))
	for code := range daily.Valute {
		if _, ok := p.supported[code]; ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	rows := make([]map[string]any, 0, len(codes))
	for _, code := range codes {
		rows = append(rows, daily.Valute[code].fields())
	}
	if len(rows) == 0 {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMacro, provider.KindMalformed, fmt.Errorf("no supported currencies in response"))
	}

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMacro,
		Fields: map[string]any{
			"Date":         daily.Date,
			"PreviousDate": daily.PreviousDate,
			"Timestamp":    daily.Timestamp,
		},
		Rows:      rows,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

// RatesOn fetches the archive for a specific day.
func (p *Provider) RatesOn(ctx context.Context, day time.Time) (provider.Raw, error) {
	var daily dailyResponse
	path := "/archive/" + day.Format("2006/01/02") + ".js"
	if err := p.client.GetJSON(ctx, provider.OpMacro, path, nil, &daily); err != nil {
		return provider.Raw{}, err
	}
	rows := make([]map[string]any, 0, len(daily.Valute))
	for code, v := range daily.Valute {
		if _, ok := p.supported[code]; ok {
			rows = append(rows, v.fields())
		}
	}
	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMacro,
		Fields:    map[string]any{"Date": daily.Date, "Timestamp": daily.Timestamp},
		Rows:      rows,
		FetchedAt: p.opts.Now().UTC(),
	}, nil
}

// HealthCheck loads the latest rates and grades by latency.
func (p *Provider) HealthCheck(ctx context.Context) provider.Status {
	started := time.Now()
	daily, err := p.latest(ctx, "health")
	if err != nil {
		if provider.KindOf(err) == provider.KindMalformed {
			return provider.StatusDegraded
		}
		p.logger.Warn().Err(err).Msg("health probe failed")
		return provider.StatusUnavailable
	}
	if len(daily.Valute) == 0 {
		return provider.StatusDegraded
	}
	if time.Since(started) < time.Second {
		return provider.StatusActive
	}
	return provider.StatusDegraded
}

func (p *Provider) latest(ctx context.Context, op provider.Operation) (dailyResponse, error) {
	var daily dailyResponse
	if err := p.client.GetJSON(ctx, op, "/latest.js", nil, &daily); err != nil {
		return dailyResponse{}, err
	}
	return daily, nil
}

// currencyCode accepts USD, usd, USDRUB, USD/RUB and USD_RUB.
func currencyCode(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	t = strings.NewReplacer("/", "", "_", "", "-", "").Replace(t)
	if len(t) == 6 && strings.HasSuffix(t, "RUB") {
		t = t[:3]
	}
	return t
}

type dailyResponse struct {
	Date         string            `json:"Date"`
	PreviousDate string            `json:"PreviousDate"`
	Timestamp    string            `json:"Timestamp"`
	Valute       map[string]valute `json:"Valute"`
}

type valute struct {
	ID       string  `json:"ID"`
	NumCode  string  `json:"NumCode"`
	CharCode string  `json:"CharCode"`
	Nominal  float64 `json:"Nominal"`
	Name     string  `json:"Name"`
	Value    float64 `json:"Value"`
	Previous float64 `json:"Previous"`
}

func (v valute) fields() map[string]any {
	return map[string]any{
		"CharCode": v.CharCode,
		"Name":     v.Name,
		"Nominal":  v.Nominal,
		"Value":    v.Value,
		"Previous": v.Previous,
	}
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.MacroProvider = (*Provider)(nil)
)
