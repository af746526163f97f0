package investfunds

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"market-fallback/internal/fetcher"
	"market-fallback/internal/provider"
)

const (
	// Class is the registry key for this variant.
	Class = "investfunds"

	defaultBaseURL = "https://investfunds.ru"
)

// DefaultFundIDs maps exchange tickers to fund page ids.
var DefaultFundIDs = map[string]int{
	"LQDT": 5973,
	"AKMB": 6225,
	"AKGD": 7589,
	"AMNR": 10053,
	"SBMX": 5247,
	"SBGB": 5393,
	"SBGD": 8293,
	"SBMM": 7373,
	"SBRB": 5713,
	"TMOS": 6333,
	"TGLD": 6329,
	"TBRU": 7067,
	"TDIV": 9585,
	"TMON": 8628,
	"TRUR": 5945,
	"BCSD": 10831,
	"GOLD": 6223,
	"YUAN": 8666,
}

// Options tune the scraper.
type Options struct {
	FundIDs   map[string]int
	UserAgent string
	Doer      fetcher.Doer
	Now       func() time.Time
}

// Provider scrapes fund pages for unit price and net asset value.
type Provider struct {
	desc   provider.Descriptor
	opts   Options
	client *fetcher.Client
	logger zerolog.Logger
}

// New constructs the scraped-source provider.
func New(desc provider.Descriptor, opts Options, logger zerolog.Logger) *Provider {
	if desc.BaseURL == "" {
		desc.BaseURL = defaultBaseURL
	}
	if len(opts.FundIDs) == 0 {
		opts.FundIDs = DefaultFundIDs
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

// Factory adapts New to the provider registry. Setting fund_ids takes
// "LQDT=5973,AKMB=6225" and extends the defaults.
func Factory(desc provider.Descriptor, settings map[string]string, logger zerolog.Logger) (provider.Provider, error) {
	ids := make(map[string]int, len(DefaultFundIDs))
	for k, v := range DefaultFundIDs {
		ids[k] = v
	}
	if raw := strings.TrimSpace(settings["fund_ids"]); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("fund_ids entry %q: want TICKER=ID", pair)
			}
			id, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("fund_ids entry %q: %w", pair, err)
			}
			ids[strings.ToUpper(strings.TrimSpace(k))] = id
		}
	}
	return New(desc, Options{FundIDs: ids, UserAgent: settings["user_agent"]}, logger), nil
}

func (p *Provider) Describe() provider.Descriptor {
	return p.desc
}

func (p *Provider) Supports(op provider.Operation) bool {
	return op == provider.OpMarketData
}

func (p *Provider) ListSecurities(ctx context.Context) ([]provider.Security, error) {
	return nil, provider.Unsupported(p.desc.Name, provider.OpSecurities)
}

// MarketData scrapes the fund page mapped to ticker.
func (p *Provider) MarketData(ctx context.Context, ticker string) (provider.Raw, error) {
	id, ok := p.opts.FundIDs[strings.ToUpper(strings.TrimSpace(ticker))]
	if !ok {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindNotFound, fmt.Errorf("no fund page known for %s", ticker))
	}

	body, err := p.client.Get(ctx, provider.OpMarketData, fmt.Sprintf("/funds/%d/", id), nil)
	if err != nil {
		return provider.Raw{}, err
	}

	page, err := parseFundPage(body)
	if err != nil {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindMalformed, err)
	}
	if page.UnitPrice == "" && page.NAV == "" {
		return provider.Raw{}, provider.NewError(p.desc.Name, provider.OpMarketData, provider.KindMalformed, fmt.Errorf("fund %d: no price on page", id))
	}

	now := p.opts.Now()
	fields := map[string]any{
		"fund_id":    id,
		"ticker":     strings.ToUpper(ticker),
		"name":       page.Name,
		"unit_price": page.UnitPrice,
		"nav":        page.NAV,
		"currency":   "RUB",
		"date":       page.Date,
	}
	if page.Date == "" {
		fields["date"] = now.Format("02.01.2006")
	}

	p.logger.Debug().Int("fund_id", id).Str("unit_price", page.UnitPrice).Str("nav", page.NAV).Msg("fund page parsed")

	return provider.Raw{
		Source:    p.desc.Name,
		Operation: provider.OpMarketData,
		Ticker:    ticker,
		Fields:    fields,
		FetchedAt: now.UTC(),
	}, nil
}

func (p *Provider) HistoricalData(ctx context.Context, ticker string, days int) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpHistorical)
}

func (p *Provider) TradingVolume(ctx context.Context, ticker string) (provider.Raw, error) {
	return provider.Raw{}, provider.Unsupported(p.desc.Name, provider.OpVolume)
}

// HealthCheck loads the site root.
func (p *Provider) HealthCheck(ctx context.Context) provider.Status {
	latency, err := p.client.Ping(ctx, "/", nil)
	if err != nil {
		p.logger.Warn().Err(err).Msg("health probe failed")
		return provider.StatusUnavailable
	}
	if latency < 3*time.Second {
		return provider.StatusActive
	}
	return provider.StatusDegraded
}

// fundPage holds the text cells scraped from a fund page. Numbers stay in
// their locale format for the normalizer.
type fundPage struct {
	Name      string
	UnitPrice string
	NAV       string
	Date      string
}

var (
	priceLabels = []string{"Цена пая", "Стоимость пая", "Unit price"}
	navLabels   = []string{"СЧА", "Чистые активы", "Стоимость чистых активов", "Net Asset Value"}
)

func parseFundPage(body []byte) (fundPage, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return fundPage{}, fmt.Errorf("parse html: %w", err)
	}

	var page fundPage
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "h1":
				if page.Name == "" {
					page.Name = textOf(n)
				}
			case "tr":
				cells := cellsOf(n)
				if len(cells) >= 2 {
					label := cells[0]
					switch {
					case page.UnitPrice == "" && containsAny(label, priceLabels):
						page.UnitPrice = cells[1]
						if len(cells) >= 3 && page.Date == "" {
							page.Date = cells[2]
						}
					case page.NAV == "" && containsAny(label, navLabels):
						page.NAV = cells[1]
					}
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return page, nil
}

func cellsOf(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, textOf(c))
		}
	}
	return cells
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

var _ provider.Provider = (*Provider)(nil)
