package yahoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-fallback/internal/provider"
)

const chartFixture = `{"chart":{"result":[{
	"meta":{"symbol":"SBER.ME","currency":"RUB","regularMarketPrice":301.5,"regularMarketTime":1741953540},
	"timestamp":[1741867200,1741953600],
	"indicators":{"quote":[{"open":[299.0,300.0],"high":[302.0,303.0],"low":[298.0,299.5],"close":[300.1,null],"volume":[1000,null]}]}
}],"error":null}}`

func newTestProvider(t *testing.T, opts Options, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(provider.Descriptor{Name: "yahoo_finance", Class: Class, BaseURL: srv.URL, Timeout: time.Second}, opts, zerolog.Nop())
}

func TestSymbol(t *testing.T) {
	p := New(provider.Descriptor{Name: "yahoo_finance"}, Options{Symbols: map[string]string{"FXGD": "FXGD.L"}}, zerolog.Nop())
	assert.Equal(t, "SBER.ME", p.Symbol("sber"))
	assert.Equal(t, "FXGD.L", p.Symbol("FXGD"))
	assert.Equal(t, "AAPL.US", p.Symbol("AAPL.US"))
}

func TestMarketDataUsesLastClosedBar(t *testing.T) {
	p := newTestProvider(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chart/SBER.ME", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("range"))
		_, _ = w.Write([]byte(chartFixture))
	})

	raw, err := p.MarketData(context.Background(), "SBER")
	require.NoError(t, err)
	assert.Equal(t, 301.5, raw.Field("regularMarketPrice"))
	assert.Equal(t, 300.1, raw.Field("close"))
	assert.Equal(t, "RUB", raw.Field("currency"))
}

func TestHistoricalRange(t *testing.T) {
	p := newTestProvider(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3mo", r.URL.Query().Get("range"))
		_, _ = w.Write([]byte(chartFixture))
	})

	raw, err := p.HistoricalData(context.Background(), "SBER", 60)
	require.NoError(t, err)
	require.Len(t, raw.Rows, 2)
	assert.Nil(t, raw.Rows[1]["close"])
}

func TestChartErrorIsNotFound(t *testing.T) {
	p := newTestProvider(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	})

	_, err := p.MarketData(context.Background(), "XXXX")
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestRateLimitedIsTransient(t *testing.T) {
	p := newTestProvider(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.TradingVolume(context.Background(), "SBER")
	require.Error(t, err)
	assert.Equal(t, provider.KindRateLimited, provider.KindOf(err))
	assert.True(t, provider.IsTransient(err))
}

func TestListSecuritiesUnsupported(t *testing.T) {
	p := New(provider.Descriptor{Name: "yahoo_finance"}, Options{}, zerolog.Nop())
	_, err := p.ListSecurities(context.Background())
	assert.ErrorIs(t, err, provider.ErrUnsupported)
	assert.False(t, p.Supports(provider.OpSecurities))
}

func TestHealthCheckDegradedOnGarbage(t *testing.T) {
	p := newTestProvider(t, Options{}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>captcha</html>`))
	})
	assert.Equal(t, provider.StatusDegraded, p.HealthCheck(context.Background()))
}

func TestRangeFor(t *testing.T) {
	cases := map[int]string{0: "1y", 5: "7d", 30: "1mo", 31: "3mo", 365: "1y", 700: "2y", 2000: "5y"}
	for days, want := range cases {
		assert.Equal(t, want, rangeFor(days), "days=%d", days)
	}
}

func TestParseSymbols(t *testing.T) {
	got := parseSymbols(" sber = SBER.ME , bad, =x ,FXGD=FXGD.L")
	assert.Equal(t, map[string]string{"SBER": "SBER.ME", "FXGD": "FXGD.L"}, got)
}
