package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-fallback/internal/provider"
)

const (
	maxErrorBody = 512
	// DefaultMaxBody caps response bodies when Options.MaxBody is unset.
	DefaultMaxBody int64 = 8 << 20
)

// Options parameterise a provider HTTP client.
type Options struct {
	Name      string
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// RateLimit is the sustained request rate per second; zero disables limiting.
	RateLimit float64
	Burst     int
	MaxBody   int64
	Doer      Doer
}

// Client performs rate-limited GET requests against one provider's API and
// converts transport and status failures into provider errors.
type Client struct {
	name      string
	baseURL   string
	userAgent string
	doer      Doer
	limiter   *rate.Limiter
	maxBody   int64
	logger    zerolog.Logger
}

// New constructs a client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	doer := opts.Doer
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}

	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		name:      opts.Name,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: ua,
		doer:      doer,
		limiter:   limiter,
		maxBody:   maxBody,
		logger:    logger.With().Str("component", "http_client").Str("provider", opts.Name).Logger(),
	}
}

// BaseURL returns the normalised API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, op provider.Operation, path string, query url.Values, out any) error {
	body, err := c.Get(ctx, op, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return provider.NewError(c.name, op, provider.KindMalformed, eris.Wrap(err, "decode json"))
	}
	return nil
}

// Get fetches path and returns the raw body of a 2xx response.
func (c *Client) Get(ctx context.Context, op provider.Operation, path string, query url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, provider.TransportError(c.name, op, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, provider.NewError(c.name, op, provider.KindClient, err)
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.9")
	req.Header.Set("User-Agent", c.userAgent)

	started := time.Now()
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, provider.TransportError(c.name, op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, provider.TransportError(c.name, op, err)
	}
	if int64(len(payload)) > c.maxBody {
		return nil, provider.NewError(c.name, op, provider.KindMalformed, eris.Errorf("response body exceeds %d bytes", c.maxBody))
	}

	c.logger.Debug().
		Str("op", string(op)).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(started)).
		Msg("provider request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.StatusError(c.name, op, resp.StatusCode, trimBody(payload))
	}
	if len(payload) == 0 {
		return nil, provider.NewError(c.name, op, provider.KindMalformed, eris.New("empty response body"))
	}
	return payload, nil
}

// Ping issues a lightweight GET and reports its latency.
func (c *Client) Ping(ctx context.Context, path string, query url.Values) (time.Duration, error) {
	started := time.Now()
	if _, err := c.Get(ctx, "health", path, query); err != nil {
		return time.Since(started), err
	}
	return time.Since(started), nil
}

func trimBody(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}
