package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Operation names a request the engine can route to providers.
type Operation string

const (
	OpSecurities Operation = "securities"
	OpMarketData Operation = "market_data"
	OpHistorical Operation = "historical"
	OpVolume     Operation = "volume"
	OpMacro      Operation = "macro"
)

// Operations lists every routable operation.
var Operations = []Operation{OpSecurities, OpMarketData, OpHistorical, OpVolume, OpMacro}

// ParseOperation validates a user supplied operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// NeedsTicker reports whether the operation is keyed by an instrument.
func (o Operation) NeedsTicker() bool {
	return o == OpMarketData || o == OpHistorical || o == OpVolume
}

// Tier is the declared trust level of a source.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// ParseTier maps config values to a Tier, defaulting to medium.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierHigh:
		return TierHigh
	case TierLow:
		return TierLow
	default:
		return TierMedium
	}
}

// Rank orders tiers, higher is more trusted.
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Status is the health classification of a provider.
type Status string

const (
	StatusActive      Status = "active"
	StatusDegraded    Status = "degraded"
	StatusUnknown     Status = "unknown"
	StatusUnavailable Status = "unavailable"
)

// Rank orders statuses for candidate selection; lower is tried first.
func (s Status) Rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnavailable:
		return 3
	default:
		return 2
	}
}

// Usable reports whether the status counts as a successful probe.
func (s Status) Usable() bool {
	return s == StatusActive || s == StatusDegraded
}

// Descriptor is the static identity of a configured provider.
type Descriptor struct {
	Name          string
	Class         string
	Priority      int
	Tier          Tier
	Enabled       bool
	Timeout       time.Duration
	RetryAttempts int
	BaseURL       string
	RateLimit     float64
	// MaxBodyBytes caps one response body; zero selects the client default.
	MaxBodyBytes int64
}

// Security is one listed instrument.
type Security struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Currency string `json:"currency,omitempty"`
	Board    string `json:"board,omitempty"`
	LotSize  int    `json:"lot_size,omitempty"`
	Source   string `json:"source"`
}

// Raw is a provider response before normalization. Fields holds a single
// row keyed by the source's own column names, Rows holds tabular payloads.
type Raw struct {
	Source    string
	Operation Operation
	Ticker    string
	Fields    map[string]any
	Rows      []map[string]any
	FetchedAt time.Time
}

// Field returns a raw column value or nil.
func (r Raw) Field(key string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[key]
}

// Provider is the capability implemented by every data source variant.
type Provider interface {
	Describe() Descriptor
	Supports(op Operation) bool
	ListSecurities(ctx context.Context) ([]Security, error)
	MarketData(ctx context.Context, ticker string) (Raw, error)
	HistoricalData(ctx context.Context, ticker string, days int) (Raw, error)
	TradingVolume(ctx context.Context, ticker string) (Raw, error)
	HealthCheck(ctx context.Context) Status
}

// MacroProvider is implemented by sources that publish macro indicators.
type MacroProvider interface {
	Macro(ctx context.Context) (Raw, error)
}
