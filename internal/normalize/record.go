package normalize

import (
	"time"

	"github.com/shopspring/decimal"

	"market-fallback/internal/provider"
)

// Record is the canonical shape every provider response is projected into.
type Record struct {
	Operation      provider.Operation  `json:"operation"`
	Ticker         string              `json:"ticker,omitempty"`
	LastPrice      decimal.NullDecimal `json:"last_price"`
	Currency       string              `json:"currency,omitempty"`
	Timestamp      *time.Time          `json:"timestamp"`
	Source         string              `json:"source"`
	RawQualityTier provider.Tier       `json:"raw_quality_tier,omitempty"`

	Bars       []Bar               `json:"bars,omitempty"`
	Volume     *VolumeStats        `json:"volume,omitempty"`
	Securities []provider.Security `json:"securities,omitempty"`
	Rates      []Rate              `json:"rates,omitempty"`
}

// Bar is one daily candle.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Value  decimal.Decimal `json:"value"`
}

// VolumeStats summarises traded volume over a bar window.
type VolumeStats struct {
	Days       int             `json:"days"`
	Total      decimal.Decimal `json:"total"`
	AvgDaily   decimal.Decimal `json:"avg_daily"`
	MaxDaily   decimal.Decimal `json:"max_daily"`
	TotalValue decimal.Decimal `json:"total_value"`
	LastDate   time.Time       `json:"last_date"`
}

// Rate is one official currency rate expressed per single unit.
type Rate struct {
	Code     string              `json:"code"`
	Name     string              `json:"name,omitempty"`
	Value    decimal.Decimal     `json:"value"`
	Previous decimal.NullDecimal `json:"previous"`
}

// Clone returns a deep copy so results can be handed to several callers.
func (r Record) Clone() Record {
	out := r
	if r.Timestamp != nil {
		ts := *r.Timestamp
		out.Timestamp = &ts
	}
	if r.Bars != nil {
		out.Bars = append([]Bar(nil), r.Bars...)
	}
	if r.Volume != nil {
		v := *r.Volume
		out.Volume = &v
	}
	if r.Securities != nil {
		out.Securities = append([]provider.Security(nil), r.Securities...)
	}
	if r.Rates != nil {
		out.Rates = append([]Rate(nil), r.Rates...)
	}
	return out
}

// Price returns the last price as float64, or false when unset.
func (r Record) Price() (float64, bool) {
	if !r.LastPrice.Valid {
		return 0, false
	}
	f, _ := r.LastPrice.Decimal.Float64()
	return f, true
}

// DefectKind classifies a normalization problem.
type DefectKind string

const (
	DefectMissing          DefectKind = "missing"
	DefectMalformed        DefectKind = "malformed"
	DefectCanonicalization DefectKind = "canonicalization"
	DefectOutOfRange       DefectKind = "out_of_range"
	DefectUnmappedSource   DefectKind = "unmapped_source"
)

// Defect is a soft flag raised while normalizing. It never aborts the call.
type Defect struct {
	Field  string     `json:"field"`
	Kind   DefectKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
}

func (d Defect) String() string {
	if d.Detail == "" {
		return d.Field + ": " + string(d.Kind)
	}
	return d.Field + ": " + string(d.Kind) + " (" + d.Detail + ")"
}

// Required canonical fields per operation.
const (
	FieldTicker     = "ticker"
	FieldLastPrice  = "last_price"
	FieldCurrency   = "currency"
	FieldTimestamp  = "timestamp"
	FieldSource     = "source"
	FieldBars       = "bars"
	FieldVolume     = "volume"
	FieldSecurities = "securities"
	FieldRates      = "rates"
)

// RequiredFields lists the canonical fields a complete record carries.
func RequiredFields(op provider.Operation) []string {
	switch op {
	case provider.OpHistorical:
		return []string{FieldTicker, FieldLastPrice, FieldCurrency, FieldTimestamp, FieldSource, FieldBars}
	case provider.OpVolume:
		return []string{FieldTicker, FieldTimestamp, FieldSource, FieldVolume}
	case provider.OpSecurities:
		return []string{FieldSource, FieldSecurities, FieldTimestamp}
	case provider.OpMacro:
		return []string{FieldSource, FieldTimestamp, FieldRates, FieldCurrency}
	default:
		return []string{FieldTicker, FieldLastPrice, FieldCurrency, FieldTimestamp, FieldSource}
	}
}

// Populated reports whether the canonical field holds a value.
func (r Record) Populated(field string) bool {
	switch field {
	case FieldTicker:
		return r.Ticker != ""
	case FieldLastPrice:
		return r.LastPrice.Valid
	case FieldCurrency:
		return r.Currency != ""
	case FieldTimestamp:
		return r.Timestamp != nil && !r.Timestamp.IsZero()
	case FieldSource:
		return r.Source != ""
	case FieldBars:
		return len(r.Bars) > 0
	case FieldVolume:
		return r.Volume != nil
	case FieldSecurities:
		return len(r.Securities) > 0
	case FieldRates:
		return len(r.Rates) > 0
	default:
		return false
	}
}
