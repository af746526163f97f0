package normalize

import (
	"time"
)

// Mapping describes how one source's raw columns project onto Record.
// Each alias list is tried in order; the first non-empty value wins.
type Mapping struct {
	Ticker    []string
	Price     []string
	Nominal   []string
	Currency  []string
	Timestamp []string

	DefaultCurrency string
	// CurrencyAliases rewrites legacy codes such as SUR.
	CurrencyAliases map[string]string
	// TickerSuffix is stripped from foreign symbols.
	TickerSuffix string

	Bar  BarFields
	Rate RateFields

	TimeLayouts []string
	Location    *time.Location
}

// BarFields names the candle columns.
type BarFields struct {
	Date   []string
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
	Value  string
}

// RateFields names the currency rate columns.
type RateFields struct {
	Code     string
	Name     string
	Nominal  string
	Value    string
	Previous string
}

// Moscow is the exchange's local time, used for naive timestamps.
var Moscow = time.FixedZone("MSK", 3*60*60)

var rubAliases = map[string]string{"SUR": "RUB", "RUR": "RUB"}

// MappingFor returns the built-in mapping for a provider class.
func MappingFor(class string) (Mapping, bool) {
	switch class {
	case "moex":
		return Mapping{
			Ticker:          []string{"SECID"},
			Price:           []string{"LAST", "MARKETPRICE", "LCURRENTPRICE", "PREVPRICE", "PREVLEGALCLOSEPRICE"},
			Currency:        []string{"CURRENCYID", "FACEUNIT"},
			Timestamp:       []string{"SYSTIME", "UPDATETIME", "PREVDATE"},
			DefaultCurrency: "RUB",
			CurrencyAliases: rubAliases,
			Bar: BarFields{
				Date:   []string{"begin", "end"},
				Open:   "open",
				High:   "high",
				Low:    "low",
				Close:  "close",
				Volume: "volume",
				Value:  "value",
			},
			TimeLayouts: []string{"2006-01-02 15:04:05", "2006-01-02"},
			Location:    Moscow,
		}, true
	case "yahoo":
		return Mapping{
			Ticker:          []string{"symbol"},
			Price:           []string{"regularMarketPrice", "close", "chartPreviousClose"},
			Currency:        []string{"currency"},
			Timestamp:       []string{"regularMarketTime", "timestamp"},
			CurrencyAliases: rubAliases,
			TickerSuffix:    ".ME",
			Bar: BarFields{
				Date:   []string{"timestamp"},
				Open:   "open",
				High:   "high",
				Low:    "low",
				Close:  "close",
				Volume: "volume",
			},
		}, true
	case "cbr":
		return Mapping{
			Ticker:          []string{"CharCode"},
			Price:           []string{"Value"},
			Nominal:         []string{"Nominal"},
			Timestamp:       []string{"Date", "Timestamp"},
			DefaultCurrency: "RUB",
			Rate: RateFields{
				Code:     "CharCode",
				Name:     "Name",
				Nominal:  "Nominal",
				Value:    "Value",
				Previous: "Previous",
			},
			TimeLayouts: []string{time.RFC3339},
			Location:    Moscow,
		}, true
	case "investfunds":
		return Mapping{
			Ticker:          []string{"ticker"},
			Price:           []string{"unit_price"},
			Currency:        []string{"currency"},
			Timestamp:       []string{"date"},
			DefaultCurrency: "RUB",
			TimeLayouts:     []string{"02.01.2006", "2006-01-02"},
			Location:        Moscow,
		}, true
	default:
		return Mapping{}, false
	}
}
