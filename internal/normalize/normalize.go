// Package normalize projects provider-specific payloads onto the canonical
// Record schema. It never fails: problems are returned as defects for the
// quality assessor.
package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market-fallback/internal/provider"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_\-]{0,15}$`)

// Options configure a Normalizer.
type Options struct {
	Symbols *SymbolMap
	// MinPrice and MaxPrice bound plausible quotes; zero values use 0.01 and 10000.
	MinPrice float64
	MaxPrice float64
}

type source struct {
	tier    provider.Tier
	mapping Mapping
}

// Normalizer holds one mapping per source name.
type Normalizer struct {
	mu       sync.RWMutex
	sources  map[string]source
	symbols  *SymbolMap
	minPrice decimal.Decimal
	maxPrice decimal.Decimal
}

// New constructs an empty Normalizer.
func New(opts Options) *Normalizer {
	if opts.MinPrice <= 0 {
		opts.MinPrice = 0.01
	}
	if opts.MaxPrice <= 0 {
		opts.MaxPrice = 10000
	}
	return &Normalizer{
		sources:  make(map[string]source),
		symbols:  opts.Symbols,
		minPrice: decimal.NewFromFloat(opts.MinPrice),
		maxPrice: decimal.NewFromFloat(opts.MaxPrice),
	}
}

// Register binds a source name to its mapping and declared tier.
func (n *Normalizer) Register(name string, tier provider.Tier, m Mapping) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sources[name] = source{tier: tier, mapping: m}
}

func (n *Normalizer) lookup(name string) (source, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sources[name]
	return s, ok
}

// Normalize maps raw onto Record. Missing required fields stay empty and are
// reported with the other defects.
func (n *Normalizer) Normalize(raw provider.Raw) (Record, []Defect) {
	rec := Record{Operation: raw.Operation, Source: raw.Source}
	d := &defects{}

	src, ok := n.lookup(raw.Source)
	if !ok {
		d.add(FieldSource, DefectUnmappedSource, raw.Source)
	}
	rec.RawQualityTier = src.tier
	m := src.mapping
	fields := raw.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	switch raw.Operation {
	case provider.OpMarketData:
		rec.Ticker = n.ticker(m, fields, raw.Ticker, d)
		rec.LastPrice = n.price(m, fields, d)
		rec.Currency = currency(m, fields)
		rec.Timestamp = timestamp(m, fields, d)
		n.checkRange(rec.LastPrice, d)
	case provider.OpHistorical, provider.OpVolume:
		rec.Ticker = n.ticker(m, fields, raw.Ticker, d)
		rec.Currency = currency(m, fields)
		rec.Bars = bars(m, raw.Rows, d)
		if len(rec.Bars) > 0 {
			last := rec.Bars[len(rec.Bars)-1]
			rec.LastPrice = decimal.NewNullDecimal(last.Close)
			ts := last.Date
			rec.Timestamp = &ts
			n.checkRange(rec.LastPrice, d)
		}
		if raw.Operation == provider.OpVolume {
			rec.Volume = volumeStats(rec.Bars)
		}
	case provider.OpMacro:
		rec.Currency = m.DefaultCurrency
		rec.Timestamp = timestamp(m, fields, d)
		rec.Rates = rates(m, raw.Rows, d)
	default:
		d.add("operation", DefectMalformed, string(raw.Operation))
	}

	d.missing(rec)
	return rec, d.list
}

// NormalizeSecurities builds a securities record from a listing.
func (n *Normalizer) NormalizeSecurities(name string, secs []provider.Security, at time.Time) (Record, []Defect) {
	d := &defects{}
	src, ok := n.lookup(name)
	if !ok {
		d.add(FieldSource, DefectUnmappedSource, name)
	}

	out := make([]provider.Security, 0, len(secs))
	for _, s := range secs {
		t, canonical := n.canonical(src.mapping, s.Ticker)
		if t == "" {
			continue
		}
		if !canonical {
			d.add(FieldTicker, DefectCanonicalization, s.Ticker)
		}
		s.Ticker = t
		s.Currency = canonicalCurrency(src.mapping, s.Currency)
		out = append(out, s)
	}

	rec := Record{
		Operation:      provider.OpSecurities,
		Source:         name,
		RawQualityTier: src.tier,
		Securities:     out,
	}
	if !at.IsZero() {
		ts := at.UTC()
		rec.Timestamp = &ts
	}
	d.missing(rec)
	return rec, d.list
}

// Canonical converts a source symbol into the internal ticker convention.
func (n *Normalizer) Canonical(name, symbol string) (string, bool) {
	src, _ := n.lookup(name)
	return n.canonical(src.mapping, symbol)
}

func (n *Normalizer) canonical(m Mapping, symbol string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(symbol))
	if t == "" {
		return "", false
	}
	if alias, ok := n.symbols.lookup(t); ok {
		return alias, true
	}
	suffixes := append([]string{m.TickerSuffix}, n.symbols.suffixes()...)
	for _, suffix := range suffixes {
		suffix = strings.ToUpper(suffix)
		if suffix != "" && strings.HasSuffix(t, suffix) {
			t = strings.TrimSuffix(t, suffix)
			break
		}
	}
	return t, tickerPattern.MatchString(t)
}

func (n *Normalizer) ticker(m Mapping, fields map[string]any, requested string, d *defects) string {
	_, v := first(fields, m.Ticker)
	symbol := stringOf(v)
	if symbol == "" {
		symbol = requested
	}
	t, ok := n.canonical(m, symbol)
	if t != "" && !ok {
		d.add(FieldTicker, DefectCanonicalization, symbol)
	}
	return t
}

func (n *Normalizer) price(m Mapping, fields map[string]any, d *defects) decimal.NullDecimal {
	for _, key := range m.Price {
		v, present := fields[key]
		if !present || v == nil {
			continue
		}
		p, ok, err := parseNumber(v)
		if err != nil {
			d.add(FieldLastPrice, DefectMalformed, key+": "+err.Error())
			continue
		}
		if !ok || p.IsZero() {
			continue
		}
		if _, nv := first(fields, m.Nominal); nv != nil {
			nominal, ok, err := parseNumber(nv)
			if err != nil || !ok || !nominal.IsPositive() {
				d.add(FieldLastPrice, DefectMalformed, "nominal")
			} else {
				p = p.Div(nominal)
			}
		}
		return decimal.NewNullDecimal(p)
	}
	return decimal.NullDecimal{}
}

func (n *Normalizer) checkRange(p decimal.NullDecimal, d *defects) {
	if !p.Valid {
		return
	}
	if p.Decimal.LessThan(n.minPrice) || p.Decimal.GreaterThan(n.maxPrice) {
		d.add(FieldLastPrice, DefectOutOfRange, p.Decimal.String())
	}
}

func currency(m Mapping, fields map[string]any) string {
	_, v := first(fields, m.Currency)
	return canonicalCurrency(m, stringOf(v))
}

func canonicalCurrency(m Mapping, code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := m.CurrencyAliases[c]; ok {
		c = alias
	}
	if c == "" {
		c = m.DefaultCurrency
	}
	return c
}

func timestamp(m Mapping, fields map[string]any, d *defects) *time.Time {
	key, v := first(fields, m.Timestamp)
	if v == nil {
		return nil
	}
	t, ok, err := parseTime(v, m.TimeLayouts, m.Location)
	if err != nil {
		d.add(FieldTimestamp, DefectMalformed, key+": "+err.Error())
		return nil
	}
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func bars(m Mapping, rows []map[string]any, d *defects) []Bar {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Bar, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		_, dv := first(row, m.Bar.Date)
		date, ok, err := parseTime(dv, m.TimeLayouts, m.Location)
		if err != nil || !ok {
			skipped++
			continue
		}
		closePrice, ok, err := parseNumber(row[m.Bar.Close])
		if err != nil || !ok {
			skipped++
			continue
		}
		bar := Bar{Date: date.UTC(), Close: closePrice}
		bar.Open = numberOr(row[m.Bar.Open], closePrice)
		bar.High = numberOr(row[m.Bar.High], closePrice)
		bar.Low = numberOr(row[m.Bar.Low], closePrice)
		bar.Volume = numberOr(row[m.Bar.Volume], decimal.Zero)
		if m.Bar.Value != "" {
			bar.Value = numberOr(row[m.Bar.Value], decimal.Zero)
		}
		out = append(out, bar)
	}
	if skipped > 0 {
		d.add(FieldBars, DefectMalformed, fmt.Sprintf("%d of %d rows dropped", skipped, len(rows)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func volumeStats(bars []Bar) *VolumeStats {
	if len(bars) == 0 {
		return nil
	}
	stats := &VolumeStats{Days: len(bars), LastDate: bars[len(bars)-1].Date}
	for _, b := range bars {
		stats.Total = stats.Total.Add(b.Volume)
		stats.TotalValue = stats.TotalValue.Add(b.Value)
		if b.Volume.GreaterThan(stats.MaxDaily) {
			stats.MaxDaily = b.Volume
		}
	}
	stats.AvgDaily = stats.Total.Div(decimal.NewFromInt(int64(len(bars))))
	return stats
}

func rates(m Mapping, rows []map[string]any, d *defects) []Rate {
	out := make([]Rate, 0, len(rows))
	for _, row := range rows {
		code := strings.ToUpper(stringOf(row[m.Rate.Code]))
		value, ok, err := parseNumber(row[m.Rate.Value])
		if code == "" || err != nil || !ok {
			d.add(FieldRates, DefectMalformed, code)
			continue
		}
		nominal := numberOr(row[m.Rate.Nominal], decimal.NewFromInt(1))
		if !nominal.IsPositive() {
			nominal = decimal.NewFromInt(1)
		}
		r := Rate{Code: code, Name: stringOf(row[m.Rate.Name]), Value: value.Div(nominal)}
		if prev, ok, err := parseNumber(row[m.Rate.Previous]); err == nil && ok {
			r.Previous = decimal.NewNullDecimal(prev.Div(nominal))
		}
		out = append(out, r)
	}
	return out
}

func numberOr(v any, fallback decimal.Decimal) decimal.Decimal {
	n, ok, err := parseNumber(v)
	if err != nil || !ok {
		return fallback
	}
	return n
}

type defects struct {
	list []Defect
}

func (d *defects) add(field string, kind DefectKind, detail string) {
	d.list = append(d.list, Defect{Field: field, Kind: kind, Detail: detail})
}

func (d *defects) has(field string) bool {
	for _, x := range d.list {
		if x.Field == field {
			return true
		}
	}
	return false
}

func (d *defects) missing(rec Record) {
	for _, f := range RequiredFields(rec.Operation) {
		if !rec.Populated(f) && !d.has(f) {
			d.add(f, DefectMissing, "")
		}
	}
}
