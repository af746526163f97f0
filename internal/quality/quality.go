// Package quality scores normalized records on a fixed weighted rubric.
package quality

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market-fallback/internal/normalize"
	"market-fallback/internal/provider"
)

// Rubric weights.
const (
	WeightCompleteness = 0.4
	WeightFreshness    = 0.3
	WeightAccuracy     = 0.2
	WeightConsistency  = 0.1

	defectPenalty = 0.1
)

// TierAccuracy is the static trust prior per declared tier.
var TierAccuracy = map[provider.Tier]float64{
	provider.TierHigh:   1.0,
	provider.TierMedium: 0.6,
	provider.TierLow:    0.3,
}

// Options configure the assessor.
type Options struct {
	FreshnessWindow      time.Duration
	MaxAge               time.Duration
	ConsistencyTolerance float64
	ConsistencyHorizon   time.Duration
	Now                  func() time.Time
}

// Breakdown is a score with its components.
type Breakdown struct {
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Accuracy     float64 `json:"accuracy"`
	Consistency  float64 `json:"consistency"`
	Score        float64 `json:"score"`
}

type reference struct {
	price  decimal.Decimal
	tier   provider.Tier
	source string
	at     time.Time
}

// Assessor scores records. References for the consistency check are kept
// per operation and ticker.
type Assessor struct {
	opts Options

	mu   sync.Mutex
	refs map[string]map[provider.Tier]reference
}

// New builds an assessor with defaults for unset options.
func New(opts Options) *Assessor {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = time.Hour
	}
	if opts.MaxAge <= opts.FreshnessWindow {
		opts.MaxAge = 72 * time.Hour
		if opts.MaxAge <= opts.FreshnessWindow {
			opts.MaxAge = opts.FreshnessWindow * 2
		}
	}
	if opts.ConsistencyTolerance <= 0 {
		opts.ConsistencyTolerance = 0.05
	}
	if opts.ConsistencyHorizon <= 0 {
		opts.ConsistencyHorizon = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assessor{opts: opts, refs: make(map[string]map[provider.Tier]reference)}
}

// Assess returns the clipped weighted score.
func (a *Assessor) Assess(rec normalize.Record, defects []normalize.Defect) float64 {
	return a.Breakdown(rec, defects).Score
}

// Breakdown scores rec and reports each component.
func (a *Assessor) Breakdown(rec normalize.Record, defects []normalize.Defect) Breakdown {
	now := a.opts.Now()
	b := Breakdown{
		Completeness: completeness(rec, defects),
		Freshness:    a.freshness(rec, now),
		Accuracy:     TierAccuracy[rec.RawQualityTier],
		Consistency:  a.consistency(rec, now),
	}
	b.Score = clip(WeightCompleteness*b.Completeness +
		WeightFreshness*b.Freshness +
		WeightAccuracy*b.Accuracy +
		WeightConsistency*b.Consistency)
	return b
}

// Remember stores rec as a consistency reference for lower-tier sources.
func (a *Assessor) Remember(rec normalize.Record) {
	if !rec.LastPrice.Valid || rec.Ticker == "" || rec.RawQualityTier == "" {
		return
	}
	key := refKey(rec)
	a.mu.Lock()
	defer a.mu.Unlock()
	byTier, ok := a.refs[key]
	if !ok {
		byTier = make(map[provider.Tier]reference)
		a.refs[key] = byTier
	}
	byTier[rec.RawQualityTier] = reference{
		price:  rec.LastPrice.Decimal,
		tier:   rec.RawQualityTier,
		source: rec.Source,
		at:     a.opts.Now(),
	}
}

func completeness(rec normalize.Record, defects []normalize.Defect) float64 {
	required := normalize.RequiredFields(rec.Operation)
	if len(required) == 0 {
		return 0
	}
	populated := 0
	for _, f := range required {
		if rec.Populated(f) {
			populated++
		}
	}
	score := float64(populated) / float64(len(required))
	for _, d := range defects {
		if d.Kind != normalize.DefectMissing {
			score -= defectPenalty
		}
	}
	return math.Max(0, score)
}

func (a *Assessor) freshness(rec normalize.Record, now time.Time) float64 {
	if rec.Timestamp == nil || rec.Timestamp.IsZero() {
		return 0
	}
	age := now.Sub(*rec.Timestamp)
	switch {
	case age <= a.opts.FreshnessWindow:
		return 1
	case age >= a.opts.MaxAge:
		return 0
	}
	span := a.opts.MaxAge - a.opts.FreshnessWindow
	return 1 - float64(age-a.opts.FreshnessWindow)/float64(span)
}

// consistency compares rec with the most trusted recent reference from a
// strictly higher tier.
func (a *Assessor) consistency(rec normalize.Record, now time.Time) float64 {
	if !rec.LastPrice.Valid || rec.Ticker == "" {
		return 1
	}
	a.mu.Lock()
	var best *reference
	for _, ref := range a.refs[refKey(rec)] {
		if ref.tier.Rank() <= rec.RawQualityTier.Rank() || ref.source == rec.Source {
			continue
		}
		if now.Sub(ref.at) > a.opts.ConsistencyHorizon || !ref.price.IsPositive() {
			continue
		}
		if best == nil || ref.tier.Rank() > best.tier.Rank() {
			r := ref
			best = &r
		}
	}
	a.mu.Unlock()
	if best == nil {
		return 1
	}

	dev, _ := rec.LastPrice.Decimal.Sub(best.price).Abs().Div(best.price).Float64()
	tol := a.opts.ConsistencyTolerance
	if dev <= tol {
		return 1
	}
	return math.Max(0, 1-(dev-tol)/tol)
}

func refKey(rec normalize.Record) string {
	return string(rec.Operation) + ":" + rec.Ticker
}

func clip(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
