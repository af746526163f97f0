package fallback

import (
	"maps"
	"math"
	"slices"
	"strconv"
	"time"

	"market-fallback/internal/normalize"
)

// SourceCache is the Result.Source of cache fallbacks.
const SourceCache = "cache"

// Metadata keys set on every result.
const (
	MetaProviderPriority = "provider_priority"
	MetaHealthStatus     = "health_status"
	MetaAttempts         = "attempts"
	MetaOperation        = "operation"
	MetaCoalesced        = "coalesced"
	MetaCachedSource     = "cached_source"
	MetaDefects          = "defects"
)

// Result is one answer with its provenance. Callers own their copy.
type Result struct {
	Data          normalize.Record  `json:"data"`
	Source        string            `json:"source"`
	QualityScore  float64           `json:"quality_score"`
	IsCached      bool              `json:"is_cached"`
	CacheAgeHours *float64          `json:"cache_age_hours,omitempty"`
	FallbackLevel int               `json:"fallback_level"`
	Warnings      []string          `json:"warnings"`
	Metadata      map[string]string `json:"metadata"`
	RequestID     string            `json:"request_id"`
	Timestamp     time.Time         `json:"timestamp"`
}

func (r *Result) clone() *Result {
	out := *r
	out.Data = r.Data.Clone()
	out.Warnings = slices.Clone(r.Warnings)
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	out.Metadata = maps.Clone(r.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if r.CacheAgeHours != nil {
		h := *r.CacheAgeHours
		out.CacheAgeHours = &h
	}
	return &out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatScore(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', -1, 64)
}
