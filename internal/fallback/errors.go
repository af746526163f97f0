package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidRequest is wrapped by every argument validation failure.
var ErrInvalidRequest = eris.New("invalid request")

// AllProvidersUnavailableError is returned when every live candidate failed
// and the cache holds nothing for the key.
type AllProvidersUnavailableError struct {
	Operation string
	Key       string
	// Errors holds one entry per attempted provider.
	Errors map[string]error
	// Skipped lists providers excluded before the walk (disabled, cooling
	// down or unsupported).
	Skipped []string
}

func (e *AllProvidersUnavailableError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "all providers unavailable for %s", e.Key)
	if len(names) == 0 {
		b.WriteString(": no provider attempted")
	}
	for i, name := range names {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", name, e.Errors[name])
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (skipped: %s)", strings.Join(e.Skipped, ","))
	}
	return b.String()
}

// CacheExpiredError is returned to strict-freshness callers when the only
// available data is older than the cache max age.
type CacheExpiredError struct {
	Key         string
	AgeHours    float64
	MaxAgeHours float64
}

func (e *CacheExpiredError) Error() string {
	return fmt.Sprintf("cached data for %s expired: %sh old, max %sh", e.Key, formatScore(e.AgeHours), formatScore(e.MaxAgeHours))
}

// QualityError records a below-threshold result rejected in strict mode.
type QualityError struct {
	Provider  string
	Score     float64
	Threshold float64
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("%s: quality below threshold: %s < %s", e.Provider, formatScore(e.Score), formatScore(e.Threshold))
}

// IsCancellation reports whether err stems from context cancellation or
// deadline expiry.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
