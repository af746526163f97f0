package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// parseNumber accepts JSON numbers and locale formatted strings such as
// "1 234,56" or "1,234.56". ok is false for nil and empty values; err is
// set when a value is present but unreadable.
func parseNumber(v any) (d decimal.Decimal, ok bool, err error) {
	switch val := v.(type) {
	case nil:
		return decimal.Decimal{}, false, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Decimal{}, false, fmt.Errorf("non-finite number")
		}
		return decimal.NewFromFloat(val), true, nil
	case float32:
		return decimal.NewFromFloat32(val), true, nil
	case int:
		return decimal.NewFromInt(int64(val)), true, nil
	case int64:
		return decimal.NewFromInt(val), true, nil
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return d, true, nil
	case decimal.Decimal:
		return val, true, nil
	case string:
		return parseLocaleNumber(val)
	default:
		return decimal.Decimal{}, false, fmt.Errorf("unexpected %T", v)
	}
}

func parseLocaleNumber(s string) (decimal.Decimal, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || s == "—" {
		return decimal.Decimal{}, false, nil
	}

	negative := strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−")
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.Decimal{}, false, fmt.Errorf("no digits in %q", s)
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case strings.Count(cleaned, ",") == 1:
		// ru locale: a lone comma is the decimal separator.
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case lastComma >= 0:
		parts := strings.Split(cleaned, ",")
		tail := parts[len(parts)-1]
		if len(tail) <= 2 {
			cleaned = strings.Join(parts[:len(parts)-1], "") + "." + tail
		} else {
			cleaned = strings.Join(parts, "")
		}
	case strings.Count(cleaned, ".") > 1:
		parts := strings.Split(cleaned, ".")
		cleaned = strings.Join(parts, "")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, true, nil
}

// parseTime reads unix seconds (or milliseconds) and string timestamps.
// Layouts without a zone are interpreted in loc.
func parseTime(v any, layouts []string, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch val := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return val, !val.IsZero(), nil
	case float64:
		return unixTime(int64(val)), val > 0, nil
	case int64:
		return unixTime(val), val > 0, nil
	case int:
		return unixTime(int64(val)), val > 0, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true, nil
		}
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("unrecognised time %q", s)
	default:
		return time.Time{}, false, fmt.Errorf("unexpected %T", v)
	}
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func stringOf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// first returns the first present value among keys.
func first(fields map[string]any, keys []string) (string, any) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return k, v
	}
	return "", nil
}
