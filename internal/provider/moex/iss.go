package moex

import (
	"fmt"
	"strings"
)

// issTable is the columnar block ISS uses for every section.
type issTable struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

type issResponse struct {
	Securities issTable `json:"securities"`
	MarketData issTable `json:"marketdata"`
	Candles    issTable `json:"candles"`
}

// rows zips column names onto each data row. Short rows keep the columns
// they have.
func (t issTable) rows() []map[string]any {
	if len(t.Columns) == 0 || len(t.Data) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(t.Data))
	for _, values := range t.Data {
		row := make(map[string]any, len(t.Columns))
		for i, col := range t.Columns {
			if i >= len(values) {
				break
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

func intValue(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
