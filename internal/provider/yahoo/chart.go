package yahoo

type chartEnvelope struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta       map[string]any `json:"meta"`
	Timestamp  []int64        `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// rows flattens the parallel quote arrays into one map per timestamp.
// Missing points stay nil so the normalizer can flag them.
func (r chartResult) rows() []map[string]any {
	if len(r.Timestamp) == 0 || len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]
	out := make([]map[string]any, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		out = append(out, map[string]any{
			"timestamp": float64(ts),
			"open":      at(q.Open, i),
			"high":      at(q.High, i),
			"low":       at(q.Low, i),
			"close":     at(q.Close, i),
			"volume":    at(q.Volume, i),
		})
	}
	return out
}

func at(values []*float64, i int) any {
	if i >= len(values) || values[i] == nil {
		return nil
	}
	return *values[i]
}
