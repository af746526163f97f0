package fallback

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"market-fallback/internal/provider"
)

const maxTickerLen = 32

// Request is the typed form of a façade call.
type Request struct {
	Operation provider.Operation
	Ticker    string
	// Days is the history window; zero selects the manager default.
	Days int
	// StrictFreshness turns an expired cache fallback into CacheExpiredError.
	StrictFreshness bool
}

// ParseRequest validates the loose operation and argument map.
// Recognised args: ticker (string), days (int), strict_freshness (bool).
func ParseRequest(operation string, args map[string]any) (Request, error) {
	op, err := provider.ParseOperation(operation)
	if err != nil {
		return Request{}, eris.Wrap(ErrInvalidRequest, err.Error())
	}
	req := Request{Operation: op}

	if v, ok := args["ticker"]; ok && v != nil {
		s, isString := v.(string)
		if !isString {
			return Request{}, eris.Wrapf(ErrInvalidRequest, "ticker must be a string, got %T", v)
		}
		req.Ticker = s
	}
	if v, ok := args["days"]; ok && v != nil {
		days, err := intArg(v)
		if err != nil {
			return Request{}, eris.Wrapf(ErrInvalidRequest, "days: %v", err)
		}
		req.Days = days
	}
	if v, ok := args["strict_freshness"]; ok && v != nil {
		strict, err := boolArg(v)
		if err != nil {
			return Request{}, eris.Wrapf(ErrInvalidRequest, "strict_freshness: %v", err)
		}
		req.StrictFreshness = strict
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate normalises the ticker and checks operation specific arguments.
func (r *Request) Validate() error {
	if r.Operation == "" {
		return eris.Wrap(ErrInvalidRequest, "operation is required")
	}
	if _, err := provider.ParseOperation(string(r.Operation)); err != nil {
		return eris.Wrap(ErrInvalidRequest, err.Error())
	}
	r.Ticker = strings.ToUpper(strings.TrimSpace(r.Ticker))
	if r.Operation.NeedsTicker() {
		if r.Ticker == "" {
			return eris.Wrapf(ErrInvalidRequest, "%s requires a ticker", r.Operation)
		}
		if len(r.Ticker) > maxTickerLen {
			return eris.Wrapf(ErrInvalidRequest, "ticker %q too long", r.Ticker)
		}
	} else {
		r.Ticker = ""
	}
	if r.Days < 0 {
		return eris.Wrapf(ErrInvalidRequest, "days must be positive, got %d", r.Days)
	}
	return nil
}

// Key identifies the request for caching and coalescing.
func (r Request) Key() string {
	switch r.Operation {
	case provider.OpHistorical:
		return string(r.Operation) + ":" + r.Ticker + ":" + strconv.Itoa(r.Days)
	case provider.OpMarketData, provider.OpVolume:
		return string(r.Operation) + ":" + r.Ticker
	default:
		return string(r.Operation)
	}
}

func (r Request) flightKey() string {
	if r.StrictFreshness {
		return r.Key() + "|strict"
	}
	return r.Key()
}

func intArg(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, eris.Errorf("%v is not a whole number", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, eris.Errorf("unexpected %T", v)
	}
}

func boolArg(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	default:
		return false, eris.Errorf("unexpected %T", v)
	}
}
