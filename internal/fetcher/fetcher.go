package fetcher

import (
	"net/http"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultUserAgent is sent when a provider does not configure one. Some
// quote endpoints reject requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (compatible; mdfallback/1.0)"
