package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rotisserie/eris"
)

// ErrUnsupported is returned by variants for operations they do not serve.
var ErrUnsupported = eris.New("operation not supported by provider")

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server"
	KindClient      ErrorKind = "client"
	KindNotFound    ErrorKind = "not_found"
	KindMalformed   ErrorKind = "malformed"
	KindUnsupported ErrorKind = "unsupported"
)

// Error is a single provider call failure.
type Error struct {
	Provider   string
	Op         Operation
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %s (%d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// NewError builds a provider error.
func NewError(name string, op Operation, kind ErrorKind, err error) *Error {
	if err == nil {
		err = eris.New(string(kind))
	}
	return &Error{Provider: name, Op: op, Kind: kind, Err: err}
}

// Unsupported builds the error returned for operations a variant does not serve.
func Unsupported(name string, op Operation) *Error {
	return &Error{Provider: name, Op: op, Kind: KindUnsupported, Err: ErrUnsupported}
}

// StatusError classifies a non-2xx HTTP response.
func StatusError(name string, op Operation, status int, body string) *Error {
	kind := KindClient
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		kind = KindServer
	}
	msg := http.StatusText(status)
	if body != "" {
		msg = body
	}
	return &Error{Provider: name, Op: op, Kind: kind, StatusCode: status, Err: eris.New(msg)}
}

// TransportError classifies an error returned by the HTTP transport.
func TransportError(name string, op Operation, err error) *Error {
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Provider: name, Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err carries a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

// KindOf extracts the failure kind, or empty when err is not a provider error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
