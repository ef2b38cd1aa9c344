package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind tags an upstream failure so retry and failover decisions are a
// plain branch on data.
type ErrorKind string

const (
	ErrorAuth        ErrorKind = "auth"
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorTransient   ErrorKind = "transient"
	ErrorFailed      ErrorKind = "failed"
)

// Retryable reports whether another attempt against the same provider may succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRateLimited || k == ErrorTransient
}

type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(providerName string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

// KindOf classifies any error returned by an adapter. Untyped errors are
// treated as generic failures and are not retried.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorFailed
}

// KindForStatus maps an upstream HTTP status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ErrorTransient
	default:
		return ErrorFailed
	}
}

const maxErrorBody = 512

// StatusError builds the typed error for a non-2xx upstream response. The body
// is truncated; upstream error bodies may echo the request, which is sanitized.
func StatusError(providerName string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &Error{
		Kind:       KindForStatus(status),
		Provider:   providerName,
		StatusCode: status,
		Err:        fmt.Errorf("%s api error: %s", providerName, msg),
	}
}

// TransportError classifies a failure to reach the upstream at all. Context
// cancellation is returned unchanged so callers can tell it apart.
func TransportError(providerName string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError(providerName, ErrorTransient, err)
}
