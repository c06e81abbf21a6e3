package server

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// State token failures. The flow is aborted and the user returned to the
// entry view.
var (
	ErrStateMissing  = errors.New("no stored oauth state found")
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrStateExpired  = errors.New("oauth state expired")
)

// Callback failures detected before any backend contact.
var (
	ErrMissingCode  = errors.New("no authorization code received")
	ErrReplayedCode = errors.New("authorization code already processed")
)

// ErrNetworkTimeout is returned when the backend exchange exceeds its bound.
var ErrNetworkTimeout = errors.New("request timed out")

// ConfigurationError means a flow cannot start because client settings are
// missing. It is fatal for the attempt and is never navigated past.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("oauth client not configured: %s is required", e.Field)
}

// ProviderDeniedError carries the provider's error parameter.
type ProviderDeniedError struct {
	Reason      string
	Description string
}

func (e *ProviderDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider denied authorization: %s (%s)", e.Reason, e.Description)
	}
	return "provider denied authorization: " + e.Reason
}

// NetworkError wraps a transport failure talking to the backend.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ExchangeError reports a non-success or malformed backend response.
type ExchangeError struct {
	Status  int
	Body    string
	Message string
	Code    string
}

func (e *ExchangeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("exchange failed (%d)", e.Status)
}

// ValidationError is a local, field-scoped failure. No request was sent.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	for _, name := range []string{FieldUsername, FieldEmail, FieldPassword, FieldGeneral} {
		if msg, ok := e.Fields[name]; ok {
			return "validation failed: " + name + ": " + msg
		}
	}
	return "validation failed"
}

// Kind names the taxonomy bucket of err for logs and metrics labels.
func Kind(err error) string {
	var (
		cfgErr  *ConfigurationError
		denied  *ProviderDeniedError
		netErr  *NetworkError
		exchErr *ExchangeError
		valErr  *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "ConfigurationError"
	case errors.Is(err, ErrStateMissing):
		return "StateMissing"
	case errors.Is(err, ErrStateMismatch):
		return "StateMismatch"
	case errors.Is(err, ErrStateExpired):
		return "StateExpired"
	case errors.As(err, &denied):
		return "ProviderDenied"
	case errors.Is(err, ErrMissingCode):
		return "MissingCode"
	case errors.Is(err, ErrReplayedCode):
		return "ReplayedCode"
	case errors.Is(err, ErrNetworkTimeout):
		return "NetworkTimeout"
	case errors.As(err, &netErr):
		return "NetworkError"
	case errors.As(err, &exchErr):
		return "ExchangeFailed"
	case errors.As(err, &valErr):
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// transportError sorts a client.Do failure into timeout or network error.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return &NetworkError{Err: err}
}
