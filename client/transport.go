// Package client holds the outbound side of the coordinator: an HTTP
// transport with request and response hooks, and a verifier for
// backend-issued credentials.
package client

import (
	"context"
	"net/http"
	"time"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 10 * time.Second

// RequestInterceptor may modify an outbound request before it is sent.
type RequestInterceptor func(req *http.Request) error

// ResponseInterceptor observes a response before it is handed back.
type ResponseInterceptor func(req *http.Request, resp *http.Response)

// Transport is an http.RoundTripper that runs interceptors around Base.
type Transport struct {
	Base     http.RoundTripper
	Request  []RequestInterceptor
	Response []ResponseInterceptor
}

// RoundTrip implements http.RoundTripper. The caller's request is never
// mutated.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for _, fn := range t.Request {
		if err := fn(out); err != nil {
			if req.Body != nil {
				req.Body.Close()
			}
			return nil, err
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	for _, fn := range t.Response {
		fn(out, resp)
	}
	return resp, nil
}

// NewHTTPClient wraps t in a client with the given overall timeout.
func NewHTTPClient(t *Transport, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: t, Timeout: timeout}
}

type tokenKey struct{}

// WithToken attaches a bearer credential to ctx for BearerToken to pick up.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the credential attached by WithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// BearerToken sets the Authorization header from the request context when
// the caller has not set one.
func BearerToken() RequestInterceptor {
	return func(req *http.Request) error {
		if req.Header.Get("Authorization") != "" {
			return nil
		}
		if tok, ok := TokenFromContext(req.Context()); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		return nil
	}
}

// OnUnauthorized calls fn when an authenticated request comes back 401.
func OnUnauthorized(fn func(req *http.Request)) ResponseInterceptor {
	return func(req *http.Request, resp *http.Response) {
		if resp.StatusCode != http.StatusUnauthorized {
			return
		}
		if req.Header.Get("Authorization") == "" {
			return
		}
		fn(req)
	}
}
