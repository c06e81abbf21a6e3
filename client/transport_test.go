package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransportAttachesBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := &Transport{Request: []RequestInterceptor{BearerToken()}}
	c := NewHTTPClient(tr, 0)

	req, _ := http.NewRequestWithContext(WithToken(context.Background(), "abc"), http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if got != "Bearer abc" {
		t.Fatalf("expected bearer header, got %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("caller request must not be mutated")
	}
}

func TestTransportNoTokenNoHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := NewHTTPClient(&Transport{Request: []RequestInterceptor{BearerToken()}}, 0)
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got != "" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestOnUnauthorizedFiresOnlyForAuthenticatedRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	calls := 0
	tr := &Transport{
		Request:  []RequestInterceptor{BearerToken()},
		Response: []ResponseInterceptor{OnUnauthorized(func(*http.Request) { calls++ })},
	}
	c := NewHTTPClient(tr, 0)

	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if calls != 0 {
		t.Fatalf("hook must not fire without credentials, got %d", calls)
	}

	req, _ := http.NewRequestWithContext(WithToken(context.Background(), "expired"), http.MethodGet, srv.URL, nil)
	resp, err = c.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if calls != 1 {
		t.Fatalf("expected hook once, got %d", calls)
	}
}

func TestRequestInterceptorErrorAborts(t *testing.T) {
	sentinel := errors.New("blocked")
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	defer srv.Close()

	tr := &Transport{Request: []RequestInterceptor{func(*http.Request) error { return sentinel }}}
	_, err := NewHTTPClient(tr, 0).Get(srv.URL)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected interceptor error, got %v", err)
	}
	if hit {
		t.Fatal("request should not reach server")
	}
}
