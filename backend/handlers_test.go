package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-jose/go-jose/v3"

	"authflow/client"
)

type stubIdentity struct {
	identity GoogleIdentity
	err      error
	codes    []string
	uris     []string
}

func (s *stubIdentity) Exchange(ctx context.Context, code, redirectURI string) (GoogleIdentity, error) {
	s.codes = append(s.codes, code)
	s.uris = append(s.uris, redirectURI)
	return s.identity, s.err
}

func newTestServer(t *testing.T, exchanger IdentityExchanger) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://backend.test"
	cfg.Keys.JWKSPath = ""
	jwks, err := NewJWKSManager(cfg.Keys, testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	s := NewServer(cfg, testLogger(), jwks, exchanger)
	s.Users.cost = 4
	return s
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) (int, authResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp authResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

func TestGoogleLoginRequiresAccount(t *testing.T) {
	stub := &stubIdentity{identity: GoogleIdentity{Subject: "g-1", Email: "alice@example.com", Name: "Alice"}}
	h := newTestServer(t, stub).Routes()

	status, resp := call(t, h, "POST", "/api/auth/google/login", "", googleRequest{Code: "c1", RedirectURI: "http://app/cb"})
	if status != http.StatusNotFound || resp.ErrorCode != CodeUserNotFound {
		t.Fatalf("expected USER_NOT_FOUND, got %d %+v", status, resp)
	}
	if len(stub.uris) != 1 || stub.uris[0] != "http://app/cb" {
		t.Fatalf("redirect uri not forwarded: %v", stub.uris)
	}

	status, resp = call(t, h, "POST", "/api/auth/google/register", "", googleRequest{Code: "c2", RedirectURI: "http://app/cb"})
	if status != http.StatusOK || !resp.Success || resp.Token == "" || resp.RefreshToken == "" {
		t.Fatalf("register failed: %d %+v", status, resp)
	}
	if resp.User == nil || resp.User.Username != "alice" || resp.User.AuthProvider != ProviderGoogle {
		t.Fatalf("unexpected user %+v", resp.User)
	}

	status, resp = call(t, h, "POST", "/api/auth/google/register", "", googleRequest{Code: "c3"})
	if status != http.StatusConflict || resp.ErrorCode != CodeUserExists {
		t.Fatalf("expected USER_EXISTS, got %d %+v", status, resp)
	}

	status, resp = call(t, h, "POST", "/api/auth/google/login", "", googleRequest{Code: "c4"})
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login after register failed: %d %+v", status, resp)
	}
}

func TestGoogleEndpointErrors(t *testing.T) {
	t.Run("missing_code", func(t *testing.T) {
		h := newTestServer(t, &stubIdentity{}).Routes()
		status, resp := call(t, h, "POST", "/api/auth/google/login", "", googleRequest{})
		if status != http.StatusBadRequest || resp.Error != "Authorization code is required" {
			t.Fatalf("got %d %+v", status, resp)
		}
	})
	t.Run("not_configured", func(t *testing.T) {
		h := newTestServer(t, nil).Routes()
		status, _ := call(t, h, "POST", "/api/auth/google/login", "", googleRequest{Code: "c"})
		if status != http.StatusServiceUnavailable {
			t.Fatalf("got %d", status)
		}
	})
	t.Run("upstream_failure", func(t *testing.T) {
		h := newTestServer(t, &stubIdentity{err: errors.New("invalid_grant")}).Routes()
		status, resp := call(t, h, "POST", "/api/auth/google/login", "", googleRequest{Code: "c"})
		if status != http.StatusBadGateway || resp.Success {
			t.Fatalf("got %d %+v", status, resp)
		}
	})
	t.Run("redirect_not_allowed", func(t *testing.T) {
		h := newTestServer(t, &stubIdentity{err: ErrRedirectNotAllowed}).Routes()
		status, _ := call(t, h, "POST", "/api/auth/google/login", "", googleRequest{Code: "c"})
		if status != http.StatusBadRequest {
			t.Fatalf("got %d", status)
		}
	})
	t.Run("malformed_body", func(t *testing.T) {
		h := newTestServer(t, &stubIdentity{}).Routes()
		req := httptest.NewRequest("POST", "/api/auth/google/login", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("got %d", w.Code)
		}
	})
}

func TestCredentialEndpoints(t *testing.T) {
	h := newTestServer(t, nil).Routes()

	status, resp := call(t, h, "POST", "/api/register", "", registerRequest{Username: "carol", Email: "carol@example.com", Password: "Secret123"})
	if status != http.StatusCreated || resp.User == nil || resp.Token != "" {
		t.Fatalf("register: %d %+v", status, resp)
	}

	tests := []struct {
		name   string
		req    registerRequest
		status int
		code   string
		msg    string
	}{
		{"email_taken", registerRequest{Username: "x", Email: "carol@example.com", Password: "Secret123"}, http.StatusConflict, CodeEmailExists, "User with this email already exists"},
		{"username_taken", registerRequest{Username: "carol", Email: "new@example.com", Password: "Secret123"}, http.StatusConflict, CodeUsernameTaken, "Username is already taken"},
		{"bad_email", registerRequest{Username: "y", Email: "nope", Password: "Secret123"}, http.StatusBadRequest, CodeInvalidEmail, "Invalid email format"},
		{"weak_password", registerRequest{Username: "y", Email: "y@example.com", Password: "secret"}, http.StatusBadRequest, CodeWeakPassword, "Password must be at least 8 characters long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call(t, h, "POST", "/api/register", "", tt.req)
			if status != tt.status || resp.ErrorCode != tt.code || resp.Error != tt.msg {
				t.Fatalf("got %d %+v", status, resp)
			}
		})
	}

	status, resp = call(t, h, "POST", "/api/login", "", loginRequest{Username: "carol", Password: "nope"})
	if status != http.StatusUnauthorized || resp.Error != "Invalid username/email or password" || resp.ErrorCode != CodeInvalidCredentials {
		t.Fatalf("bad login: %d %+v", status, resp)
	}
	status, _ = call(t, h, "POST", "/api/login", "", loginRequest{})
	if status != http.StatusBadRequest {
		t.Fatalf("empty login: %d", status)
	}

	status, resp = call(t, h, "POST", "/api/login", "", loginRequest{Email: "carol@example.com", Password: "Secret123"})
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login: %d %+v", status, resp)
	}
	token, refresh := resp.Token, resp.RefreshToken

	status, resp = call(t, h, "GET", "/api/users/me", token, nil)
	if status != http.StatusOK || resp.User == nil || resp.User.Username != "carol" {
		t.Fatalf("users/me: %d %+v", status, resp)
	}
	status, _ = call(t, h, "POST", "/api/verify-token", token, nil)
	if status != http.StatusOK {
		t.Fatalf("verify-token: %d", status)
	}

	status, resp = call(t, h, "POST", "/api/token/refresh", "", refreshRequest{RefreshToken: refresh})
	if status != http.StatusOK || resp.Token == "" || resp.RefreshToken == refresh {
		t.Fatalf("refresh: %d %+v", status, resp)
	}
	status, _ = call(t, h, "POST", "/api/token/refresh", "", refreshRequest{RefreshToken: refresh})
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh reuse: %d", status)
	}
}

func TestBearerRequired(t *testing.T) {
	h := newTestServer(t, nil).Routes()
	for _, token := range []string{"", "garbage", "a.b.c"} {
		status, _ := call(t, h, "GET", "/api/users/me", token, nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, status)
		}
	}
}

func TestJWKSEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("jwks: %d", w.Code)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || !set.Keys[0].IsPublic() {
		t.Fatalf("unexpected key set %+v", set)
	}
}

func TestCredentialVerifiesAgainstPublishedKeys(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	token, _, err := s.Tokens.Issue(User{ID: "5", Username: "erin", Email: "erin@example.com"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := client.NewValidator(client.ValidatorConfig{
		Issuer:  "http://backend.test",
		JWKSURL: srv.URL + "/.well-known/jwks.json",
	})
	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "5" || claims.Username != "erin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
