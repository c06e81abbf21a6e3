package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestValidatorAcceptsSignedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newJWKSServer(t, key, "k1")
	defer srv.Close()

	v := NewValidator(ValidatorConfig{JWKSURL: srv.URL, Issuer: "authflow-backend"})
	raw := signToken(t, key, "k1", jwt.MapClaims{
		"sub":      "42",
		"username": "alice",
		"email":    "alice@example.com",
		"iss":      "authflow-backend",
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Validate(context.Background(), raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "42" || claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidatorRejects(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := newJWKSServer(t, key, "k1")
	defer srv.Close()

	v := NewValidator(ValidatorConfig{JWKSURL: srv.URL, Issuer: "authflow-backend"})
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "42",
			"iss": "authflow-backend",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	expired := base()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongIss := base()
	wrongIss["iss"] = "someone-else"
	noExp := base()
	delete(noExp, "exp")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong_key", signToken(t, other, "k1", base())},
		{"expired", signToken(t, key, "k1", expired)},
		{"wrong_issuer", signToken(t, key, "k1", wrongIss)},
		{"no_expiry", signToken(t, key, "k1", noExp)},
		{"unknown_kid", signToken(t, other, "k9", base())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(context.Background(), tt.token); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if got := maxCacheDuration("public, max-age=60", time.Minute*5); got != time.Minute {
		t.Fatalf("expected 1m, got %s", got)
	}
	if got := maxCacheDuration("", 0); got != 5*time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}
