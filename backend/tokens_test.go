package backend

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTokenService(t *testing.T) (*TokenService, *JWKSManager) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://backend.test"
	cfg.Keys.JWKSPath = ""
	cfg.Tokens.TTL = time.Hour

	jwks, err := NewJWKSManager(cfg.Keys, testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	return NewTokenService(cfg, jwks, testLogger()), jwks
}

func TestIssueAndValidate(t *testing.T) {
	ts, _ := newTestTokenService(t)
	user := User{ID: "42", Username: "alice", Email: "alice@example.com"}

	token, refresh, err := ts.Issue(user)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	if token == "" || refresh == "" {
		t.Fatalf("expected credential and refresh token")
	}

	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if claims.Subject != "42" || claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != "http://backend.test" {
		t.Fatalf("unexpected issuer: %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestValidateExpired(t *testing.T) {
	ts, _ := newTestTokenService(t)
	issued := time.Now()
	ts.now = func() time.Time { return issued }
	token, _, err := ts.Issue(User{ID: "1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ts.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := ts.Validate(token); err == nil {
		t.Fatal("expected expired credential to be rejected")
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	ts, jwks := newTestTokenService(t)

	wrongIssuer, err := jwks.Sign(CredentialClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "http://evil.test",
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	noExpiry, _ := jwks.Sign(CredentialClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:  "http://backend.test",
		Subject: "1",
	}})
	hs256, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, CredentialClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "http://backend.test",
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte("secret"))

	tests := map[string]string{
		"malformed":    "not.a.jwt",
		"wrong_issuer": wrongIssuer,
		"no_expiry":    noExpiry,
		"hs256":        hs256,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ts.Validate(token); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestRotationKeepsPreviousKey(t *testing.T) {
	ts, jwks := newTestTokenService(t)
	old, _, err := ts.Issue(User{ID: "1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := jwks.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := ts.Validate(old); err != nil {
		t.Fatalf("credential signed before one rotation should verify: %v", err)
	}
	if n := len(jwks.PublicJWKS().Keys); n != 2 {
		t.Fatalf("expected 2 published keys, got %d", n)
	}

	if err := jwks.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := ts.Validate(old); err == nil {
		t.Fatal("credential signed by a dropped key must fail")
	}
}

func TestRedeemRefreshTokenOnce(t *testing.T) {
	ts, _ := newTestTokenService(t)
	_, refresh, err := ts.Issue(User{ID: "7"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	userID, err := ts.Redeem(refresh)
	if err != nil || userID != "7" {
		t.Fatalf("Redeem = %q, %v", userID, err)
	}
	if _, err := ts.Redeem(refresh); err != ErrRefreshInvalid {
		t.Fatalf("second redeem should fail, got %v", err)
	}
}

func TestRedeemExpiredRefreshToken(t *testing.T) {
	ts, _ := newTestTokenService(t)
	issued := time.Now()
	ts.now = func() time.Time { return issued }
	_, refresh, _ := ts.Issue(User{ID: "7"})

	ts.now = func() time.Time { return issued.Add(DefaultRefreshTTL + time.Second) }
	if _, err := ts.Redeem(refresh); err != ErrRefreshExpired {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestJWKSPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "jwks.json")
	cfg := KeyConfig{JWKSPath: path}

	first, err := NewJWKSManager(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	second, err := NewJWKSManager(cfg, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, b := first.PublicJWKS().Keys[0].KeyID, second.PublicJWKS().Keys[0].KeyID
	if a != b {
		t.Fatalf("expected persisted key %s, got %s", a, b)
	}
	for _, k := range second.PublicJWKS().Keys {
		if !k.IsPublic() {
			t.Fatal("published keys must be public")
		}
		if !strings.EqualFold(k.Algorithm, "RS256") {
			t.Fatalf("unexpected alg %s", k.Algorithm)
		}
	}
}
