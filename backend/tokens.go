package backend

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Refresh token errors
var (
	ErrRefreshInvalid = errors.New("refresh token invalid")
	ErrRefreshExpired = errors.New("refresh token expired")
)

// CredentialClaims are the claims of an issued credential. Subject is the
// user id.
type CredentialClaims struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// TokenService issues and validates signed credentials.
type TokenService struct {
	issuer     string
	audience   string
	ttl        time.Duration
	refreshTTL time.Duration
	jwks       *JWKSManager
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]refreshRecord
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, jwks *JWKSManager, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer:     cfg.Issuer(),
		audience:   cfg.Tokens.Audience,
		ttl:        cfg.Tokens.TTL,
		refreshTTL: cfg.Tokens.RefreshTTL,
		jwks:       jwks,
		logger:     logger,
		now:        time.Now,
		refresh:    make(map[string]refreshRecord),
	}
}

// Issue mints a credential for u. A refresh token is returned when refresh
// lifetimes are enabled.
func (ts *TokenService) Issue(u User) (string, string, error) {
	now := ts.now()
	jti, err := newOpaqueID()
	if err != nil {
		return "", "", err
	}
	claims := CredentialClaims{
		Username: u.Username,
		Email:    u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
			ID:        jti,
		},
	}
	if ts.audience != "" {
		claims.Audience = jwt.ClaimStrings{ts.audience}
	}
	token, err := ts.jwks.Sign(claims)
	if err != nil {
		return "", "", fmt.Errorf("sign credential: %w", err)
	}

	if ts.refreshTTL <= 0 {
		return token, "", nil
	}
	rt, err := newOpaqueID()
	if err != nil {
		return "", "", err
	}
	ts.mu.Lock()
	ts.refresh[rt] = refreshRecord{userID: u.ID, expiresAt: now.Add(ts.refreshTTL)}
	ts.mu.Unlock()
	return token, rt, nil
}

// Validate parses raw and checks signature, issuer, audience and expiry.
func (ts *TokenService) Validate(raw string) (*CredentialClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.audience != "" {
		opts = append(opts, jwt.WithAudience(ts.audience))
	}
	tok, err := jwt.ParseWithClaims(raw, &CredentialClaims{}, ts.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*CredentialClaims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Redeem consumes a refresh token and returns the user it was issued to.
// Refresh tokens are single use.
func (ts *TokenService) Redeem(rt string) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	rec, ok := ts.refresh[rt]
	if !ok {
		return "", ErrRefreshInvalid
	}
	delete(ts.refresh, rt)
	if ts.now().After(rec.expiresAt) {
		return "", ErrRefreshExpired
	}
	return rec.userID, nil
}

func newOpaqueID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
