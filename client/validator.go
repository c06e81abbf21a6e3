package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ValidatorConfig configures the credential validator.
type ValidatorConfig struct {
	Issuer     string
	JWKSURL    string
	Audience   string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// Validator verifies backend-issued RS256 credentials against the backend
// JWKS document.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// Claims is the verified subset of a credential.
type Claims struct {
	Subject   string
	Username  string
	Email     string
	Issuer    string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// NewValidator creates a validator with a five minute default cache.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Validator{cfg: cfg, client: client}
}

// Validate downloads the key set if needed and verifies rawToken.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, false)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	mc := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Unknown kid: the backend may have rotated.
			if refreshed, err := v.ensureJWKS(ctx, true); err == nil {
				key = findKey(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return mapClaims(mc)
}

func (v *Validator) ensureJWKS(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if !force && cache.set.Keys != nil && time.Now().Before(cache.expires) {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{
		set:     set,
		etag:    resp.Header.Get("ETag"),
		expires: time.Now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
	}

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func mapClaims(mc jwt.MapClaims) (*Claims, error) {
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("sub missing")
	}
	c := &Claims{Subject: sub}
	c.Username, _ = mc["username"].(string)
	c.Email, _ = mc["email"].(string)
	c.Issuer, _ = mc["iss"].(string)
	c.TokenID, _ = mc["jti"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
