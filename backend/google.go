package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrRedirectNotAllowed is returned when the caller presents a callback URI
// outside the configured list.
var ErrRedirectNotAllowed = errors.New("redirect_uri not allowed")

// IdentityExchanger turns an authorization code into a verified identity.
type IdentityExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (GoogleIdentity, error)
}

// GoogleProvider performs the confidential code exchange against Google and
// verifies the returned ID token.
type GoogleProvider struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	allowed  map[string]bool
	logger   *slog.Logger
}

// NewGoogleProvider discovers the issuer and prepares the exchange.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig, logger *slog.Logger) (*GoogleProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("google.client_id is required")
	}

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.Issuer, err)
	}

	endpoint := op.Endpoint()
	if strings.TrimRight(cfg.Issuer, "/") == GoogleIssuer {
		endpoint = google.Endpoint
	}

	allowed := make(map[string]bool, len(cfg.RedirectURIs))
	for _, u := range cfg.RedirectURIs {
		if u != "" {
			allowed[u] = true
		}
	}

	return &GoogleProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		allowed:  allowed,
		logger:   logger,
	}, nil
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange redeems code with the redirect URI the coordinator used when it
// started the flow. The two must match or Google rejects the exchange.
func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURI string) (GoogleIdentity, error) {
	if len(p.allowed) > 0 && !p.allowed[redirectURI] {
		return GoogleIdentity{}, fmt.Errorf("%w: %s", ErrRedirectNotAllowed, redirectURI)
	}

	conf := p.oauth
	conf.RedirectURL = redirectURI
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return GoogleIdentity{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return GoogleIdentity{}, fmt.Errorf("parse claims: %w", err)
	}
	if claims.Email == "" {
		return GoogleIdentity{}, errors.New("id_token has no email claim")
	}

	p.logger.Debug("google identity verified", "sub", idToken.Subject, "email_verified", claims.EmailVerified)
	return GoogleIdentity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}
