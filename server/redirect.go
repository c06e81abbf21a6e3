package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Initiator starts authorization-code flows against Google.
type Initiator struct {
	google      GoogleConfig
	redirectURI string
	states      *StateManager
	logger      *slog.Logger
}

// NewInitiator binds the client settings used to build authorization URLs.
func NewInitiator(cfg Config, states *StateManager, logger *slog.Logger) *Initiator {
	return &Initiator{
		google:      cfg.Google,
		redirectURI: cfg.GoogleRedirectURI(),
		states:      states,
		logger:      logger,
	}
}

// RedirectURI is the exact URI sent to the provider and later to the backend.
func (i *Initiator) RedirectURI() string {
	return i.redirectURI
}

func (i *Initiator) oauthConfig() *oauth2.Config {
	endpoint := google.Endpoint
	if i.google.AuthURL != "" {
		endpoint.AuthURL = i.google.AuthURL
	}
	scopes := i.google.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &oauth2.Config{
		ClientID:    i.google.ClientID,
		RedirectURL: i.redirectURI,
		Endpoint:    endpoint,
		Scopes:      scopes,
	}
}

func (i *Initiator) prompt(mode Mode) string {
	if mode == ModeRegister {
		return i.google.RegisterPrompt
	}
	return i.google.LoginPrompt
}

// BeginAuthorization prepares the tab for a new flow bound to mode and
// returns the provider URL to navigate to. Nothing is written when the
// client settings are incomplete.
func (i *Initiator) BeginAuthorization(ctx context.Context, tab *Bucket, mode Mode) (string, error) {
	if i.google.ClientID == "" {
		return "", &ConfigurationError{Field: "google.client_id"}
	}
	if i.redirectURI == "" {
		return "", &ConfigurationError{Field: "google.redirect_uri"}
	}
	if !mode.Valid() {
		mode = ModeLogin
	}

	if err := tab.Delete(ctx, KeyProcessedCode); err != nil {
		return "", fmt.Errorf("clear processed code: %w", err)
	}

	state := GenerateState()
	if err := i.states.Store(ctx, tab, state, mode); err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	if p := i.prompt(mode); p != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", p))
	}
	authURL := i.oauthConfig().AuthCodeURL(state, opts...)

	i.logger.Info("oauth.begin", "mode", mode, "redirect_uri", i.redirectURI)
	return authURL, nil
}
