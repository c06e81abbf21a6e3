package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	tabCookieName    = "af_tab"
	deviceCookieName = "af_device"
)

// Tab-scoped keys. They live only as long as the browser session.
const (
	KeyOAuthState     = "google_oauth_state"
	KeyOAuthMode      = "google_oauth_mode"
	KeyOAuthTimestamp = "google_oauth_timestamp"
	KeyProcessedCode  = "google_oauth_processed_code"
	KeyStatusMessage  = "auth_status_message"
)

// Durable keys. They survive browser restarts.
const (
	KeyToken        = "jwtToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Bucket is one scope of a session: every key is namespaced by scope and
// session id and written with the scope lifetime.
type Bucket struct {
	store  Store
	prefix string
	ttl    time.Duration
}

func (b *Bucket) key(name string) string {
	return b.prefix + name
}

// Get returns the value stored under name.
func (b *Bucket) Get(ctx context.Context, name string) (string, bool, error) {
	return b.store.Get(ctx, b.key(name))
}

// Set stores value under name.
func (b *Bucket) Set(ctx context.Context, name, value string) error {
	return b.store.Set(ctx, b.key(name), value, b.ttl)
}

// Take reads and removes name.
func (b *Bucket) Take(ctx context.Context, name string) (string, bool, error) {
	return b.store.Take(ctx, b.key(name))
}

// Delete removes names. Missing names are ignored.
func (b *Bucket) Delete(ctx context.Context, names ...string) error {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = b.key(n)
	}
	return b.store.Delete(ctx, keys...)
}

// Session binds the two scopes belonging to one browser tab.
type Session struct {
	TabID    string
	DeviceID string
	Tab      *Bucket
	Durable  *Bucket
}

// Token returns the issued credential if one is stored.
func (s *Session) Token(ctx context.Context) (string, bool) {
	v, ok, err := s.Durable.Get(ctx, KeyToken)
	if err != nil || !ok || v == "" {
		return "", false
	}
	return v, true
}

// ClearCredentials drops the issued and refresh credentials and the profile.
func (s *Session) ClearCredentials(ctx context.Context) error {
	return s.Durable.Delete(ctx, KeyToken, KeyRefreshToken, KeyUser)
}

// SessionManager maps cookies to store buckets.
type SessionManager struct {
	store        Store
	logger       *slog.Logger
	tabTTL       time.Duration
	deviceTTL    time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store Store, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		tabTTL:       cfg.Sessions.TabTTL,
		deviceTTL:    cfg.Sessions.DeviceTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Load returns the session for the request, issuing cookies for any scope
// that does not have one yet.
func (sm *SessionManager) Load(w http.ResponseWriter, r *http.Request) *Session {
	tabID := sm.cookieValue(r, tabCookieName)
	if tabID == "" {
		tabID = NewID()
		// No MaxAge: the cookie ends with the browser session.
		http.SetCookie(w, sm.cookie(tabCookieName, tabID, 0))
		sm.logger.Debug("tab session issued", "tab", shortID(tabID))
	}

	deviceID := sm.cookieValue(r, deviceCookieName)
	if deviceID == "" {
		deviceID = NewID()
		http.SetCookie(w, sm.cookie(deviceCookieName, deviceID, int(sm.deviceTTL.Seconds())))
	}

	return sm.session(tabID, deviceID)
}

func (sm *SessionManager) session(tabID, deviceID string) *Session {
	return &Session{
		TabID:    tabID,
		DeviceID: deviceID,
		Tab:      &Bucket{store: sm.store, prefix: "tab:" + tabID + ":", ttl: sm.tabTTL},
		Durable:  &Bucket{store: sm.store, prefix: "device:" + deviceID + ":", ttl: sm.deviceTTL},
	}
}

func (sm *SessionManager) cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil || !validID(c.Value) {
		return ""
	}
	return c.Value
}

// validID accepts only identifiers minted by NewID.
func validID(v string) bool {
	if len(v) != 32 {
		return false
	}
	for _, c := range v {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func (sm *SessionManager) cookie(name, value string, maxAge int) *http.Cookie {
	// Lax so the provider's top-level redirect back still carries the cookie.
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
