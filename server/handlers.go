package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"authflow/client"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Store       Store
	Sessions    *SessionManager
	States      *StateManager
	Initiator   *Initiator
	Processor   *Processor
	Credentials *CredentialService
	Proxy       *APIProxy

	views   *views
	closers []func() error
}

// Option customises NewApp.
type Option func(*appOptions)

type appOptions struct {
	store     Store
	exchanger Exchanger
	now       func() time.Time
}

// WithStore replaces the configured session store.
func WithStore(s Store) Option {
	return func(o *appOptions) { o.store = s }
}

// WithExchanger replaces the HTTP code exchanger.
func WithExchanger(e Exchanger) Option {
	return func(o *appOptions) { o.exchanger = e }
}

// WithClock sets the clock used for state issuance and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Logger: logger, views: loadViews()}

	store := o.store
	if store == nil {
		s, closer, err := openStore(ctx, cfg.Sessions, logger)
		if err != nil {
			return nil, err
		}
		store = s
		if closer != nil {
			app.closers = append(app.closers, closer)
		}
	}
	app.Store = store

	httpClient := client.NewHTTPClient(&client.Transport{
		Request: []client.RequestInterceptor{client.BearerToken()},
	}, cfg.Backend.Timeout)
	api := NewBackendAPI(cfg.Backend.APIBase, httpClient, logger)

	var validator *client.Validator
	if cfg.Backend.JWKSURL != "" {
		validator = client.NewValidator(client.ValidatorConfig{
			Issuer:     cfg.Backend.Issuer,
			JWKSURL:    cfg.Backend.JWKSURL,
			Audience:   cfg.Backend.Audience,
			HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout},
		})
	}

	exchanger := o.exchanger
	if exchanger == nil {
		exchanger = NewHTTPExchanger(api, validator, logger)
	}

	app.Sessions = NewSessionManager(cfg, store, logger)
	app.States = NewStateManager(o.now)
	app.Initiator = NewInitiator(cfg, app.States, logger)
	app.Processor = NewProcessor(app.States, exchanger, app.Initiator.RedirectURI(), cfg.Flow, logger)
	app.Credentials = NewCredentialService(api, logger)

	proxy, err := NewAPIProxy(cfg, app.Sessions, logger)
	if err != nil {
		return nil, err
	}
	app.Proxy = proxy

	return app, nil
}

func openStore(ctx context.Context, cfg SessionsConfig, logger *slog.Logger) (Store, func() error, error) {
	switch cfg.Driver {
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("session store ready", "driver", StoreRedis, "addr", cfg.Redis.Addr)
		return NewRedisStore(rdb), rdb.Close, nil
	default:
		logger.Info("session store ready", "driver", StoreMemory)
		return NewInMemoryStore(), nil, nil
	}
}

// Close releases external connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	ctx := r.Context()
	if _, ok := sess.Token(ctx); ok {
		http.Redirect(w, r, a.Config.Flow.LandingPath, http.StatusFound)
		return
	}
	a.views.render(w, http.StatusOK, a.views.login, pageData{
		Title:  "Sign in",
		Status: a.takeStatus(ctx, sess),
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	out := a.Credentials.Login(r.Context(), sess, username, r.PostFormValue("password"))
	if !out.Success {
		a.views.render(w, http.StatusUnauthorized, a.views.login, pageData{
			Title:    "Sign in",
			Fields:   out.Fields,
			Form:     "login",
			Username: username,
		})
		return
	}
	a.publish(r.Context(), sess, StatusMessage{Kind: StatusSuccess, Text: "Login successful!"})
	http.Redirect(w, r, a.Config.Flow.LandingPath, http.StatusSeeOther)
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	email := r.PostFormValue("email")
	out := a.Credentials.Register(r.Context(), username, email, r.PostFormValue("password"))
	if !out.Success {
		a.views.render(w, http.StatusBadRequest, a.views.login, pageData{
			Title:    "Sign in",
			Fields:   out.Fields,
			Form:     "register",
			Username: username,
			Email:    email,
		})
		return
	}
	a.publish(r.Context(), sess, StatusMessage{Kind: StatusSuccess, Text: "Registration successful! Please sign in."})
	http.Redirect(w, r, a.Config.Flow.EntryPath, http.StatusSeeOther)
}

func (a *App) handleGoogleBegin(mode Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := a.Sessions.Load(w, r)
		authURL, err := a.Initiator.BeginAuthorization(r.Context(), sess.Tab, mode)
		if err != nil {
			var cfgErr *ConfigurationError
			if errors.As(err, &cfgErr) {
				a.Logger.Error("oauth.begin", "mode", mode, "kind", Kind(err), "field", cfgErr.Field)
				a.views.render(w, http.StatusServiceUnavailable, a.views.login, pageData{
					Title:  "Sign in",
					Status: &StatusMessage{Kind: StatusError, Text: StatusText(err)},
				})
				return
			}
			a.Logger.Error("oauth.begin", "mode", mode, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	q := r.URL.Query()
	out := a.Processor.Process(r.Context(), sess, CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})

	data := pageData{
		Title:   "Google sign-in",
		Refresh: &refresh{Seconds: delaySeconds(out.Delay), URL: out.Redirect},
	}
	if !out.Duplicate {
		status := out.Status
		data.Status = &status
		if out.State == StateSucceeded {
			data.Title = "Authentication successful"
		} else {
			data.Title = "Authentication failed"
		}
	}
	a.views.render(w, http.StatusOK, a.views.callback, data)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	ctx := r.Context()
	if _, ok := sess.Token(ctx); !ok {
		http.Redirect(w, r, a.Config.Flow.EntryPath, http.StatusFound)
		return
	}
	user, _ := LoadUser(ctx, sess)
	a.views.render(w, http.StatusOK, a.views.dashboard, pageData{
		Title:  "Dashboard",
		Status: a.takeStatus(ctx, sess),
		User:   user,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Load(w, r)
	ctx := r.Context()
	if err := sess.ClearCredentials(ctx); err != nil {
		a.Logger.Error("logout failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	a.publish(ctx, sess, StatusMessage{Kind: StatusSuccess, Text: "You have been signed out."})
	http.Redirect(w, r, a.Config.Flow.EntryPath, http.StatusSeeOther)
}

func (a *App) takeStatus(ctx context.Context, sess *Session) *StatusMessage {
	msg, ok, err := TakeStatus(ctx, sess.Tab)
	if err != nil {
		a.Logger.Warn("read status failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &msg
}

func (a *App) publish(ctx context.Context, sess *Session, msg StatusMessage) {
	if err := PublishStatus(ctx, sess.Tab, msg); err != nil {
		a.Logger.Warn("publish status failed", "error", err)
	}
}

func delaySeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
