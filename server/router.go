package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the coordinator pages and the API
// proxy.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, a.Config.Flow.EntryPath, http.StatusFound)
	})
	r.Get(a.Config.Flow.EntryPath, a.handleLoginPage)
	r.Post("/login", a.handleLogin)
	r.Post("/register", a.handleRegister)
	r.Get(a.Config.Flow.LandingPath, a.handleDashboard)
	r.Post("/logout", a.handleLogout)

	r.Get("/auth/google/login", a.handleGoogleBegin(ModeLogin))
	r.Get("/auth/google/register", a.handleGoogleBegin(ModeRegister))
	r.Get("/auth/google/callback", a.handleCallback)

	r.Handle("/api/*", a.Proxy)

	return r
}
