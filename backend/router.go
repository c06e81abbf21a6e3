package backend

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"authflow/server"
)

// Routes constructs the backend router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(server.RequestIDMiddleware)
	r.Use(server.LoggingMiddleware(s.Logger))
	r.Use(server.RecoveryMiddleware(s.Logger, s.Config.Server.DevMode))

	r.Get("/healthz", s.handleHealth)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/google/login", s.handleGoogle(false))
		r.Post("/auth/google/register", s.handleGoogle(true))
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/token/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCredential)
			r.Post("/verify-token", s.handleCurrentUser)
			r.Get("/users/me", s.handleCurrentUser)
		})
	})

	return r
}
