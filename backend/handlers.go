package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"authflow/policy"
)

// Error codes understood by the coordinator.
const (
	CodeUserExists         = "USER_EXISTS"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
)

const maxRequestBody = 64 << 10

// Server is the backend HTTP application.
type Server struct {
	Config    Config
	Logger    *slog.Logger
	Users     *Directory
	Tokens    *TokenService
	JWKS      *JWKSManager
	Exchanger IdentityExchanger
}

// NewServer wires the backend. exchanger may be nil when Google sign-in is
// not configured; the Google endpoints then answer 503.
func NewServer(cfg Config, logger *slog.Logger, jwks *JWKSManager, exchanger IdentityExchanger) *Server {
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Users:     NewDirectory(),
		Tokens:    NewTokenService(cfg, jwks, logger),
		JWKS:      jwks,
		Exchanger: exchanger,
	}
}

type authResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *UserView `json:"user,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
}

type googleRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleGoogle(register bool) http.HandlerFunc {
	mode := "login"
	if register {
		mode = "register"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req googleRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Code == "" {
			fail(w, http.StatusBadRequest, "Authorization code is required", "")
			return
		}
		if s.Exchanger == nil {
			fail(w, http.StatusServiceUnavailable, "Google sign-in is not configured", "")
			return
		}

		identity, err := s.Exchanger.Exchange(r.Context(), req.Code, req.RedirectURI)
		if err != nil {
			s.Logger.Warn("google exchange failed", "mode", mode, "error", err)
			if errors.Is(err, ErrRedirectNotAllowed) {
				fail(w, http.StatusBadRequest, "redirect_uri is not registered", "")
				return
			}
			fail(w, http.StatusBadGateway, "Google token exchange failed", "")
			return
		}

		var user User
		if register {
			user, err = s.Users.RegisterGoogle(identity)
		} else {
			user, err = s.Users.SignInGoogle(identity)
		}
		switch {
		case errors.Is(err, ErrEmailExists):
			fail(w, http.StatusConflict, "An account with this Google email already exists", CodeUserExists)
			return
		case errors.Is(err, ErrUserNotFound):
			fail(w, http.StatusNotFound, "No account found for this Google user", CodeUserNotFound)
			return
		case errors.Is(err, ErrAccountDisabled):
			fail(w, http.StatusUnauthorized, err.Error(), "")
			return
		case err != nil:
			s.Logger.Error("google user lookup failed", "mode", mode, "error", err)
			fail(w, http.StatusInternalServerError, "Authentication failed", "")
			return
		}

		s.Logger.Info("google sign-in", "mode", mode, "user_id", user.ID)
		s.issue(w, http.StatusOK, user, "Authentication successful")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	identifier := req.Username
	if identifier == "" {
		identifier = req.Email
	}
	if strings.TrimSpace(identifier) == "" || req.Password == "" {
		fail(w, http.StatusBadRequest, "Username/email and password are required", "")
		return
	}

	user, err := s.Users.Authenticate(identifier, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		fail(w, http.StatusUnauthorized, err.Error(), CodeInvalidCredentials)
		return
	case errors.Is(err, ErrAccountDisabled):
		fail(w, http.StatusUnauthorized, err.Error(), "")
		return
	case err != nil:
		s.Logger.Error("login failed", "error", err)
		fail(w, http.StatusInternalServerError, "Login failed", "")
		return
	}
	s.issue(w, http.StatusOK, user, "Login successful")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := policy.ValidateEmail(req.Email); err != nil {
		fail(w, http.StatusBadRequest, err.Error(), CodeInvalidEmail)
		return
	}
	if err := policy.ValidatePassword(req.Password); err != nil {
		fail(w, http.StatusBadRequest, err.Error(), CodeWeakPassword)
		return
	}

	user, err := s.Users.Register(req.Username, req.Email, req.Name, req.Password)
	switch {
	case errors.Is(err, ErrEmailExists):
		fail(w, http.StatusConflict, err.Error(), CodeEmailExists)
		return
	case errors.Is(err, ErrUsernameTaken):
		fail(w, http.StatusConflict, err.Error(), CodeUsernameTaken)
		return
	case err != nil:
		s.Logger.Error("register failed", "error", err)
		fail(w, http.StatusInternalServerError, "Registration failed", "")
		return
	}

	s.Logger.Info("user registered", "user_id", user.ID)
	view := user.View()
	writeJSON(w, http.StatusCreated, authResponse{Success: true, Message: "User registered successfully", User: &view})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	userID, err := s.Tokens.Redeem(req.RefreshToken)
	if err != nil {
		fail(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	user, ok := s.Users.Get(userID)
	if !ok || !user.Active {
		fail(w, http.StatusUnauthorized, ErrUserNotFound.Error(), "")
		return
	}
	s.issue(w, http.StatusOK, user, "Token refreshed")
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	view := user.View()
	writeJSON(w, http.StatusOK, authResponse{Success: true, User: &view})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.JWKS.PublicJWKS())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userKey struct{}

func userFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// requireCredential authenticates the bearer credential and loads the user.
func (s *Server) requireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || raw == "" {
			fail(w, http.StatusUnauthorized, "No valid token provided", "")
			return
		}
		claims, err := s.Tokens.Validate(raw)
		if err != nil {
			s.Logger.Debug("credential rejected", "error", err)
			fail(w, http.StatusUnauthorized, "Invalid token", "")
			return
		}
		user, ok := s.Users.Get(claims.Subject)
		if !ok || !user.Active {
			fail(w, http.StatusUnauthorized, ErrUserNotFound.Error(), "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (s *Server) issue(w http.ResponseWriter, status int, user User, message string) {
	token, refresh, err := s.Tokens.Issue(user)
	if err != nil {
		s.Logger.Error("issue credential failed", "user_id", user.ID, "error", err)
		fail(w, http.StatusInternalServerError, "Failed to issue credential", "")
		return
	}
	view := user.View()
	writeJSON(w, status, authResponse{
		Success:      true,
		Message:      message,
		Token:        token,
		RefreshToken: refresh,
		User:         &view,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		fail(w, http.StatusBadRequest, "No data provided", "")
		return false
	}
	return true
}

func fail(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, authResponse{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
