package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"authflow/client"
)

// HeaderAuthRedirect tells script callers where to send the user after an
// unauthorized response.
const HeaderAuthRedirect = "X-Auth-Redirect"

type sessionKey struct{}

func withSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func sessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok
}

// APIProxy forwards /api requests to the backend with the session's
// credential attached.
type APIProxy struct {
	proxy     *httputil.ReverseProxy
	sessions  *SessionManager
	entryPath string
	logger    *slog.Logger
}

// NewAPIProxy builds a reverse proxy to the backend API base.
func NewAPIProxy(cfg Config, sessions *SessionManager, logger *slog.Logger) (*APIProxy, error) {
	target, err := url.Parse(cfg.Backend.APIBase)
	if err != nil {
		return nil, fmt.Errorf("invalid backend.api_base: %w", err)
	}

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Backend.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Backend.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	ap := &APIProxy{
		sessions:  sessions,
		entryPath: cfg.Flow.EntryPath,
		logger:    logger,
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &client.Transport{
		Base:     base,
		Request:  []client.RequestInterceptor{client.BearerToken()},
		Response: []client.ResponseInterceptor{client.OnUnauthorized(ap.dropCredentials)},
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		req.URL.Path = strings.TrimPrefix(req.URL.Path, "/api")
		if req.URL.RawPath != "" {
			req.URL.RawPath = strings.TrimPrefix(req.URL.RawPath, "/api")
		}
		originalDirector(req)
		req.Host = target.Host

		// Coordinator cookies and any client-supplied credential stay here.
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			prior := req.Header.Get("X-Forwarded-For")
			if prior != "" {
				clientIP = prior + ", " + clientIP
			}
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Del("Set-Cookie")
		if resp.StatusCode != http.StatusUnauthorized {
			return nil
		}
		resp.Header.Set(HeaderAuthRedirect, ap.entryPath)
		if isNavigation(resp.Request) {
			resp.Body.Close()
			resp.StatusCode = http.StatusSeeOther
			resp.Status = ""
			resp.Header.Set("Location", ap.entryPath)
			resp.Header.Del("Content-Length")
			resp.Header.Del("Content-Type")
			resp.ContentLength = 0
			resp.Body = http.NoBody
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error",
			"target", cfg.Backend.APIBase,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	ap.proxy = proxy
	return ap, nil
}

// ServeHTTP requires a stored credential and forwards the request.
func (ap *APIProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := ap.sessions.Load(w, r)
	token, ok := sess.Token(r.Context())
	if !ok {
		ap.logger.Debug("proxy request without credential", "path", r.URL.Path)
		ap.unauthorized(w, r)
		return
	}

	ctx := client.WithToken(r.Context(), token)
	ctx = withSession(ctx, sess)
	ap.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// dropCredentials runs when the backend rejects a credential we attached.
func (ap *APIProxy) dropCredentials(req *http.Request) {
	sess, ok := sessionFromContext(req.Context())
	if !ok {
		return
	}
	if err := sess.ClearCredentials(req.Context()); err != nil {
		ap.logger.Error("clear credentials failed", "error", err)
		return
	}
	ap.logger.Info("credentials cleared after unauthorized response", "path", req.URL.Path)
}

func (ap *APIProxy) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderAuthRedirect, ap.entryPath)
	if isNavigation(r) {
		http.Redirect(w, r, ap.entryPath, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
}

// isNavigation distinguishes a top-level page load from a script call.
func isNavigation(r *http.Request) bool {
	if r == nil {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Header.Get("X-Requested-With") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
