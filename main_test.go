package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"authflow/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConnectRoutes(t *testing.T, authURL, clientID string) http.Handler {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Google.ClientID = clientID
	cfg.Google.AuthURL = authURL
	app, err := server.NewApp(context.Background(), cfg, testLogger(), server.WithStore(server.NewInMemoryStore()))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app.Routes()
}

func TestRunConnectSuccess(t *testing.T) {
	var gotState string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			gotState = r.URL.Query().Get("state")
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	routes := newConnectRoutes(t, srv.URL+"/start", "client-id")
	if err := runConnect(context.Background(), routes, testLogger(), server.ModeLogin, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	if gotState == "" {
		t.Fatal("expected state on the authorization request")
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	routes := newConnectRoutes(t, srv.URL, "client-id")
	if err := runConnect(context.Background(), routes, testLogger(), server.ModeRegister, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectWithoutClientID(t *testing.T) {
	routes := newConnectRoutes(t, "", "")
	if err := runConnect(context.Background(), routes, testLogger(), server.ModeLogin, nil); err == nil {
		t.Fatalf("expected error without a client id")
	}
}

func TestRunConnectUnknownMode(t *testing.T) {
	routes := newConnectRoutes(t, "", "client-id")
	if err := runConnect(context.Background(), routes, testLogger(), server.Mode("admin"), nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")
	answers := strings.Join([]string{
		"y",
		"",
		"",
		"my-client.apps.googleusercontent.com",
		"http://127.0.0.1:9999/api",
		"n",
	}, "\n") + "\n"

	cfg, err := runSetup(path, strings.NewReader(answers), testLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Google.ClientID != "my-client.apps.googleusercontent.com" {
		t.Fatalf("unexpected client id %q", cfg.Google.ClientID)
	}
	if cfg.Backend.APIBase != "http://127.0.0.1:9999/api" {
		t.Fatalf("unexpected api base %q", cfg.Backend.APIBase)
	}
	if cfg.Sessions.Driver != server.StoreMemory {
		t.Fatalf("unexpected driver %q", cfg.Sessions.Driver)
	}
	if err := runConfigInit(path, testLogger()); err == nil {
		t.Fatal("init must refuse to overwrite an existing config")
	}
}

func TestBackendProbes(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Backend.APIBase = "http://api.test/api/"
	cfg.Backend.JWKSURL = "http://api.test/.well-known/jwks.json"
	got := backendProbes(cfg)
	if len(got) != 2 || got[0] != "http://api.test/healthz" || got[1] != cfg.Backend.JWKSURL {
		t.Fatalf("unexpected probes %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
