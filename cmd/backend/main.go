package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authflow/backend"
	"authflow/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHFLOW_BACKEND_CONFIG"), "Path to YAML config")
	flag.Parse()

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init backend: %v", err)
	}

	stopRotate := make(chan struct{})
	srv.JWKS.StartRotation(stopRotate)
	defer close(stopRotate)

	handler := srv.Routes()
	if !cfg.Server.DevMode {
		handler = server.SecurityHeadersMiddleware(server.DefaultHSTSMaxAge)(handler)
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	logger.Info("backend listening", "addr", cfg.Server.ListenAddr, "issuer", cfg.Issuer())
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// loadConfig tolerates a missing file so the backend can run from
// environment variables alone.
func loadConfig(path string) (backend.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return backend.Config{}, fmt.Errorf("stat config: %w", err)
			}
			path = ""
		}
	}
	return backend.LoadConfig(path)
}

func build(ctx context.Context, cfg backend.Config, logger *slog.Logger) (*backend.Server, error) {
	jwks, err := backend.NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		return nil, fmt.Errorf("init jwks: %w", err)
	}

	var exchanger backend.IdentityExchanger
	if cfg.Google.ClientID != "" {
		provider, err := backend.NewGoogleProvider(ctx, cfg.Google, logger)
		if err != nil {
			return nil, fmt.Errorf("init google provider: %w", err)
		}
		exchanger = provider
	} else {
		logger.Warn("google.client_id is empty; Google sign-in endpoints will answer 503")
	}

	return backend.NewServer(cfg, logger, jwks, exchanger), nil
}
