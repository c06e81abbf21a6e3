package backend

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token lifetimes
const (
	DefaultTokenTTL   = 7 * 24 * time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	GoogleIssuer      = "https://accounts.google.com"
)

// Config captures the backend configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Google GoogleConfig `yaml:"google"`
	Tokens TokenConfig  `yaml:"tokens"`
	Keys   KeyConfig    `yaml:"keys"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	PublicURL  string `yaml:"public_url"`
	ListenAddr string `yaml:"listen_addr"`
	DevMode    bool   `yaml:"dev_mode"`
}

// GoogleConfig holds the confidential OAuth client. RedirectURIs lists the
// callback URIs a coordinator may present during the code exchange.
type GoogleConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Issuer       string   `yaml:"issuer"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// TokenConfig sets credential lifetimes.
type TokenConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	Audience   string        `yaml:"audience"`
}

// KeyConfig controls signing keys.
type KeyConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "http://127.0.0.1:9090",
			ListenAddr: "127.0.0.1:9090",
			DevMode:    true,
		},
		Google: GoogleConfig{
			Issuer: GoogleIssuer,
		},
		Tokens: TokenConfig{
			TTL:        DefaultTokenTTL,
			RefreshTTL: DefaultRefreshTTL,
		},
		Keys: KeyConfig{
			JWKSPath:       ".secrets/backend-jwks.json",
			RotateInterval: 30 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads path (optional) and applies AUTHFLOW_BACKEND_* overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse backend configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Backend configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHFLOW_BACKEND_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"AUTHFLOW_BACKEND_LISTEN_ADDR":          func(v string) { cfg.Server.ListenAddr = v },
		"AUTHFLOW_BACKEND_DEV_MODE":             func(v string) { cfg.Server.DevMode = v == "1" || strings.EqualFold(v, "true") },
		"AUTHFLOW_BACKEND_GOOGLE_CLIENT_ID":     func(v string) { cfg.Google.ClientID = v },
		"AUTHFLOW_BACKEND_GOOGLE_CLIENT_SECRET": func(v string) { cfg.Google.ClientSecret = v },
		"AUTHFLOW_BACKEND_GOOGLE_REDIRECT_URIS": func(v string) { cfg.Google.RedirectURIs = strings.Split(v, ",") },
		"AUTHFLOW_BACKEND_JWKS_PATH":            func(v string) { cfg.Keys.JWKSPath = v },
		"AUTHFLOW_BACKEND_TOKEN_TTL": func(v string) {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.Tokens.TTL = d
			}
		},
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
	for i, u := range cfg.Google.RedirectURIs {
		cfg.Google.RedirectURIs[i] = strings.TrimSpace(u)
	}
}

// Validate performs sanity checks on the backend config.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.public_url must be an http(s) URL, got: %q", c.Server.PublicURL)
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("tokens.ttl must be positive, got: %s", c.Tokens.TTL)
	}
	if c.Google.Issuer == "" {
		return errors.New("google.issuer is required")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" && !c.Server.DevMode {
		return errors.New("google.client_secret is required outside dev mode")
	}
	return nil
}

// Issuer is the iss claim of issued credentials.
func (c Config) Issuer() string {
	return strings.TrimRight(c.Server.PublicURL, "/")
}
