package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow and session defaults
const (
	DefaultSuccessDelay   = 2 * time.Second
	DefaultFailureDelay   = 3 * time.Second
	DefaultBackendTimeout = 10 * time.Second
	DefaultTabTTL         = 12 * time.Hour
	DefaultDeviceTTL      = 30 * 24 * time.Hour
	DefaultHSTSMaxAge     = 31536000
)

// Store drivers
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config captures the coordinator configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Google   GoogleConfig   `yaml:"google"`
	Backend  BackendConfig  `yaml:"backend"`
	Flow     FlowConfig     `yaml:"flow"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// GoogleConfig holds the public OAuth client settings. The client secret
// lives with the backend, never here.
type GoogleConfig struct {
	ClientID    string   `yaml:"client_id"`
	RedirectURI string   `yaml:"redirect_uri"`
	AuthURL     string   `yaml:"auth_url"`
	Scopes      []string `yaml:"scopes"`
	// Prompt values per mode. Login asks for account selection, register
	// forces the consent screen.
	LoginPrompt    string `yaml:"login_prompt"`
	RegisterPrompt string `yaml:"register_prompt"`
}

// BackendConfig points at the application backend that performs the
// server-side code exchange.
type BackendConfig struct {
	APIBase  string        `yaml:"api_base"`
	Timeout  time.Duration `yaml:"timeout"`
	JWKSURL  string        `yaml:"jwks_url"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
}

// FlowConfig tunes the callback flow.
type FlowConfig struct {
	SuccessDelay time.Duration `yaml:"success_delay"`
	FailureDelay time.Duration `yaml:"failure_delay"`
	// RequireState rejects a callback when the tab holds no state record.
	// Set it to false (AUTHFLOW_FLOW_REQUIRE_STATE=false) for the lenient
	// mode, where such a callback proceeds as a login.
	RequireState bool          `yaml:"require_state"`
	LandingPath  string        `yaml:"landing_path"`
	EntryPath    string        `yaml:"entry_path"`
}

// SessionsConfig selects the session store and cookie lifetimes.
type SessionsConfig struct {
	Driver    string        `yaml:"driver"`
	TabTTL    time.Duration `yaml:"tab_ttl"`
	DeviceTTL time.Duration `yaml:"device_ttl"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the shared store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	if cfg.Google.ClientID == "" {
		slog.Warn("google.client_id is empty; third-party sign-in will fail until it is set")
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Google: GoogleConfig{
			Scopes:         []string{"openid", "email", "profile"},
			LoginPrompt:    "select_account",
			RegisterPrompt: "consent",
		},
		Backend: BackendConfig{
			APIBase: "http://127.0.0.1:9090/api",
			Timeout: DefaultBackendTimeout,
		},
		Flow: FlowConfig{
			SuccessDelay: DefaultSuccessDelay,
			FailureDelay: DefaultFailureDelay,
			// Strict by default; see FlowConfig.RequireState for the lenient mode.
			RequireState: true,
			LandingPath:  "/dashboard",
			EntryPath:    "/login",
		},
		Sessions: SessionsConfig{
			Driver:    StoreMemory,
			TabTTL:    DefaultTabTTL,
			DeviceTTL: DefaultDeviceTTL,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// GoogleRedirectURI is the callback URI registered with the provider. It is
// derived from the public URL when not set explicitly.
func (c Config) GoogleRedirectURI() string {
	if c.Google.RedirectURI != "" {
		return c.Google.RedirectURI
	}
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/auth/google/callback"
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHFLOW_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHFLOW_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHFLOW_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHFLOW_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHFLOW_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHFLOW_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHFLOW_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHFLOW_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHFLOW_GOOGLE_CLIENT_ID":         func(v string) { cfg.Google.ClientID = v },
		"AUTHFLOW_GOOGLE_REDIRECT_URI":      func(v string) { cfg.Google.RedirectURI = v },
		"AUTHFLOW_BACKEND_API_BASE":         func(v string) { cfg.Backend.APIBase = v },
		"AUTHFLOW_BACKEND_TIMEOUT":          func(v string) { cfg.Backend.Timeout = parseDuration(v, cfg.Backend.Timeout) },
		"AUTHFLOW_BACKEND_JWKS_URL":         func(v string) { cfg.Backend.JWKSURL = v },
		"AUTHFLOW_FLOW_REQUIRE_STATE":       func(v string) { cfg.Flow.RequireState = parseBool(v, cfg.Flow.RequireState) },
		"AUTHFLOW_SESSIONS_DRIVER":          func(v string) { cfg.Sessions.Driver = v },
		"AUTHFLOW_SESSIONS_REDIS_ADDR":      func(v string) { cfg.Sessions.Redis.Addr = v },
		"AUTHFLOW_SESSIONS_REDIS_PASSWORD":  func(v string) { cfg.Sessions.Redis.Password = v },
		"AUTHFLOW_SESSIONS_REDIS_DB": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Sessions.Redis.DB = n
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate performs sanity checks on the config. A missing Google client id
// is reported as a ConfigurationError when a flow starts, not here.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an http(s) URL")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if c.Google.RedirectURI != "" && !isHTTPURL(c.Google.RedirectURI) {
		slog.Error("Invalid redirect URI", "field", "google.redirect_uri", "value", c.Google.RedirectURI)
		return fmt.Errorf("google.redirect_uri must start with http:// or https://, got: %s", c.Google.RedirectURI)
	}
	if c.Google.AuthURL != "" && !isHTTPURL(c.Google.AuthURL) {
		slog.Error("Invalid authorization URL", "field", "google.auth_url", "value", c.Google.AuthURL)
		return fmt.Errorf("google.auth_url must start with http:// or https://, got: %s", c.Google.AuthURL)
	}

	if c.Backend.APIBase == "" {
		slog.Error("Missing required configuration", "field", "backend.api_base")
		return errors.New("backend.api_base is required")
	}
	if !isHTTPURL(c.Backend.APIBase) {
		slog.Error("Invalid backend URL", "field", "backend.api_base", "value", c.Backend.APIBase)
		return fmt.Errorf("backend.api_base must start with http:// or https://, got: %s", c.Backend.APIBase)
	}
	if c.Backend.JWKSURL != "" && !isHTTPURL(c.Backend.JWKSURL) {
		slog.Error("Invalid JWKS URL", "field", "backend.jwks_url", "value", c.Backend.JWKSURL)
		return fmt.Errorf("backend.jwks_url must start with http:// or https://, got: %s", c.Backend.JWKSURL)
	}
	if c.Backend.Timeout <= 0 {
		slog.Error("Invalid backend timeout", "field", "backend.timeout", "value", c.Backend.Timeout)
		return fmt.Errorf("backend.timeout must be positive, got: %s", c.Backend.Timeout)
	}

	if c.Flow.SuccessDelay < 0 || c.Flow.FailureDelay < 0 {
		slog.Error("Invalid flow delay", "success_delay", c.Flow.SuccessDelay, "failure_delay", c.Flow.FailureDelay)
		return errors.New("flow.success_delay and flow.failure_delay must not be negative")
	}
	for field, p := range map[string]string{"flow.landing_path": c.Flow.LandingPath, "flow.entry_path": c.Flow.EntryPath} {
		if !strings.HasPrefix(p, "/") {
			slog.Error("Invalid flow path", "field", field, "value", p)
			return fmt.Errorf("%s must be an absolute path, got: %q", field, p)
		}
	}

	switch c.Sessions.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Sessions.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required when sessions.driver is redis")
		}
	default:
		slog.Error("Unknown session store driver", "field", "sessions.driver", "value", c.Sessions.Driver, "valid_values", []string{StoreMemory, StoreRedis})
		return fmt.Errorf("sessions.driver must be '%s' or '%s', got: %s", StoreMemory, StoreRedis, c.Sessions.Driver)
	}
	if c.Sessions.TabTTL <= 0 || c.Sessions.DeviceTTL <= 0 {
		slog.Error("Invalid session lifetime", "tab_ttl", c.Sessions.TabTTL, "device_ttl", c.Sessions.DeviceTTL)
		return errors.New("sessions.tab_ttl and sessions.device_ttl must be positive")
	}

	return nil
}
