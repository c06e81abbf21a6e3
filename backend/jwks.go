package backend

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// retainedKeys is how many retired keys stay published so credentials
// signed before a rotation still verify.
const retainedKeys = 1

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
	kid     string
}

// JWKSManager owns the RS256 signing keys and the published key set.
type JWKSManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewJWKSManager loads keys from cfg.JWKSPath or generates a fresh one.
func NewJWKSManager(cfg KeyConfig, logger *slog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}

	if m.storePath != "" {
		err := m.load()
		switch {
		case err == nil:
			logger.Info("signing keys loaded", "path", m.storePath, "kid", m.current.kid)
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}

	if m.current.private == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until stop is closed.
func (m *JWKSManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key.
func (m *JWKSManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.kid
	return token.SignedString(m.current.private)
}

// Keyfunc resolves the verification key by kid. Unknown kids are rejected.
func (m *JWKSManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.kid {
		return &m.current.private.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.kid == kid {
			return &prev.private.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS returns the public half of every published key.
func (m *JWKSManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new current key and retires the old one.
func (m *JWKSManager) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid, err := randomKID()
	if err != nil {
		return err
	}
	next := signingKey{
		private: key,
		kid:     kid,
		jwk:     jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	m.mu.Lock()
	if m.current.private != nil {
		m.previous = append([]signingKey{m.current}, m.previous...)
		if len(m.previous) > retainedKeys {
			m.previous = m.previous[:retainedKeys]
		}
	}
	m.current = next
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", kid)
	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *JWKSManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *JWKSManager) load() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}

	var loaded []signingKey
	for _, k := range set.Keys {
		priv, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		loaded = append(loaded, signingKey{private: priv, jwk: k, kid: k.KeyID})
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in jwks file")
	}
	m.current = loaded[0]
	m.previous = loaded[1:]
	return nil
}

func randomKID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
