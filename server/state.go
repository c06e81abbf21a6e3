package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StateMaxAge bounds how long a flow may sit at the provider.
const StateMaxAge = 5 * time.Minute

const stateFragmentLen = 13

var stateFragmentSpace = new(big.Int).Exp(big.NewInt(36), big.NewInt(stateFragmentLen), nil)

// GenerateState returns an unguessable token made of two independent base-36
// fragments.
func GenerateState() string {
	return stateFragment() + stateFragment()
}

func stateFragment() string {
	n, err := rand.Int(rand.Reader, stateFragmentSpace)
	if err != nil {
		panic("authflow: crypto/rand unavailable: " + err.Error())
	}
	s := n.Text(36)
	if len(s) < stateFragmentLen {
		s = strings.Repeat("0", stateFragmentLen-len(s)) + s
	}
	return s
}

// StateManager persists and checks the anti-forgery token of the current
// flow in the tab scope.
type StateManager struct {
	now func() time.Time
}

// NewStateManager uses now as its clock; nil means time.Now.
func NewStateManager(now func() time.Time) *StateManager {
	if now == nil {
		now = time.Now
	}
	return &StateManager{now: now}
}

// Store records token and mode for a new flow, replacing any previous one.
func (m *StateManager) Store(ctx context.Context, tab *Bucket, token string, mode Mode) error {
	if !mode.Valid() {
		mode = ModeLogin
	}
	issued := strconv.FormatInt(m.now().UnixMilli(), 10)
	for _, kv := range [][2]string{
		{KeyOAuthState, token},
		{KeyOAuthMode, string(mode)},
		{KeyOAuthTimestamp, issued},
	} {
		if err := tab.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("store oauth state: %w", err)
		}
	}
	return nil
}

// Load returns the stored flow record, if any.
func (m *StateManager) Load(ctx context.Context, tab *Bucket) (OAuthState, bool, error) {
	token, ok, err := tab.Get(ctx, KeyOAuthState)
	if err != nil {
		return OAuthState{}, false, fmt.Errorf("load oauth state: %w", err)
	}
	if !ok || token == "" {
		return OAuthState{}, false, nil
	}
	st := OAuthState{Token: token, Mode: ModeLogin}
	if v, ok, err := tab.Get(ctx, KeyOAuthMode); err == nil && ok {
		st.Mode = ParseMode(v)
	}
	if v, ok, err := tab.Get(ctx, KeyOAuthTimestamp); err == nil && ok {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			st.IssuedAt = time.UnixMilli(ms)
		}
	}
	return st, true, nil
}

// Validate checks received against the stored record and returns the stored
// mode. The mode is never taken from the callback URL.
func (m *StateManager) Validate(ctx context.Context, tab *Bucket, received string) (Mode, error) {
	st, ok, err := m.Load(ctx, tab)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrStateMissing
	}
	if received != st.Token {
		decoded, derr := url.QueryUnescape(received)
		if derr != nil || decoded != st.Token {
			return "", ErrStateMismatch
		}
	}
	// An unreadable issuance time cannot prove freshness.
	if st.IssuedAt.IsZero() || m.now().Sub(st.IssuedAt) > StateMaxAge {
		return "", ErrStateExpired
	}
	return st.Mode, nil
}

// Clear removes the flow record. Clearing an empty record is a no-op.
func (m *StateManager) Clear(ctx context.Context, tab *Bucket) error {
	return tab.Delete(ctx, KeyOAuthState, KeyOAuthMode, KeyOAuthTimestamp)
}
