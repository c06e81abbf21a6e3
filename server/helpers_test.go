package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(store Store, tabID string) *Session {
	sm := &SessionManager{store: store, logger: testLogger(), tabTTL: time.Hour, deviceTTL: time.Hour}
	return sm.session(tabID, "device-"+tabID)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubExchanger records calls and can block until released.
type stubExchanger struct {
	mu      sync.Mutex
	calls   []exchangeCall
	outcome AuthOutcome
	err     error
	gate    chan struct{}
	entered chan struct{}
}

type exchangeCall struct {
	Mode        Mode
	Code        string
	RedirectURI string
}

func newStubExchanger() *stubExchanger {
	return &stubExchanger{
		outcome: AuthOutcome{
			Success:      true,
			Token:        "jwt-abc",
			RefreshToken: "refresh-abc",
			User:         &User{ID: "1", Username: "alice", Email: "alice@example.com"},
		},
	}
}

func (s *stubExchanger) Exchange(ctx context.Context, mode Mode, code, redirectURI string) (AuthOutcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, exchangeCall{Mode: mode, Code: code, RedirectURI: redirectURI})
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if s.err != nil {
		return AuthOutcome{}, s.err
	}
	return s.outcome, nil
}

func (s *stubExchanger) Calls() []exchangeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exchangeCall(nil), s.calls...)
}
