package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FlowState is a step of callback processing.
type FlowState int

const (
	StateIdle FlowState = iota
	StateValidating
	StateExchanging
	StateSucceeded
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateExchanging:
		return "exchanging"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s FlowState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var transitions = map[FlowState][]FlowState{
	StateIdle:       {StateValidating},
	StateValidating: {StateExchanging, StateFailed},
	StateExchanging: {StateSucceeded, StateFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to FlowState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type flowRun struct {
	state FlowState
}

func (r *flowRun) advance(to FlowState) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("illegal callback transition %s -> %s", r.state, to)
	}
	r.state = to
	return nil
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Outcome is the terminal result of one callback run.
type Outcome struct {
	State     FlowState
	Mode      Mode
	Err       error
	Auth      AuthOutcome
	Status    StatusMessage
	Redirect  string
	Delay     time.Duration
	Duplicate bool
}

// Processor handles provider callbacks at most once per code.
type Processor struct {
	states      *StateManager
	exchanger   Exchanger
	redirectURI string
	flow        FlowConfig
	logger      *slog.Logger

	mu       sync.Mutex
	latches  map[string]struct{}
	tabLocks map[string]*tabLock
}

// tabLock serializes preludes of one tab. refs counts holders and waiters so
// the entry can be dropped once nobody needs it.
type tabLock struct {
	mu   sync.Mutex
	refs int
}

// NewProcessor builds a processor. redirectURI must be the value used when
// the flow was started.
func NewProcessor(states *StateManager, exchanger Exchanger, redirectURI string, flow FlowConfig, logger *slog.Logger) *Processor {
	return &Processor{
		states:      states,
		exchanger:   exchanger,
		redirectURI: redirectURI,
		flow:        flow,
		logger:      logger,
		latches:     make(map[string]struct{}),
		tabLocks:    make(map[string]*tabLock),
	}
}

// InFlight reports whether a run holds the latch for tabID.
func (p *Processor) InFlight(tabID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.latches[tabID]
	return ok
}

// Process runs the callback state machine for sess.
func (p *Processor) Process(ctx context.Context, sess *Session, params CallbackParams) Outcome {
	run := &flowRun{state: StateIdle}

	mode, duplicate, err := p.prelude(ctx, sess, params, run)
	if duplicate {
		p.logger.Info("oauth.callback", "state", "duplicate", "tab", shortID(sess.TabID))
		return Outcome{State: StateIdle, Duplicate: true, Redirect: p.flow.EntryPath, Delay: p.flow.SuccessDelay}
	}
	if err != nil {
		return p.fail(ctx, sess, run, mode, err)
	}
	defer p.release(sess.TabID)

	if err := run.advance(StateExchanging); err != nil {
		return p.fail(ctx, sess, run, mode, err)
	}
	start := time.Now()
	auth, err := p.exchanger.Exchange(ctx, mode, params.Code, p.redirectURI)
	p.logger.Info("oauth.exchange", "mode", mode, "duration_ms", time.Since(start).Milliseconds(), "kind", Kind(err))
	if err != nil {
		return p.fail(ctx, sess, run, mode, err)
	}
	if err := persistCredentials(ctx, sess, auth); err != nil {
		return p.fail(ctx, sess, run, mode, fmt.Errorf("persist credentials: %w", err))
	}
	return p.succeed(ctx, sess, run, mode, auth)
}

func (p *Processor) lockTab(tabID string) func() {
	p.mu.Lock()
	l, ok := p.tabLocks[tabID]
	if !ok {
		l = &tabLock{}
		p.tabLocks[tabID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.tabLocks, tabID)
		}
		p.mu.Unlock()
	}
}

// prelude runs the checks that must complete before the exchange while
// holding the tab's lock, so the latch is set before any network call.
// Other tabs are not blocked by this tab's store round trips.
func (p *Processor) prelude(ctx context.Context, sess *Session, params CallbackParams, run *flowRun) (Mode, bool, error) {
	unlock := p.lockTab(sess.TabID)
	defer unlock()

	if p.InFlight(sess.TabID) {
		return "", true, nil
	}
	if err := run.advance(StateValidating); err != nil {
		return "", false, err
	}

	if params.Code != "" {
		marker, ok, err := sess.Tab.Get(ctx, KeyProcessedCode)
		if err != nil {
			return "", false, fmt.Errorf("read processed code: %w", err)
		}
		if ok && marker == params.Code {
			return "", false, ErrReplayedCode
		}
	}
	if params.Error != "" {
		return "", false, &ProviderDeniedError{Reason: params.Error, Description: params.ErrorDescription}
	}
	if params.Code == "" {
		return "", false, ErrMissingCode
	}

	mode, err := p.states.Validate(ctx, sess.Tab, params.State)
	switch {
	case errors.Is(err, ErrStateMissing) && !p.flow.RequireState:
		mode = ModeLogin
	case err != nil:
		return "", false, err
	}

	p.mu.Lock()
	p.latches[sess.TabID] = struct{}{}
	p.mu.Unlock()
	if err := sess.Tab.Set(ctx, KeyProcessedCode, params.Code); err != nil {
		p.release(sess.TabID)
		return mode, false, fmt.Errorf("persist processed code: %w", err)
	}
	if err := p.states.Clear(ctx, sess.Tab); err != nil {
		p.logger.Warn("oauth.callback clear state failed", "error", err)
	}
	return mode, false, nil
}

func (p *Processor) release(tabID string) {
	p.mu.Lock()
	delete(p.latches, tabID)
	p.mu.Unlock()
}

func (p *Processor) succeed(ctx context.Context, sess *Session, run *flowRun, mode Mode, auth AuthOutcome) Outcome {
	if err := run.advance(StateSucceeded); err != nil {
		return p.fail(ctx, sess, run, mode, err)
	}
	msg := StatusMessage{Kind: StatusSuccess, Text: StatusText(nil)}
	landing := StatusMessage{Kind: StatusSuccess, Text: LandingText(mode)}
	if err := PublishStatus(ctx, sess.Tab, landing); err != nil {
		p.logger.Warn("oauth.callback publish status failed", "error", err)
	}
	p.logger.Info("oauth.callback", "state", run.state, "mode", mode, "tab", shortID(sess.TabID))
	return Outcome{
		State:    run.state,
		Mode:     mode,
		Auth:     auth,
		Status:   msg,
		Redirect: p.flow.LandingPath,
		Delay:    p.flow.SuccessDelay,
	}
}

// fail records a terminal failure. The processed-code marker is left in
// place so the same code cannot be retried.
func (p *Processor) fail(ctx context.Context, sess *Session, run *flowRun, mode Mode, cause error) Outcome {
	if !run.state.Terminal() {
		if err := run.advance(StateFailed); err != nil {
			run.state = StateFailed
		}
	}
	if err := p.states.Clear(ctx, sess.Tab); err != nil {
		p.logger.Warn("oauth.callback clear state failed", "error", err)
	}
	msg := StatusMessage{Kind: StatusError, Text: StatusText(cause)}
	// A reload of a callback that already signed the user in keeps the
	// pending success message for the landing view.
	keepPending := errors.Is(cause, ErrReplayedCode) && signedIn(ctx, sess)
	if !keepPending {
		if err := PublishStatus(ctx, sess.Tab, msg); err != nil {
			p.logger.Warn("oauth.callback publish status failed", "error", err)
		}
	}
	p.logger.Info("oauth.callback", "state", run.state, "mode", mode, "kind", Kind(cause), "error", cause, "tab", shortID(sess.TabID))
	return Outcome{
		State:    run.state,
		Mode:     mode,
		Err:      cause,
		Auth:     failedOutcome(cause),
		Status:   msg,
		Redirect: p.flow.EntryPath,
		Delay:    p.flow.FailureDelay,
	}
}

func signedIn(ctx context.Context, sess *Session) bool {
	_, ok := sess.Token(ctx)
	return ok
}
