package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"authflow/client"
)

const maxResponseBody = 1 << 20

// Exchanger trades an authorization code for an application credential.
type Exchanger interface {
	Exchange(ctx context.Context, mode Mode, code, redirectURI string) (AuthOutcome, error)
}

// BackendAPI posts JSON to the application backend and normalizes replies
// into AuthOutcome values.
type BackendAPI struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewBackendAPI builds a caller for base using httpClient.
func NewBackendAPI(base string, httpClient *http.Client, logger *slog.Logger) *BackendAPI {
	return &BackendAPI{
		base:   strings.TrimRight(base, "/"),
		client: httpClient,
		logger: logger,
	}
}

type backendReply struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
	Error        string `json:"error"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message"`
}

// Post sends payload to path. A nil error means the backend answered 2xx
// with a decodable body; every other case is a typed error.
func (b *BackendAPI) Post(ctx context.Context, path string, payload any) (AuthOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return AuthOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return AuthOutcome{}, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return AuthOutcome{}, transportError(err)
	}

	var reply backendReply
	decodeErr := json.Unmarshal(raw, &reply)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := reply.Error
		if msg == "" {
			msg = reply.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return AuthOutcome{}, &ExchangeError{
			Status:  resp.StatusCode,
			Body:    truncate(string(raw), 512),
			Message: msg,
			Code:    reply.ErrorCode,
		}
	}
	if decodeErr != nil {
		return AuthOutcome{}, &ExchangeError{
			Status:  resp.StatusCode,
			Body:    truncate(string(raw), 512),
			Message: "malformed response from server",
		}
	}

	return AuthOutcome{
		Success:      true,
		Token:        reply.Token,
		RefreshToken: reply.RefreshToken,
		User:         reply.User,
	}, nil
}

// HTTPExchanger calls the backend's Google endpoints.
type HTTPExchanger struct {
	api       *BackendAPI
	validator *client.Validator
	logger    *slog.Logger
}

// NewHTTPExchanger returns an exchanger. validator may be nil, in which case
// credentials are accepted as returned.
func NewHTTPExchanger(api *BackendAPI, validator *client.Validator, logger *slog.Logger) *HTTPExchanger {
	return &HTTPExchanger{api: api, validator: validator, logger: logger}
}

type exchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// Exchange posts the code to the endpoint selected by mode.
func (e *HTTPExchanger) Exchange(ctx context.Context, mode Mode, code, redirectURI string) (AuthOutcome, error) {
	path := "/auth/google/" + string(ParseMode(string(mode)))
	out, err := e.api.Post(ctx, path, exchangeRequest{Code: code, RedirectURI: redirectURI})
	if err != nil {
		return AuthOutcome{}, err
	}
	if out.Token == "" {
		return AuthOutcome{}, &ExchangeError{Status: http.StatusOK, Message: "response did not include a credential"}
	}
	if e.validator != nil {
		if _, verr := e.validator.Validate(ctx, out.Token); verr != nil {
			e.logger.Warn("oauth.exchange credential rejected", "error", verr)
			return AuthOutcome{}, &ExchangeError{Status: http.StatusOK, Message: "credential could not be verified"}
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
