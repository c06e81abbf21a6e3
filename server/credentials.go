package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"authflow/policy"
)

// CredentialService runs the direct username/password exchange.
type CredentialService struct {
	api    *BackendAPI
	logger *slog.Logger
}

// NewCredentialService wires the service to the backend.
func NewCredentialService(api *BackendAPI, logger *slog.Logger) *CredentialService {
	return &CredentialService{api: api, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login checks the form locally, then exchanges the credentials. On success
// the issued credential is stored in the durable scope of sess.
func (s *CredentialService) Login(ctx context.Context, sess *Session, identifier, secret string) AuthOutcome {
	identifier = strings.TrimSpace(identifier)
	fields := FieldErrors{}
	if identifier == "" {
		fields[FieldUsername] = "Username or email is required"
	}
	if secret == "" {
		fields[FieldPassword] = policy.ErrPasswordRequired.Error()
	}
	if !fields.Empty() {
		return validationOutcome(fields)
	}

	out, err := s.api.Post(ctx, "/login", loginRequest{Username: identifier, Password: secret})
	if err != nil {
		s.logger.Info("credentials.login", "result", "failed", "kind", Kind(err))
		return failedOutcome(err)
	}
	if out.Token == "" {
		err := &ExchangeError{Status: 200, Message: "response did not include a credential"}
		s.logger.Warn("credentials.login", "result", "failed", "kind", Kind(err))
		return failedOutcome(err)
	}
	if err := persistCredentials(ctx, sess, out); err != nil {
		s.logger.Error("credentials.login persist failed", "error", err)
		return failedOutcome(err)
	}
	s.logger.Info("credentials.login", "result", "succeeded")
	return out
}

// Register checks the form against the credential policy, then creates the
// account. No credential is stored; the user signs in afterwards.
func (s *CredentialService) Register(ctx context.Context, identifier, email, secret string) AuthOutcome {
	identifier = strings.TrimSpace(identifier)
	email = strings.TrimSpace(email)
	fields := FieldErrors{}
	if err := policy.ValidateUsername(identifier); err != nil {
		fields[FieldUsername] = err.Error()
	}
	if err := policy.ValidateEmail(email); err != nil {
		fields[FieldEmail] = err.Error()
	}
	if err := policy.ValidatePassword(secret); err != nil {
		fields[FieldPassword] = err.Error()
	}
	if !fields.Empty() {
		return validationOutcome(fields)
	}

	out, err := s.api.Post(ctx, "/register", registerRequest{Username: identifier, Email: email, Password: secret})
	if err != nil {
		s.logger.Info("credentials.register", "result", "failed", "kind", Kind(err))
		return failedOutcome(err)
	}
	s.logger.Info("credentials.register", "result", "succeeded")
	return out
}

func persistCredentials(ctx context.Context, sess *Session, out AuthOutcome) error {
	if err := sess.Durable.Set(ctx, KeyToken, out.Token); err != nil {
		return err
	}
	if out.RefreshToken != "" {
		if err := sess.Durable.Set(ctx, KeyRefreshToken, out.RefreshToken); err != nil {
			return err
		}
	}
	if out.User != nil {
		b, err := json.Marshal(out.User)
		if err != nil {
			return err
		}
		if err := sess.Durable.Set(ctx, KeyUser, string(b)); err != nil {
			return err
		}
	}
	return nil
}

// LoadUser returns the stored profile, if any.
func LoadUser(ctx context.Context, sess *Session) (*User, bool) {
	raw, ok, err := sess.Durable.Get(ctx, KeyUser)
	if err != nil || !ok {
		return nil, false
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, false
	}
	return &u, true
}

func validationOutcome(fields FieldErrors) AuthOutcome {
	err := &ValidationError{Fields: fields}
	return AuthOutcome{Error: StatusText(err), Fields: fields}
}

func failedOutcome(err error) AuthOutcome {
	var exchErr *ExchangeError
	if errors.As(err, &exchErr) {
		return AuthOutcome{
			Error:     exchErr.Message,
			ErrorCode: exchErr.Code,
			Fields:    ClassifyOutcome(exchErr.Code, exchErr.Message),
		}
	}
	text := StatusText(err)
	return AuthOutcome{Error: text, Fields: FieldErrors{FieldGeneral: text}}
}
