package server

import (
	"errors"
	"strings"
)

// Structured error codes returned by the backend.
const (
	CodeUserExists         = "USER_EXISTS"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
)

// Cross-mode guidance shown when the user picked the wrong action.
const (
	msgUserExists   = "An account with this Google email already exists. Please sign in instead."
	msgUserNotFound = "No account found for this Google email. Please register first."
)

var (
	emailHints    = []string{"exist", "invalid", "required", "format", "already"}
	passwordHints = []string{"must", "required", "at least", "characters", "uppercase", "lowercase", "number"}
)

// Classify maps a free-text backend message to a form field using keyword
// matching on the lower-cased text.
func Classify(message string) FieldErrors {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "username"):
		return FieldErrors{FieldUsername: message}
	case strings.Contains(lower, "email") && containsAny(lower, emailHints):
		return FieldErrors{FieldEmail: message}
	case strings.Contains(lower, "password") && containsAny(lower, passwordHints):
		return FieldErrors{FieldPassword: message}
	default:
		return FieldErrors{FieldGeneral: message}
	}
}

// ClassifyOutcome prefers a structured error code and falls back to the
// keyword heuristic for unknown or absent codes.
func ClassifyOutcome(code, message string) FieldErrors {
	switch code {
	case CodeUserExists:
		return FieldErrors{FieldGeneral: msgUserExists}
	case CodeUserNotFound:
		return FieldErrors{FieldGeneral: msgUserNotFound}
	case CodeUsernameTaken:
		return FieldErrors{FieldUsername: orDefault(message, "Username is already taken")}
	case CodeEmailExists:
		return FieldErrors{FieldEmail: orDefault(message, "User with this email already exists")}
	case CodeInvalidEmail:
		return FieldErrors{FieldEmail: orDefault(message, "Invalid email format")}
	case CodeWeakPassword:
		return FieldErrors{FieldPassword: orDefault(message, "Password does not meet the requirements")}
	case CodeInvalidCredentials:
		return FieldErrors{FieldGeneral: orDefault(message, "Invalid username/email or password")}
	}
	if message == "" {
		return FieldErrors{FieldGeneral: "Something went wrong. Please try again."}
	}
	return Classify(message)
}

// LandingText is the message the destination view shows after a
// successful sign-in.
func LandingText(mode Mode) string {
	if mode == ModeRegister {
		return "Registration successful! Welcome."
	}
	return "Login successful!"
}

// StatusText renders err as the message shown on the status page.
func StatusText(err error) string {
	var (
		cfgErr  *ConfigurationError
		denied  *ProviderDeniedError
		netErr  *NetworkError
		exchErr *ExchangeError
		valErr  *ValidationError
	)
	switch {
	case err == nil:
		return "Authentication successful! Redirecting..."
	case errors.As(err, &cfgErr):
		return "Google sign-in is not configured. Please contact support."
	case errors.Is(err, ErrStateMissing), errors.Is(err, ErrStateMismatch):
		return "Authentication failed: invalid state. Please try again."
	case errors.Is(err, ErrStateExpired):
		return "Authentication failed: the sign-in request expired. Please try again."
	case errors.As(err, &denied):
		return "Authentication failed: " + denied.Reason
	case errors.Is(err, ErrMissingCode):
		return "No authorization code received"
	case errors.Is(err, ErrReplayedCode):
		return "Authentication failed: this sign-in link was already used. Please try again."
	case errors.Is(err, ErrNetworkTimeout):
		return "Authentication failed: the server took too long to respond."
	case errors.As(err, &netErr):
		return "Authentication failed: unable to reach the server."
	case errors.As(err, &exchErr):
		fields := ClassifyOutcome(exchErr.Code, exchErr.Message)
		return "Authentication failed: " + firstMessage(fields)
	case errors.As(err, &valErr):
		return firstMessage(valErr.Fields)
	default:
		return "Authentication failed: " + err.Error()
	}
}

func firstMessage(f FieldErrors) string {
	for _, name := range []string{FieldGeneral, FieldUsername, FieldEmail, FieldPassword} {
		if msg, ok := f[name]; ok {
			return msg
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
