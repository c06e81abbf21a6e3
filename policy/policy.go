// Package policy holds the credential rules shared by the coordinator's local
// form validation and the backend's server-side checks.
package policy

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var (
	ErrUsernameRequired = errors.New("Username is required")
	ErrEmailRequired    = errors.New("Email is required")
	ErrEmailInvalid     = errors.New("Invalid email format")
	ErrPasswordRequired = errors.New("Password is required")
	ErrPasswordLength   = errors.New("Password must be at least 8 characters long")
	ErrPasswordUpper    = errors.New("Password must contain at least one uppercase letter")
	ErrPasswordLower    = errors.New("Password must contain at least one lowercase letter")
	ErrPasswordDigit    = errors.New("Password must contain at least one number")
)

// ValidateUsername requires a non-blank username.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrUsernameRequired
	}
	return nil
}

// ValidateEmail requires a present, syntactically plausible address.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmailRequired
	}
	if !emailPattern.MatchString(email) {
		return ErrEmailInvalid
	}
	return nil
}

// ValidatePassword enforces the registration strength policy. The first
// failing rule is reported.
func ValidatePassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordRequired
	}
	if len([]rune(password)) < MinPasswordLength {
		return ErrPasswordLength
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		return ErrPasswordUpper
	}
	if !lower {
		return ErrPasswordLower
	}
	if !digit {
		return ErrPasswordDigit
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
