package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		field   string
	}{
		{"Password must be at least 8 characters", FieldPassword},
		{"Password must contain at least one uppercase letter", FieldPassword},
		{"User with this email already exists", FieldEmail},
		{"Invalid email format", FieldEmail},
		{"Email is required", FieldEmail},
		{"Username is already taken", FieldUsername},
		{"Something broke", FieldGeneral},
		{"Password incorrect", FieldGeneral},
		{"Contact email: help@example.com", FieldGeneral},
		{"", FieldGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := Classify(tt.message)
			if len(got) != 1 {
				t.Fatalf("expected exactly one field, got %v", got)
			}
			if msg, ok := got[tt.field]; !ok || msg != tt.message {
				t.Fatalf("Classify(%q) = %v, want field %s", tt.message, got, tt.field)
			}
		})
	}
}

func TestClassifyOutcomePrefersCode(t *testing.T) {
	tests := []struct {
		code, message, field, want string
	}{
		{CodeUserExists, "User with this email already exists", FieldGeneral, msgUserExists},
		{CodeUserNotFound, "User not found", FieldGeneral, msgUserNotFound},
		{CodeUsernameTaken, "", FieldUsername, "Username is already taken"},
		{CodeEmailExists, "dup", FieldEmail, "dup"},
		{CodeInvalidEmail, "", FieldEmail, "Invalid email format"},
		{CodeWeakPassword, "too weak", FieldPassword, "too weak"},
		{CodeInvalidCredentials, "Invalid username/email or password", FieldGeneral, "Invalid username/email or password"},
		{"", "Password must be at least 8 characters long", FieldPassword, "Password must be at least 8 characters long"},
		{"SOMETHING_NEW", "Username is already taken", FieldUsername, "Username is already taken"},
	}

	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.message, func(t *testing.T) {
			got := ClassifyOutcome(tt.code, tt.message)
			if got[tt.field] != tt.want {
				t.Fatalf("ClassifyOutcome(%q, %q) = %v, want %s=%q", tt.code, tt.message, got, tt.field, tt.want)
			}
		})
	}
}

func TestClassifyOutcomeEmpty(t *testing.T) {
	got := ClassifyOutcome("", "")
	if got[FieldGeneral] == "" {
		t.Fatalf("expected generic message, got %v", got)
	}
}

func TestStatusTextCoversTaxonomy(t *testing.T) {
	errs := []error{
		&ConfigurationError{Field: "google.client_id"},
		ErrStateMissing,
		ErrStateMismatch,
		ErrStateExpired,
		&ProviderDeniedError{Reason: "access_denied"},
		ErrMissingCode,
		ErrReplayedCode,
		transportError(context.DeadlineExceeded),
		&NetworkError{Err: errors.New("connection refused")},
		&ExchangeError{Status: 500, Message: "boom"},
		&ValidationError{Fields: FieldErrors{FieldEmail: "Invalid email format"}},
	}
	want := []string{
		"ConfigurationError", "StateMissing", "StateMismatch", "StateExpired",
		"ProviderDenied", "MissingCode", "ReplayedCode", "NetworkTimeout",
		"NetworkError", "ExchangeFailed", "ValidationError",
	}
	for i, err := range errs {
		if StatusText(err) == "" {
			t.Fatalf("empty status text for %v", err)
		}
		if got := Kind(err); got != want[i] {
			t.Fatalf("Kind(%v) = %s, want %s", err, got, want[i])
		}
		wrapped := fmt.Errorf("callback: %w", err)
		if got := Kind(wrapped); got != want[i] {
			t.Fatalf("Kind(wrapped %v) = %s, want %s", err, got, want[i])
		}
	}
	if Kind(nil) != "" {
		t.Fatal("nil error has no kind")
	}
	if Kind(errors.New("other")) != "Unknown" {
		t.Fatal("unclassified error should be Unknown")
	}
}
