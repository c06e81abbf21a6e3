package server

import (
	"encoding/json"
	"time"
)

// Mode records which local action an authorization flow was started for.
type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
)

// ParseMode maps a stored or routed value to a Mode, defaulting to login.
func ParseMode(v string) Mode {
	if Mode(v) == ModeRegister {
		return ModeRegister
	}
	return ModeLogin
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeLogin || m == ModeRegister
}

// OAuthState is the tab-scoped record of the single in-flight flow.
type OAuthState struct {
	Token    string
	Mode     Mode
	IssuedAt time.Time
}

// User is the client-visible profile returned by the backend.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Picture      string `json:"picture,omitempty"`
	AuthProvider string `json:"auth_provider,omitempty"`
}

// AuthOutcome is the normalized result of any authentication attempt.
type AuthOutcome struct {
	Success      bool        `json:"success"`
	Token        string      `json:"token,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	User         *User       `json:"user,omitempty"`
	Error        string      `json:"error,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Fields       FieldErrors `json:"-"`
}

// StatusKind distinguishes success and error status messages.
type StatusKind string

const (
	StatusSuccess StatusKind = "success"
	StatusError   StatusKind = "error"
)

// StatusMessage is carried across a navigation so the destination view can
// show it exactly once.
type StatusMessage struct {
	Kind StatusKind `json:"kind"`
	Text string     `json:"text"`
}

func (m StatusMessage) encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStatus(raw string) (StatusMessage, error) {
	var m StatusMessage
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// Field names used by FieldErrors.
const (
	FieldUsername = "username"
	FieldEmail    = "email"
	FieldPassword = "password"
	FieldGeneral  = "general"
)

// FieldErrors maps a form field to the message shown next to it.
type FieldErrors map[string]string

// Empty reports whether no field carries an error.
func (f FieldErrors) Empty() bool {
	return len(f) == 0
}
