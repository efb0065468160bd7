// Package auth obtains, persists and applies the bearer token some
// endpoints require.
package auth

import (
	"errors"
	"time"
)

var (
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrNoSession              = errors.New("no stored session")
	ErrInteractiveUnavailable = errors.New("interactive login unavailable")
)

// DefaultTokenLifetime applies when the server does not say how long a
// token lasts.
const DefaultTokenLifetime = 24 * time.Hour

// Session is a token and the moment it stops being valid.
type Session struct {
	Token    string    `json:"token"`
	Expiry   time.Time `json:"expiry"`
	Endpoint string    `json:"endpoint,omitempty"`
}

// Valid reports whether the session has a token that has not expired at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.Expiry)
}

// Credentials are the optional username and password used for the token
// endpoint and form login.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether either half is missing.
func (c Credentials) Empty() bool { return c.Username == "" || c.Password == "" }

// State is where the Manager is in its lifecycle.
type State int

const (
	NoToken State = iota
	Authenticating
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	}
	return "no_token"
}
