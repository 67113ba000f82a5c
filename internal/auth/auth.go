// Package auth supplies the signed-in identity the engine is scoped to, and
// notifies watchers whenever it changes.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultEmailDomain turns usernames into the emails used as login ids.
const DefaultEmailDomain = "gmail.com"

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrEmptyUsername      = errors.New("username is required")
)

// Identity is the current user. The zero value means signed out.
type Identity struct {
	UserID   string
	Email    string
	Username string
}

func (i Identity) SignedIn() bool {
	return i.UserID != ""
}

// Grant is what an authenticator hands back on sign-in.
type Grant struct {
	Identity     Identity
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Authenticator talks to an identity provider.
type Authenticator interface {
	SignIn(ctx context.Context, username, password string) (Grant, error)
	// SignUp registers a user and signs them in when possible. A zero
	// Grant with a nil error means the account awaits confirmation.
	SignUp(ctx context.Context, username, password string) (Grant, error)
	SignOut(ctx context.Context, g Grant) error
}

// EmailFor maps a username to its login email.
func EmailFor(username, domain string) string {
	if domain == "" {
		domain = DefaultEmailDomain
	}
	return strings.ToLower(strings.TrimSpace(username)) + "@" + domain
}
