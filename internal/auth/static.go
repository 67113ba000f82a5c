package auth

import (
	"context"
	"strings"
)

// Static signs everyone in as one fixed user. It backs local runs where no
// identity provider is available. An empty password accepts any password.
type Static struct {
	UserID   string
	Username string
	Password string
	Domain   string
}

func (a Static) SignIn(_ context.Context, username, password string) (Grant, error) {
	if a.Username != "" && !strings.EqualFold(strings.TrimSpace(username), a.Username) {
		return Grant{}, ErrInvalidCredentials
	}
	if a.Password != "" && password != a.Password {
		return Grant{}, ErrInvalidCredentials
	}
	name := a.Username
	if name == "" {
		name = strings.TrimSpace(username)
	}
	return Grant{Identity: Identity{
		UserID:   a.UserID,
		Email:    EmailFor(name, a.Domain),
		Username: name,
	}}, nil
}

func (a Static) SignUp(ctx context.Context, username, password string) (Grant, error) {
	return a.SignIn(ctx, username, password)
}

func (a Static) SignOut(context.Context, Grant) error {
	return nil
}
