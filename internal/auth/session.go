package auth

import (
	"context"
	"log/slog"
	"sync"
)

// Session holds the current identity and fans changes out to watchers.
type Session struct {
	auth   Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	grant    Grant
	watchers map[chan Identity]struct{}
	closed   bool
}

func NewSession(a Authenticator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{auth: a, logger: logger, watchers: make(map[chan Identity]struct{})}
}

func (s *Session) SignIn(ctx context.Context, username, password string) (Identity, error) {
	if username == "" {
		return Identity{}, ErrEmptyUsername
	}
	g, err := s.auth.SignIn(ctx, username, password)
	if err != nil {
		s.logger.WarnContext(ctx, "Sign-in failed", "username", username, "error", err)
		return Identity{}, err
	}
	s.set(g)
	s.logger.InfoContext(ctx, "Signed in", "user_id", g.Identity.UserID, "username", g.Identity.Username)
	return g.Identity, nil
}

// SignUp registers and, when the provider allows it, signs in. A zero
// Identity with a nil error means confirmation is pending.
func (s *Session) SignUp(ctx context.Context, username, password string) (Identity, error) {
	if username == "" {
		return Identity{}, ErrEmptyUsername
	}
	g, err := s.auth.SignUp(ctx, username, password)
	if err != nil {
		s.logger.WarnContext(ctx, "Sign-up failed", "username", username, "error", err)
		return Identity{}, err
	}
	if !g.Identity.SignedIn() {
		s.logger.InfoContext(ctx, "Sign-up pending confirmation", "username", username)
		return Identity{}, nil
	}
	s.set(g)
	s.logger.InfoContext(ctx, "Signed up", "user_id", g.Identity.UserID, "username", g.Identity.Username)
	return g.Identity, nil
}

// SignOut clears the local identity even when the provider call fails; the
// provider error is still returned.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	g := s.grant
	s.mu.Unlock()
	if !g.Identity.SignedIn() {
		return nil
	}

	err := s.auth.SignOut(ctx, g)
	if err != nil {
		s.logger.WarnContext(ctx, "Provider sign-out failed", "user_id", g.Identity.UserID, "error", err)
	}
	s.set(Grant{})
	s.logger.InfoContext(ctx, "Signed out", "user_id", g.Identity.UserID)
	return err
}

func (s *Session) Current() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant.Identity
}

// Watch returns a channel that receives the current identity right away
// and then every change. Only the latest value is kept for slow readers.
// The returned func stops the watch and closes the channel.
func (s *Session) Watch() (<-chan Identity, func()) {
	ch := make(chan Identity, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	ch <- s.grant.Identity
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
		})
	}
}

// Close ends every watch.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

func (s *Session) set(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.grant.Identity != g.Identity
	s.grant = g
	if !changed {
		return
	}
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- g.Identity
	}
}
