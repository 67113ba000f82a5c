package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type SupabaseConfig struct {
	URL            string
	PublishableKey string
	AuthTimeout    time.Duration
	EmailDomain    string
	// SignUpRetryDelay is waited before signing in after a sign-up that
	// returned no session.
	SignUpRetryDelay time.Duration
}

// Supabase authenticates against the GoTrue REST API.
type Supabase struct {
	baseURL    string
	apiKey     string
	domain     string
	retryDelay time.Duration
	client     *http.Client
	now        func() time.Time
}

func NewSupabase(cfg SupabaseConfig) *Supabase {
	timeout := cfg.AuthTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Supabase{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.PublishableKey,
		domain:     cfg.EmailDomain,
		retryDelay: cfg.SignUpRetryDelay,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// AuthError is a non-2xx answer from the auth API.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("auth: %s (%d)", e.Message, e.Status)
}

func (e *AuthError) Is(target error) bool {
	code := strings.ToLower(e.Code)
	msg := strings.ToLower(e.Message)
	switch target {
	case ErrEmailNotConfirmed:
		return code == "email_not_confirmed" || strings.Contains(msg, "email not confirmed") || strings.Contains(msg, "email_not_confirmed")
	case ErrInvalidCredentials:
		return code == "invalid_credentials" || code == "invalid_grant"
	}
	return false
}

type supabaseUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"`
	User         *supabaseUser `json:"user"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (s *Supabase) SignIn(ctx context.Context, username, password string) (Grant, error) {
	body := map[string]string{
		"email":    EmailFor(username, s.domain),
		"password": password,
	}
	var resp sessionResponse
	if err := s.post(ctx, "/auth/v1/token?grant_type=password", "", body, &resp); err != nil {
		return Grant{}, err
	}
	if resp.AccessToken == "" || resp.User == nil {
		return Grant{}, errors.New("auth: token response without session")
	}
	return s.grant(resp, username), nil
}

func (s *Supabase) SignUp(ctx context.Context, username, password string) (Grant, error) {
	body := map[string]any{
		"email":    EmailFor(username, s.domain),
		"password": password,
		"data":     map[string]string{"username": username},
	}
	var resp sessionResponse
	if err := s.post(ctx, "/auth/v1/signup", "", body, &resp); err != nil {
		return Grant{}, err
	}
	if resp.AccessToken != "" && resp.User != nil {
		return s.grant(resp, username), nil
	}

	if s.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	g, err := s.SignIn(ctx, username, password)
	if errors.Is(err, ErrEmailNotConfirmed) {
		return Grant{}, nil
	}
	return g, err
}

func (s *Supabase) SignOut(ctx context.Context, g Grant) error {
	if g.AccessToken == "" {
		return nil
	}
	return s.post(ctx, "/auth/v1/logout", g.AccessToken, nil, nil)
}

func (s *Supabase) grant(resp sessionResponse, username string) Grant {
	name, _ := resp.User.UserMetadata["username"].(string)
	if name == "" {
		name = username
	}
	g := Grant{
		Identity: Identity{
			UserID:   resp.User.ID,
			Email:    resp.User.Email,
			Username: name,
		},
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		g.ExpiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return g
}

func (s *Supabase) post(ctx context.Context, path, token string, in, out any) error {
	if s.baseURL == "" || s.apiKey == "" {
		return errors.New("auth: supabase not configured")
	}

	var payload io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("auth: encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("auth: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
	return &AuthError{
		Status:  resp.StatusCode,
		Code:    firstNonEmpty(e.ErrorCode, e.Error),
		Message: firstNonEmpty(e.Msg, e.ErrorDescription, e.Message, http.StatusText(resp.StatusCode)),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
