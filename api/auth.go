package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// User is the backend's user record as returned by the auth routes.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	IsAdmin    bool   `json:"is_admin"`
	IsVerified bool   `json:"is_verified"`
	IsActive   bool   `json:"is_active"`
	Theme      string `json:"theme"`
	Language   string `json:"language"`
}

// LoginResponse is the payload of a successful credential exchange.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// Login exchanges credentials for a token pair. The caller decides whether
// the returned principal is acceptable for the login channel used.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	var raw json.RawMessage
	err := c.do(ctx, http.MethodPost, "/auth/login-json", map[string]string{
		"username": username,
		"password": password,
	}, &raw, nil)
	if err != nil {
		return nil, err
	}

	var out LoginResponse
	if err := unwrap(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshResponse is the payload of a successful token renewal. The
// backend may or may not rotate the refresh token.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token rides as a bearer credential on this one call only.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	var hdr http.Header
	if refreshToken != "" {
		hdr = http.Header{"Authorization": []string{"Bearer " + refreshToken}}
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", struct{}{}, &raw, hdr); err != nil {
		return nil, err
	}

	var out RefreshResponse
	if err := unwrap(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterRequest carries a new account registration.
type RegisterRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code,omitempty"`
}

// Register creates a new account, returning the backend payload untouched.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &raw, nil); err != nil {
		return nil, err
	}
	return raw, nil
}

// ForgotPassword requests a password-reset email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, "/auth/forgot-password", map[string]string{"email": email}, nil, nil)
}

// ResetPassword completes a password reset using an emailed token.
func (c *Client) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, "/auth/reset-password", map[string]string{
		"token":        token,
		"new_password": newPassword,
	}, nil, nil)
}

// ChangePassword changes the authenticated user's password.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	return c.do(ctx, http.MethodPost, "/users/change-password", map[string]string{
		"current_password": current,
		"new_password":     next,
	}, nil, nil)
}

// PublicSettings hits the unauthenticated settings route. Used both for
// real settings loads and as the lightweight reachability probe.
func (c *Client) PublicSettings(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/settings/public-settings", nil, &raw, nil); err != nil {
		return nil, err
	}
	return raw, nil
}
