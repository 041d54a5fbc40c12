package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"cboard.dev/panelclient/api"
	"cboard.dev/panelclient/apipath"
	"cboard.dev/panelclient/internal/jwtpeek"
	"cboard.dev/panelclient/tokenstore"
)

var baseLogAttr = slog.String("component", "session")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// ErrNoRefreshToken is returned by Refresh when the store holds no refresh
// token for the role.
var ErrNoRefreshToken = errors.New("no refresh token in store")

// themeLoadDelay defers the post-login theme load so it never competes
// with the navigation that follows a login.
const themeLoadDelay = 500 * time.Millisecond

// Config configures a Manager.
type Config struct {
	// API issues the backend calls. Required.
	API *api.Client
	// Store persists credentials across reloads. Required.
	Store tokenstore.Store
	// ThemeLoader, if set, is invoked asynchronously after a successful
	// login or handoff. Its failure is swallowed.
	ThemeLoader func(ctx context.Context) error
	// RenewalReset, if set, is invoked after a successful login and on a
	// logout-everywhere, clearing the interceptor's sticky renewal-failure
	// flags.
	RenewalReset func()
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Manager owns the two role sessions. All operations are safe for
// concurrent use.
type Manager struct {
	api          *api.Client
	store        tokenstore.Store
	themeLoader  func(ctx context.Context) error
	renewalReset func()
	logger       *slog.Logger

	sessions map[apipath.Role]*Session
}

// New creates a Manager with one empty session per role. Call Restore to
// populate a session from the store.
func New(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("session: Config.API is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Config.Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		api:          cfg.API,
		store:        cfg.Store,
		themeLoader:  cfg.ThemeLoader,
		renewalReset: cfg.RenewalReset,
		logger:       logger,
		sessions: map[apipath.Role]*Session{
			apipath.User:  newSession(apipath.User),
			apipath.Admin: newSession(apipath.Admin),
		},
	}, nil
}

// Session returns the session for role. Public is not a session-bearing
// role and returns nil.
func (m *Manager) Session(role apipath.Role) *Session {
	return m.sessions[role]
}

// AccessToken returns role's current access token, or "".
func (m *Manager) AccessToken(role apipath.Role) string {
	s := m.sessions[role]
	if s == nil {
		return ""
	}
	return s.AccessToken()
}

// Login performs the user-channel credential exchange. An administrator
// principal is rejected: the user login page never mints an admin session.
func (m *Manager) Login(ctx context.Context, username, password string) Result {
	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		return failure(err, "login failed")
	}
	if resp.User == nil {
		return Result{Message: "malformed login response"}
	}
	if resp.User.IsAdmin {
		return Result{Message: "administrator accounts must sign in through the admin login"}
	}

	if err := m.commitLogin(apipath.User, resp); err != nil {
		return failure(err, "login failed")
	}
	return ok()
}

// AdminLogin performs the admin-channel credential exchange. Any existing
// session of either role is purged first to avoid stale-credential
// confusion. A non-administrator principal is rejected.
func (m *Manager) AdminLogin(ctx context.Context, username, password string) Result {
	m.Logout(apipath.Admin)
	m.Logout(apipath.User)

	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		return failure(err, "login failed")
	}
	if resp.User == nil {
		return Result{Message: "malformed login response"}
	}
	if !resp.User.IsAdmin {
		return Result{Message: "this account is not an administrator; use the user login page"}
	}

	if err := m.commitLogin(apipath.Admin, resp); err != nil {
		m.Logout(apipath.Admin)
		return failure(err, "login failed")
	}
	return ok()
}

// Register creates a new account. The backend payload is passed through in
// Result.Data.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) Result {
	data, err := m.api.Register(ctx, req)
	if err != nil {
		return failure(err, "registration failed")
	}
	return Result{Success: true, Message: "registered", Data: data}
}

// ForgotPassword requests a password-reset email.
func (m *Manager) ForgotPassword(ctx context.Context, email string) Result {
	if err := m.api.ForgotPassword(ctx, email); err != nil {
		return failure(err, "could not send reset email")
	}
	return okMsg("a reset link has been sent to your email")
}

// ResetPassword completes a password reset with an emailed token.
func (m *Manager) ResetPassword(ctx context.Context, token, newPassword string) Result {
	if err := m.api.ResetPassword(ctx, token, newPassword); err != nil {
		return failure(err, "password reset failed")
	}
	return okMsg("password reset")
}

// ChangePassword changes the authenticated user's password.
func (m *Manager) ChangePassword(ctx context.Context, current, next string) Result {
	if err := m.api.ChangePassword(ctx, current, next); err != nil {
		return failure(err, "password change failed")
	}
	return okMsg("password changed")
}

// Refresh exchanges role's stored refresh token for a new access token,
// persisting and returning it. On a missing token or backend rejection the
// role is logged out and an error returned. The other role is never read
// or touched.
func (m *Manager) Refresh(ctx context.Context, role apipath.Role) (string, error) {
	rt, err := m.store.Get(tokenstore.RefreshTokenKey(role))
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	if len(rt) == 0 {
		m.Logout(role)
		return "", ErrNoRefreshToken
	}

	resp, err := m.api.Refresh(ctx, string(rt))
	if err != nil {
		m.Logout(role)
		return "", err
	}
	if resp.AccessToken == "" {
		m.Logout(role)
		return "", fmt.Errorf("renewal returned an empty token")
	}

	if err := m.persistAccessToken(role, resp.AccessToken); err != nil {
		return "", err
	}
	if resp.RefreshToken != "" {
		if err := m.persistRefreshToken(role, resp.RefreshToken); err != nil {
			return "", err
		}
	}
	m.sessions[role].setToken(m.buildToken(resp.AccessToken))
	return resp.AccessToken, nil
}

// Logout clears exactly the named role: in-memory state and that role's
// three storage keys. The other role is untouched.
func (m *Manager) Logout(role apipath.Role) {
	s := m.sessions[role]
	if s == nil {
		return
	}
	s.clear()
	if err := tokenstore.ClearRole(m.store, role); err != nil {
		m.logger.Warn("clearing role storage", baseLogAttr, slog.String("role", string(role)), errAttr(err))
	}
}

// LogoutAll clears both roles and wipes the store entirely. Used by the
// explicit "log out everywhere" action and by cache-poisoning recovery.
func (m *Manager) LogoutAll() {
	for _, s := range m.sessions {
		s.clear()
	}
	if err := m.store.Clear(); err != nil {
		m.logger.Warn("clearing store", baseLogAttr, errAttr(err))
	}
	if m.renewalReset != nil {
		m.renewalReset()
	}
}

// Install commits an externally established token and principal into
// role's session and persists them, enforcing the role/admin-flag
// invariant. Used by the navigation guard for handoff and restoration.
func (m *Manager) Install(role apipath.Role, accessToken string, p *Principal) error {
	s := m.sessions[role]
	if s == nil {
		return fmt.Errorf("no session for role %q", role)
	}
	if err := s.install(m.buildToken(accessToken), p); err != nil {
		return err
	}
	if err := m.persistAccessToken(role, accessToken); err != nil {
		return err
	}
	if err := m.persistPrincipal(role, p); err != nil {
		return err
	}
	m.loadThemeAsync()
	return nil
}

// Restore populates role's session from the store, if the stored
// principal's admin flag agrees with the role and the session is not
// already holding the stored token. Reports whether the session is
// authenticated afterwards.
func (m *Manager) Restore(role apipath.Role) (bool, error) {
	s := m.sessions[role]

	tok, err := m.store.Get(tokenstore.TokenKey(role))
	if err != nil {
		return s.Authenticated(), err
	}
	raw, err := m.store.Get(tokenstore.PrincipalKey(role))
	if err != nil {
		return s.Authenticated(), err
	}
	if len(tok) == 0 || len(raw) == 0 {
		return s.Authenticated(), nil
	}

	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		// Undecodable stored principal: evict it rather than carry it.
		_ = m.store.Remove(tokenstore.PrincipalKey(role))
		return s.Authenticated(), fmt.Errorf("decoding stored principal: %w", err)
	}

	if s.AccessToken() == string(tok) {
		return true, nil
	}
	if err := s.install(m.buildToken(string(tok)), &p); err != nil {
		return false, err
	}
	m.loadThemeAsync()
	return true, nil
}

// SetToken replaces role's in-memory access token and persists it under
// role's own keys and scope. The role is taken from the session being
// mutated, never from the current page.
func (m *Manager) SetToken(role apipath.Role, accessToken string) error {
	s := m.sessions[role]
	if s == nil {
		return fmt.Errorf("no session for role %q", role)
	}
	s.setToken(m.buildToken(accessToken))
	return m.persistAccessToken(role, accessToken)
}

// SetUser replaces role's principal, enforcing the role invariant, and
// persists it under role's own keys and scope.
func (m *Manager) SetUser(role apipath.Role, p *Principal) error {
	s := m.sessions[role]
	if s == nil {
		return fmt.Errorf("no session for role %q", role)
	}
	tok := s.Token()
	if err := s.install(tok, p); err != nil {
		return err
	}
	return m.persistPrincipal(role, p)
}

// UpdatePrincipal shallow-merges patch into role's principal and persists
// the result. A patch cannot change the admin flag, so no revalidation is
// needed.
func (m *Manager) UpdatePrincipal(role apipath.Role, patch PrincipalPatch) error {
	s := m.sessions[role]
	if s == nil {
		return fmt.Errorf("no session for role %q", role)
	}
	p := s.patchPrincipal(patch)
	if p == nil {
		return fmt.Errorf("no principal installed for role %q", role)
	}
	return m.persistPrincipal(role, p)
}

func (m *Manager) commitLogin(role apipath.Role, resp *api.LoginResponse) error {
	p := principalFromUser(resp.User)
	s := m.sessions[role]
	if err := s.install(m.buildToken(resp.AccessToken), p); err != nil {
		return err
	}

	if err := m.persistAccessToken(role, resp.AccessToken); err != nil {
		return err
	}
	if err := m.persistPrincipal(role, p); err != nil {
		return err
	}
	if resp.RefreshToken != "" {
		if err := m.persistRefreshToken(role, resp.RefreshToken); err != nil {
			return err
		}
	}

	if m.renewalReset != nil {
		m.renewalReset()
	}
	m.loadThemeAsync()
	return nil
}

// buildToken wraps an access token string, aligning Expiry with the
// token's own exp claim when it has one. The refresh token is deliberately
// not carried: it lives only in the store.
func (m *Manager) buildToken(accessToken string) *oauth2.Token {
	if accessToken == "" {
		return nil
	}
	t := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if exp, err := jwtpeek.Expiry(accessToken); err == nil && !exp.IsZero() {
		t.Expiry = exp
	}
	return t
}

// accessTokenTTL clamps the storage TTL to the token's own lifetime.
func accessTokenTTL(accessToken string) time.Duration {
	ttl := tokenstore.AccessTokenTTL
	if exp, err := jwtpeek.Expiry(accessToken); err == nil && !exp.IsZero() {
		if d := time.Until(exp); d > 0 && d < ttl {
			ttl = d
		}
	}
	return ttl
}

func (m *Manager) persistAccessToken(role apipath.Role, accessToken string) error {
	return m.store.Set(tokenstore.TokenKey(role), []byte(accessToken),
		tokenstore.RoleScope(role), accessTokenTTL(accessToken))
}

func (m *Manager) persistRefreshToken(role apipath.Role, refreshToken string) error {
	return m.store.Set(tokenstore.RefreshTokenKey(role), []byte(refreshToken),
		tokenstore.RoleScope(role), tokenstore.RefreshTokenTTL)
}

func (m *Manager) persistPrincipal(role apipath.Role, p *Principal) error {
	if p == nil {
		return m.store.Remove(tokenstore.PrincipalKey(role))
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding principal: %w", err)
	}
	return m.store.Set(tokenstore.PrincipalKey(role), raw,
		tokenstore.RoleScope(role), tokenstore.AccessTokenTTL)
}

func principalFromUser(u *api.User) *Principal {
	return &Principal{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		IsAdmin:    u.IsAdmin,
		IsVerified: u.IsVerified,
		IsActive:   u.IsActive,
		Theme:      u.Theme,
		Language:   u.Language,
	}
}

// loadThemeAsync kicks off the theme preference load without blocking the
// caller. A failure is logged and swallowed.
func (m *Manager) loadThemeAsync() {
	if m.themeLoader == nil {
		return
	}
	time.AfterFunc(themeLoadDelay, func() {
		if err := m.themeLoader(context.Background()); err != nil {
			m.logger.Debug("theme load failed", baseLogAttr, errAttr(err))
		}
	})
}
