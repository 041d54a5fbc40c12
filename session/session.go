// Package session owns the in-memory token and user state for the two
// authentication roles, persisting to and restoring from the token store.
// The two role sessions are fully independent: no operation on one may
// read or mutate the other unless it is an explicit logout-everywhere.
package session

import (
	"errors"
	"sync"

	"golang.org/x/oauth2"

	"cboard.dev/panelclient/apipath"
)

// ErrRoleMismatch is returned when a login channel or install receives a
// principal whose admin flag contradicts the session's role.
var ErrRoleMismatch = errors.New("principal admin flag does not match session role")

// Principal is the reduced, non-sensitive projection of the backend user
// record that we are willing to keep in storage.
type Principal struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	IsAdmin    bool   `json:"is_admin"`
	IsVerified bool   `json:"is_verified"`
	IsActive   bool   `json:"is_active"`
	Theme      string `json:"theme"`
	Language   string `json:"language"`
}

// PrincipalPatch is a shallow partial update to a Principal. Nil fields
// are left unchanged.
type PrincipalPatch struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Theme    *string `json:"theme,omitempty"`
	Language *string `json:"language,omitempty"`
}

// Session is one role's authentication state. The role is fixed at
// construction and never changes; storage scope and keys are always
// derived from it, never from the current page.
type Session struct {
	role apipath.Role

	mu        sync.RWMutex
	token     *oauth2.Token
	principal *Principal
}

func newSession(role apipath.Role) *Session {
	return &Session{role: role}
}

// Role returns the session's fixed role.
func (s *Session) Role() apipath.Role { return s.role }

// AccessToken returns the current access token, or "" when logged out.
// The refresh token is never held in memory; it lives only in the store.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// Token returns a copy of the current token, or nil when logged out.
func (s *Session) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// Principal returns a copy of the current principal, or nil.
func (s *Session) Principal() *Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return nil
	}
	p := *s.principal
	return &p
}

// Authenticated reports whether the session holds an access token.
func (s *Session) Authenticated() bool {
	return s.AccessToken() != ""
}

// install commits a token and principal. The principal's admin flag must
// agree with the session's role; this is the single enforcement point for
// the role invariant across login, handoff, and restoration.
func (s *Session) install(token *oauth2.Token, p *Principal) error {
	if p != nil {
		if s.role == apipath.User && p.IsAdmin {
			return ErrRoleMismatch
		}
		if s.role == apipath.Admin && !p.IsAdmin {
			return ErrRoleMismatch
		}
	}

	s.mu.Lock()
	s.token = token
	s.principal = p
	s.mu.Unlock()
	return nil
}

func (s *Session) setToken(token *oauth2.Token) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Session) clear() {
	s.mu.Lock()
	s.token = nil
	s.principal = nil
	s.mu.Unlock()
}

func (s *Session) patchPrincipal(patch PrincipalPatch) *Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return nil
	}
	if patch.Username != nil {
		s.principal.Username = *patch.Username
	}
	if patch.Email != nil {
		s.principal.Email = *patch.Email
	}
	if patch.Theme != nil {
		s.principal.Theme = *patch.Theme
	}
	if patch.Language != nil {
		s.principal.Language = *patch.Language
	}
	p := *s.principal
	return &p
}
