// Package transport implements the HTTP interceptor pipeline as an
// [http.RoundTripper]: bearer and CSRF injection on the way out, failure
// classification, bounded retries, CSRF rotation, and per-role credential
// renewal on the way back.
package transport

import (
	"context"

	"cboard.dev/panelclient/apipath"
)

// Env is the ambient browser surface the transport consults: the current
// page, client-side navigation, page visibility, and cookie access.
type Env interface {
	// Path returns the current page path, e.g. "/admin/users".
	Path() string
	// Navigate performs a client-side redirect.
	Navigate(path string)
	// Visible reports whether the page is currently visible.
	Visible() bool
	// OnVisible registers a callback for when the page becomes visible.
	OnVisible(fn func())
	// CSRFCookie returns the csrf_token cookie value, or "".
	CSRFCookie() string
}

// nopEnv is the fallback when no Env is wired: a permanently visible page
// at the user panel root, with no cookies and nowhere to navigate.
type nopEnv struct{}

func (nopEnv) Path() string       { return "/" }
func (nopEnv) Navigate(string)    {}
func (nopEnv) Visible() bool      { return true }
func (nopEnv) OnVisible(func())   {}
func (nopEnv) CSRFCookie() string { return "" }

// SessionSource is the slice of the session manager the transport needs:
// reading tokens, driving renewal, and tearing a role down.
type SessionSource interface {
	AccessToken(role apipath.Role) string
	Refresh(ctx context.Context, role apipath.Role) (string, error)
	Logout(role apipath.Role)
}
