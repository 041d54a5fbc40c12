package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"cboard.dev/panelclient/api"
	"cboard.dev/panelclient/apipath"
)

var baseLogAttr = slog.String("component", "transport")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// ctxKey marks a request as already retried for a distinct cause. One
// retry per cause per request, which guarantees termination.
type ctxKey int

const (
	ctxKeyTimeoutRetried ctxKey = iota
	ctxKeyCSRFRetried
	ctxKeyAuthRetried
)

func retried(ctx context.Context, key ctxKey) bool {
	v, _ := ctx.Value(key).(bool)
	return v
}

// Transport is an [http.RoundTripper] that authenticates panel API
// requests. On the way out it classifies the path, attaches the matching
// role's bearer credential and, for mutating verbs, the cached CSRF token.
// On the way back it rotates the CSRF cache, retries timeouts once,
// surfaces maintenance mode, recovers CSRF rejections, and drives the
// per-role renew-or-logout state machine for 401s.
type Transport struct {
	// Sessions provides tokens and renewal. Required.
	Sessions SessionSource

	// Base is the underlying transport. If nil, http.DefaultTransport is
	// used.
	Base http.RoundTripper

	// Env is the ambient browser surface. If nil, a no-op environment is
	// used (user panel, always visible, no cookies).
	Env Env

	// BasePath is the API mount point stripped before classification.
	// Defaults to [api.DefaultBaseURL].
	BasePath string

	// Notify, if set, surfaces inline user-facing failure messages
	// (maintenance mode, unrecoverable CSRF rejections).
	Notify func(message string)

	// Probe, if set, is the lightweight backend reachability check fired
	// after connectivity failures, debounced to one pending probe.
	Probe func(ctx context.Context) error

	// DisableAdminFallback turns off the "administrator may act on
	// user-scoped resources" policy: with the policy on (the default), a
	// user-classified request with no user token rides the admin token.
	DisableAdminFallback bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	csrf  csrfCache
	renew refreshGroup
	probe prober
}

var _ http.RoundTripper = (*Transport)(nil)

// Init registers the page-visibility hook. Call once at bootstrap, after
// Env is set.
func (t *Transport) Init() {
	if t.Env != nil {
		t.Env.OnVisible(t.onVisible)
	}
}

// ResetRenewalFailure clears the sticky per-role renewal-failure flags.
// Wire this to the session manager so a fresh login re-enables renewal.
func (t *Transport) ResetRenewalFailure() { t.renew.reset() }

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Sessions == nil {
		return nil, fmt.Errorf("transport: Sessions is nil")
	}

	path := t.apiPath(req)
	panel := apipath.PanelForPath(t.env().Path())
	role := apipath.Classify(path, panel)

	out := req.Clone(req.Context())
	if role != apipath.Public {
		tok := t.Sessions.AccessToken(role)
		if tok == "" && role == apipath.User && !t.DisableAdminFallback {
			// Administrator may act on user-scoped resources.
			tok = t.Sessions.AccessToken(apipath.Admin)
		}
		if tok != "" {
			out.Header.Set("Authorization", "Bearer "+tok)
		}
		// A missing token is not an error here; the backend answers 401
		// and the response stage takes over.

		if isMutating(req.Method) {
			csrf := t.csrf.get()
			if csrf == "" {
				csrf = t.env().CSRFCookie()
				t.csrf.set(csrf)
			}
			if csrf != "" {
				out.Header.Set(CSRFHeader, csrf)
			}
		}
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return t.handleTransportError(out, err)
	}
	return t.handleResponse(out, path, panel, resp)
}

// handleTransportError deals with requests that produced no response:
// timeouts retry once, connectivity failures schedule a reachability
// probe.
func (t *Transport) handleTransportError(req *http.Request, err error) (*http.Response, error) {
	if isTimeoutErr(err) {
		if !retried(req.Context(), ctxKeyTimeoutRetried) {
			t.logger().Debug("request timed out, retrying once", baseLogAttr, slog.String("url", req.URL.Path))
			return t.redispatch(req, ctxKeyTimeoutRetried)
		}
		return nil, err
	}

	if !errors.Is(err, context.Canceled) && t.env().Visible() {
		t.probe.schedule(t.probeNow)
	}
	return nil, err
}

// errBody is the slice of backend error payloads the response stage cares
// about.
type errBody struct {
	Message         string `json:"message"`
	Detail          string `json:"detail"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	CSRFToken       string `json:"csrf_token"`
}

func (t *Transport) handleResponse(req *http.Request, path string, panel apipath.Panel, resp *http.Response) (*http.Response, error) {
	// Opportunistic CSRF rotation on every response.
	if tok := resp.Header.Get(CSRFHeader); tok != "" {
		t.csrf.set(tok)
	} else if c := t.env().CSRFCookie(); c != "" {
		t.csrf.set(c)
	}

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return t.handleMaintenance(resp)
	case http.StatusForbidden:
		return t.handleForbidden(req, resp)
	case http.StatusUnauthorized:
		return t.handleUnauthorized(req, path, panel, resp)
	}
	return resp, nil
}

func (t *Transport) handleMaintenance(resp *http.Response) (*http.Response, error) {
	_, payload := peekBody(resp)
	if payload.MaintenanceMode {
		msg := payload.Message
		if msg == "" {
			msg = "system under maintenance, please try again later"
		}
		t.notify(msg)
	}
	return resp, nil
}

func (t *Transport) handleForbidden(req *http.Request, resp *http.Response) (*http.Response, error) {
	_, payload := peekBody(resp)

	csrfFailure := payload.CSRFToken != "" || strings.Contains(payload.Message, "CSRF") || strings.Contains(payload.Detail, "CSRF")
	if !csrfFailure {
		return resp, nil
	}

	replacement := payload.CSRFToken
	if replacement == "" {
		replacement = resp.Header.Get(CSRFHeader)
	}

	if replacement != "" && isMutating(req.Method) && !retried(req.Context(), ctxKeyCSRFRetried) {
		t.csrf.set(replacement)
		drainClose(resp)
		t.logger().Debug("CSRF rejected, retrying with rotated token", baseLogAttr)
		return t.redispatch(req, ctxKeyCSRFRetried)
	}

	if replacement == "" {
		// Stale token with nothing to replace it; next attempt refetches
		// from the cookie.
		t.csrf.clear()
	}
	if !retried(req.Context(), ctxKeyCSRFRetried) {
		msg := payload.Message
		if msg == "" {
			msg = "CSRF verification failed, refresh the page and retry"
		}
		t.notify(msg)
	}
	return resp, nil
}

// handleUnauthorized is the 401 state machine. Exactly one renewal per
// role runs at a time; everything else either waits on it or short-
// circuits to logout.
func (t *Transport) handleUnauthorized(req *http.Request, path string, panel apipath.Panel, resp *http.Response) (*http.Response, error) {
	role := authRole(path, panel)

	switch {
	case isLoginPath(path) || t.renew.failedFor(role):
		// A failed login never triggers renewal, and a sticky failure
		// means renewal already proved pointless.
		t.logoutRedirect(role)
		return resp, nil

	case isRefreshPath(path):
		// The renewal call itself was rejected.
		t.renew.markFailed(role)
		t.Sessions.Logout(role)
		t.logoutRedirect(role)
		return resp, nil

	case retried(req.Context(), ctxKeyAuthRetried):
		// Renewed once already and still 401: give up.
		t.Sessions.Logout(role)
		t.logoutRedirect(role)
		return resp, nil
	}

	_, err := t.renew.do(req.Context(), role, func(ctx context.Context) (string, error) {
		return t.Sessions.Refresh(ctx, role)
	})
	if errors.Is(err, errWaitCancelled) {
		// This caller gave up while another request's renewal was still in
		// flight. Only that renewal's outcome may touch the session; the
		// abandoned request just reports its own context error.
		drainClose(resp)
		return nil, req.Context().Err()
	}
	if err != nil {
		// A real renewal failure: the manager tore the role down and the
		// renewal leader set the sticky flag.
		t.logger().Debug("token renewal failed", baseLogAttr, slog.String("role", string(role)), errAttr(err))
		t.logoutRedirect(role)
		return resp, nil
	}

	drainClose(resp)
	return t.redispatch(req, ctxKeyAuthRetried)
}

// logoutRedirect tears down role and navigates to its login page, but
// only when the current page belongs to that role's panel. A stray
// user-scoped 401 must not tear down an admin panel, or vice versa.
func (t *Transport) logoutRedirect(role apipath.Role) {
	cur := t.env().Path()
	inAdmin := strings.HasPrefix(cur, "/admin")
	if (role == apipath.Admin) != inAdmin {
		return
	}

	t.Sessions.Logout(role)
	if inAdmin {
		if cur != "/admin/login" {
			t.env().Navigate("/admin/login")
		}
		return
	}
	if cur != "/login" && cur != "/forgot-password" {
		t.env().Navigate("/login")
	}
}

// redispatch re-runs the request through the whole pipeline with a retry
// marker set, rewinding the body when one exists.
func (t *Transport) redispatch(req *http.Request, marker ctxKey) (*http.Response, error) {
	out := req.Clone(context.WithValue(req.Context(), marker, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
	}
	return t.RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) env() Env {
	if t.Env != nil {
		return t.Env
	}
	return nopEnv{}
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Transport) notify(msg string) {
	if t.Notify != nil {
		t.Notify(msg)
	}
}

// apiPath strips the API mount point so classification sees backend
// routes, not proxy paths. BasePath may be a bare mount point or a full
// base URL; only its path component matters here.
func (t *Transport) apiPath(req *http.Request) string {
	base := t.BasePath
	if base == "" {
		base = api.DefaultBaseURL
	}
	if u, err := url.Parse(base); err == nil && u.Path != "" {
		base = u.Path
	}
	return strings.TrimPrefix(req.URL.Path, base)
}

// authRole resolves the role a 401 belongs to. Public paths have no role
// of their own, so they inherit the panel's.
func authRole(path string, panel apipath.Panel) apipath.Role {
	if r := apipath.Classify(path, panel); r != apipath.Public {
		return r
	}
	if panel == apipath.AdminPanel {
		return apipath.Admin
	}
	return apipath.User
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isLoginPath(path string) bool { return strings.Contains(path, "/auth/login") }

func isRefreshPath(path string) bool { return strings.Contains(path, "/auth/refresh") }

func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// peekBody reads the response body (bounded) and puts it back, so the
// caller downstream still sees it. Returns the raw bytes and a best-effort
// decode of the error payload.
func peekBody(resp *http.Response) ([]byte, errBody) {
	const limit = 1 << 20

	var payload errBody
	if resp.Body == nil {
		return nil, payload
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil {
		return buf, payload
	}
	_ = json.Unmarshal(buf, &payload)
	return buf, payload
}

// drainClose discards a response we are about to replace with a retry.
func drainClose(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
