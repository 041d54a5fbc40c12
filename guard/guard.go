// Package guard reconciles session state before every client-side route
// transition: it consumes one-time login handoffs, restores sessions from
// storage, and enforces page-level authorization. A failure inside the
// guard never blocks navigation; it logs and lets the ordinary gating
// catch up on the next transition.
package guard

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"cboard.dev/panelclient/apipath"
	"cboard.dev/panelclient/session"
	"cboard.dev/panelclient/tokenstore"
)

var baseLogAttr = slog.String("component", "guard")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// RouteMeta is the authorization requirement of a destination.
type RouteMeta struct {
	// RequiresAuth destinations redirect unauthenticated visitors to the
	// role-appropriate login page.
	RequiresAuth bool
	// RequiresAdmin destinations additionally require an administrator
	// principal.
	RequiresAdmin bool
	// RequiresGuest destinations redirect authenticated visitors to their
	// dashboard.
	RequiresGuest bool
}

// Decision is the guard's verdict on a transition. The zero value allows
// it.
type Decision struct {
	// Redirect, when non-empty, is where navigation must go instead.
	Redirect string
	// Replace indicates the redirect should replace the current history
	// entry rather than push one. Set when stripping handoff material
	// from the URL.
	Replace bool
	// Notice is an optional user-facing message accompanying the
	// redirect.
	Notice string
}

// Allowed reports whether the transition may proceed unchanged.
func (d Decision) Allowed() bool { return d.Redirect == "" }

// Guard runs before every route transition.
type Guard struct {
	// Sessions is the dual-role session manager. Required.
	Sessions *session.Manager
	// Handoffs is the session-scoped storage handoff payloads are minted
	// into and consumed from. Required for session-key handoff.
	Handoffs tokenstore.Store
	// Routes maps a destination path to its authorization requirements.
	// If nil, DefaultRoutes is used.
	Routes func(path string) RouteMeta
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// BeforeEach evaluates a route transition to target. Unexpected failures
// are swallowed: the transition proceeds unauthenticated and step-4 gating
// applies on the next pass.
func (g *Guard) BeforeEach(target *url.URL) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger().Warn("guard failure, allowing navigation", baseLogAttr, slog.Any("panic", r))
			d = Decision{}
		}
	}()
	return g.beforeEach(target)
}

func (g *Guard) beforeEach(target *url.URL) Decision {
	q := target.Query()

	// 1. Handoff indirected through a session key.
	if key := q.Get(handoffKeyParam); key != "" {
		if d, consumed := g.consumeKeyedHandoff(target, key); consumed {
			return d
		}
	}

	// 2. Handoff inline in the query.
	if tok, usr := q.Get("token"), q.Get("user"); tok != "" && usr != "" {
		if d, consumed := g.consumeInlineHandoff(target, tok, usr); consumed {
			return d
		}
	}

	// 3. Restore the destination role's session from storage.
	role := roleForPath(target.Path)
	if _, err := g.Sessions.Restore(role); err != nil {
		g.logger().Debug("session restore failed", baseLogAttr, slog.String("role", string(role)), errAttr(err))
	}

	// 4. Authorization gating.
	meta := g.routes(target.Path)
	if d := g.gate(target.Path, role, meta); !d.Allowed() {
		return d
	}

	// 5. Root path resolution.
	if target.Path == "/" {
		return Decision{Redirect: g.rootDestination()}
	}
	return Decision{}
}

func (g *Guard) gate(path string, role apipath.Role, meta RouteMeta) Decision {
	userAuthed := g.Sessions.Session(apipath.User).Authenticated()
	adminAuthed := g.Sessions.Session(apipath.Admin).Authenticated()
	adminPrincipal := g.Sessions.Session(apipath.Admin).Principal()
	isAdmin := adminAuthed && adminPrincipal != nil && adminPrincipal.IsAdmin

	// The admin requirement is checked first: an authenticated plain user
	// wandering into the admin panel belongs on their own dashboard, not
	// on the admin login page.
	if meta.RequiresAdmin && !isAdmin {
		if userAuthed {
			return Decision{Redirect: "/dashboard"}
		}
		return Decision{Redirect: "/admin/login"}
	}

	if meta.RequiresAuth {
		authed := userAuthed
		if role == apipath.Admin {
			authed = adminAuthed
		}
		if !authed {
			if role == apipath.Admin {
				return Decision{Redirect: "/admin/login"}
			}
			return Decision{Redirect: "/login"}
		}
	}

	if meta.RequiresGuest {
		// The two login pages are distinct destinations: an authenticated
		// visitor of the wrong kind is sent to the other one, not to a
		// dashboard.
		switch path {
		case "/admin/login":
			if isAdmin {
				return Decision{Redirect: "/admin/dashboard"}
			}
			if userAuthed {
				return Decision{Redirect: "/login"}
			}
		case "/login":
			if isAdmin && !userAuthed {
				return Decision{Redirect: "/admin/login"}
			}
			if userAuthed {
				return Decision{Redirect: "/dashboard"}
			}
		default:
			if isAdmin {
				return Decision{Redirect: "/admin/dashboard"}
			}
			if userAuthed {
				return Decision{Redirect: "/dashboard"}
			}
		}
	}

	return Decision{}
}

func (g *Guard) rootDestination() string {
	if g.Sessions.Session(apipath.User).Authenticated() {
		return "/dashboard"
	}
	adm := g.Sessions.Session(apipath.Admin)
	if adm.Authenticated() {
		if p := adm.Principal(); p != nil && p.IsAdmin {
			return "/admin/dashboard"
		}
	}
	return "/login"
}

func (g *Guard) routes(path string) RouteMeta {
	if g.Routes != nil {
		return g.Routes(path)
	}
	return DefaultRoutes(path)
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func roleForPath(path string) apipath.Role {
	if apipath.PanelForPath(path) == apipath.AdminPanel {
		return apipath.Admin
	}
	return apipath.User
}

// userSections are the authenticated user-panel page roots.
var userSections = []string{
	"dashboard", "subscription", "devices", "packages", "orders", "nodes",
	"help", "profile", "login-history", "tickets", "settings", "tutorials",
	"invites", "payment",
}

// DefaultRoutes is the stock route table: guest-only auth pages, an
// authenticated user panel, and an admin panel requiring admin privilege.
func DefaultRoutes(path string) RouteMeta {
	switch path {
	case "/login", "/register", "/forgot-password", "/admin/login":
		return RouteMeta{RequiresGuest: true}
	}
	if strings.HasPrefix(path, "/admin") {
		return RouteMeta{RequiresAuth: true, RequiresAdmin: true}
	}
	for _, s := range userSections {
		if path == "/"+s || strings.HasPrefix(path, fmt.Sprintf("/%s/", s)) {
			return RouteMeta{RequiresAuth: true}
		}
	}
	return RouteMeta{}
}
