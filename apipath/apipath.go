// Package apipath classifies backend API paths by the principal that must
// authorize them. Classification is pure and re-evaluated per request: the
// same path can be reached from either panel, and the panel changes the
// answer for shared resources.
package apipath

import "strings"

// Role identifies which of the two concurrent sessions a request draws its
// credential from.
type Role string

const (
	// Public requests carry no credential and no CSRF header.
	Public Role = "public"
	// User requests authorize with the ordinary user session.
	User Role = "user"
	// Admin requests authorize with the administrator session.
	Admin Role = "admin"
)

// Panel is the application surface the current page belongs to. It only
// influences classification of resources shared between panels.
type Panel string

const (
	UserPanel  Panel = "user"
	AdminPanel Panel = "admin"
)

// PanelForPath returns the panel a page path belongs to.
func PanelForPath(pagePath string) Panel {
	if strings.HasPrefix(pagePath, "/admin") {
		return AdminPanel
	}
	return UserPanel
}

// publicPaths are endpoints that never carry authentication.
var publicPaths = []string{
	"/settings/public-settings",
	"/auth/login",
	"/auth/register",
	"/auth/login-json",
	"/auth/refresh",
	"/auth/forgot-password",
	"/auth/reset-password",
}

// adminPaths are path prefixes that always authorize as admin, regardless
// of which panel issued them.
var adminPaths = []string{
	"/admin",
	"/payment-config",
	"/software-config",
	"/config/admin",
	"/tickets/admin",
	"/coupons/admin",
}

// sharedPaths are user-scoped resources an admin panel may act on under
// admin authority.
var sharedPaths = []string{
	"/users/",
	"/tickets/",
}

// Classify maps a request path to the role that must authorize it. panel is
// the panel of the page issuing the request.
func Classify(path string, panel Panel) Role {
	for _, p := range publicPaths {
		if strings.HasPrefix(path, p) {
			return Public
		}
	}

	if strings.HasPrefix(path, "/admin") || strings.Contains(path, "/admin/") {
		return Admin
	}
	for _, p := range adminPaths {
		if strings.HasPrefix(path, p) {
			return Admin
		}
	}
	if panel == AdminPanel {
		for _, p := range sharedPaths {
			if strings.HasPrefix(path, p) {
				return Admin
			}
		}
	}

	return User
}
