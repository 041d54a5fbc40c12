// Package tokenstore defines the scoped, expiring key/value store the
// session layer keeps credentials in, along with an in-memory
// implementation and a tamper-resistant AEAD-sealed wrapper.
package tokenstore

import (
	"time"

	"cboard.dev/panelclient/apipath"
)

// Scope selects how long a stored value outlives the process.
type Scope int

const (
	// Durable values survive browser restarts (localStorage-like).
	Durable Scope = iota
	// Ephemeral values are dropped when the tab closes (sessionStorage-like).
	Ephemeral
)

// TTLs applied to the credential keys.
const (
	AccessTokenTTL  = 24 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Store is scoped, expiring key/value storage. Implementations must treat
// each key as independently settable and removable; no multi-key
// transactions are required.
type Store interface {
	// Get returns the stored value, or nil if the key is absent or expired.
	Get(key string) ([]byte, error)
	// Set stores value under key with the given scope, expiring after ttl.
	// A ttl of zero means no expiry.
	Set(key string, value []byte, scope Scope, ttl time.Duration) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(key string) error
	// Clear removes every key in every scope.
	Clear() error
}

// TokenKey is the storage key for a role's access token.
func TokenKey(role apipath.Role) string {
	return string(role) + "_token"
}

// RefreshTokenKey is the storage key for a role's refresh token.
func RefreshTokenKey(role apipath.Role) string {
	return string(role) + "_refresh_token"
}

// PrincipalKey is the storage key for a role's stored user record. The two
// roles historically use different suffixes.
func PrincipalKey(role apipath.Role) string {
	if role == apipath.Admin {
		return "admin_user"
	}
	return "user_data"
}

// RoleScope returns the scope a role's credentials are stored under: admin
// sessions are durable, user sessions are tab-scoped.
func RoleScope(role apipath.Role) Scope {
	if role == apipath.Admin {
		return Durable
	}
	return Ephemeral
}

// ClearRole removes exactly the named role's three credential keys,
// leaving the other role untouched.
func ClearRole(s Store, role apipath.Role) error {
	for _, k := range []string{TokenKey(role), RefreshTokenKey(role), PrincipalKey(role)} {
		if err := s.Remove(k); err != nil {
			return err
		}
	}
	return nil
}
