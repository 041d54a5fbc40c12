package guard

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"cboard.dev/panelclient/apipath"
	"cboard.dev/panelclient/session"
	"cboard.dev/panelclient/tokenstore"
)

// handoffKeyParam is the query parameter carrying a keyed handoff
// reference.
const handoffKeyParam = "sessionKey"

// HandoffTTL is how long a minted handoff payload stays consumable.
const HandoffTTL = 300 * time.Second

// HandoffPayload transfers an established session across a page boundary
// without a fresh credential exchange. It is single-use and expires.
type HandoffPayload struct {
	Token     string             `json:"token"`
	User      *session.Principal `json:"user"`
	Timestamp int64              `json:"timestamp"` // unix milliseconds

	// AdminToken and AdminUser optionally carry the administrator's own
	// session alongside, for the login-as-user flow: the admin keeps
	// their session while impersonating.
	AdminToken string             `json:"adminToken,omitempty"`
	AdminUser  *session.Principal `json:"adminUser,omitempty"`
}

// MintHandoff stores payload under a fresh single-use key in
// session-scoped storage and returns the key for the target page's URL.
func (g *Guard) MintHandoff(p HandoffPayload) (string, error) {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding handoff: %w", err)
	}
	key := uuid.NewString()
	if err := g.Handoffs.Set(key, raw, tokenstore.Ephemeral, HandoffTTL); err != nil {
		return "", fmt.Errorf("storing handoff: %w", err)
	}
	return key, nil
}

// consumeKeyedHandoff resolves a handoff reference against session-scoped
// storage. The stored payload is deleted on first read, successful or
// not. Returns false when the key resolved to nothing, letting the guard
// fall through to restoration.
func (g *Guard) consumeKeyedHandoff(target *url.URL, key string) (Decision, bool) {
	raw, err := g.Handoffs.Get(key)
	if err != nil {
		g.logger().Debug("handoff lookup failed", baseLogAttr, errAttr(err))
		return Decision{}, false
	}
	if raw == nil {
		return Decision{}, false
	}

	// Single use: gone before we even look inside.
	_ = g.Handoffs.Remove(key)

	var p HandoffPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		g.logger().Debug("undecodable handoff payload", baseLogAttr, errAttr(err))
		return Decision{}, false
	}

	if time.Since(time.UnixMilli(p.Timestamp)) > HandoffTTL {
		return Decision{Redirect: "/login", Notice: "login information has expired"}, true
	}

	g.installHandoff(p)

	// The handoff channel only ever lands on the user panel.
	path := target.Path
	if strings.HasPrefix(path, "/admin") {
		path = "/dashboard"
	}
	q := target.Query()
	q.Del(handoffKeyParam)
	return Decision{Redirect: buildURL(path, q), Replace: true}, true
}

// inlineUser is the "user" query parameter's shape: a principal with the
// admin sub-session smuggled in underscore fields.
type inlineUser struct {
	session.Principal
	AdminToken string             `json:"_adminToken"`
	AdminUser  *session.Principal `json:"_adminUser"`
}

// consumeInlineHandoff handles token+user arriving directly in the query.
// Same semantics as the keyed channel, without the storage indirection.
func (g *Guard) consumeInlineHandoff(target *url.URL, token, userParam string) (Decision, bool) {
	var u inlineUser
	if err := json.Unmarshal([]byte(userParam), &u); err != nil {
		g.logger().Debug("undecodable inline handoff", baseLogAttr, errAttr(err))
		return Decision{}, false
	}

	g.installHandoff(HandoffPayload{
		Token:      token,
		User:       &u.Principal,
		AdminToken: u.AdminToken,
		AdminUser:  u.AdminUser,
	})

	q := target.Query()
	q.Del("token")
	q.Del("user")
	return Decision{Redirect: buildURL(target.Path, q), Replace: true}, true
}

// installHandoff commits the payload's sessions. The outer payload is
// always installed non-admin, whatever it claims: this channel can never
// mint admin rights directly. An embedded admin sub-session is installed
// only when its own principal really is an administrator.
func (g *Guard) installHandoff(p HandoffPayload) {
	if p.AdminToken != "" && p.AdminUser != nil && p.AdminUser.IsAdmin {
		if err := g.Sessions.Install(apipath.Admin, p.AdminToken, p.AdminUser); err != nil {
			g.logger().Warn("installing handoff admin session", baseLogAttr, errAttr(err))
		}
	}

	outer := session.Principal{}
	if p.User != nil {
		outer = *p.User
	}
	outer.IsAdmin = false
	if err := g.Sessions.Install(apipath.User, p.Token, &outer); err != nil {
		g.logger().Warn("installing handoff user session", baseLogAttr, errAttr(err))
	}
}

func buildURL(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
