// Package panelclient wires the subscription-panel client SDK together:
// token store, dual-role session manager, interceptor transport, and
// navigation guard. The application installs the transport on its HTTP
// client at bootstrap and runs the guard before every route transition.
package panelclient

import (
	"context"
	"log/slog"
	"net/http"

	"cboard.dev/panelclient/api"
	"cboard.dev/panelclient/apipath"
	"cboard.dev/panelclient/guard"
	"cboard.dev/panelclient/session"
	"cboard.dev/panelclient/tokenstore"
	"cboard.dev/panelclient/transport"
)

// Config configures a Client. The zero value is usable for tests; a real
// application supplies at least BaseURL and Env.
type Config struct {
	// BaseURL is the backend origin plus API mount point. Defaults to
	// [api.DefaultBaseURL], which assumes a same-origin dev proxy.
	BaseURL string

	// Env is the browser surface: current path, navigation, visibility,
	// cookies.
	Env transport.Env

	// Base is the underlying HTTP transport. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	// Store persists credentials. Defaults to an in-memory store sealed
	// with a process-local AEAD key.
	Store tokenstore.Store

	// Notify surfaces inline user-facing messages.
	Notify func(message string)

	// ThemeLoader is the post-login theme side effect; failures are
	// swallowed.
	ThemeLoader func(ctx context.Context) error

	// Routes overrides the guard's route table.
	Routes func(path string) guard.RouteMeta

	// DisableAdminFallback turns off the admin-acts-for-user token
	// fallback.
	DisableAdminFallback bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client is the assembled SDK.
type Client struct {
	// HTTP carries the interceptor transport; route every backend call
	// through it.
	HTTP *http.Client
	// API is the endpoint surface, already bound to HTTP.
	API *api.Client
	// Sessions is the dual-role session manager.
	Sessions *session.Manager
	// Transport is the interceptor pipeline, exposed for installing on
	// additional clients.
	Transport *transport.Transport
	// Guard runs before each route transition.
	Guard *guard.Guard

	env transport.Env
}

// ClearAuthCache is the recovery hammer for corrupted credential state:
// it logs out both roles, wipes the store entirely, and navigates to the
// login page.
func (c *Client) ClearAuthCache() {
	c.Sessions.LogoutAll()
	if c.env != nil {
		c.env.Navigate("/login")
	}
}

// New assembles a Client and restores the session for the current page's
// panel from storage.
func New(cfg Config) (*Client, error) {
	store := cfg.Store
	if store == nil {
		var err error
		store, err = tokenstore.NewProcessSealedStore(tokenstore.NewMemStore())
		if err != nil {
			return nil, err
		}
	}

	t := &transport.Transport{
		Base:                 cfg.Base,
		Env:                  cfg.Env,
		BasePath:             cfg.BaseURL,
		Notify:               cfg.Notify,
		DisableAdminFallback: cfg.DisableAdminFallback,
		Logger:               cfg.Logger,
	}

	httpClient := &http.Client{Transport: t}
	apiClient := &api.Client{BaseURL: cfg.BaseURL, HTTPClient: httpClient}

	sessions, err := session.New(session.Config{
		API:          apiClient,
		Store:        store,
		ThemeLoader:  cfg.ThemeLoader,
		RenewalReset: t.ResetRenewalFailure,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	t.Sessions = sessions

	// The reachability probe bypasses the interceptor: it must not mutate
	// session state, only answer "is the backend there".
	probeAPI := &api.Client{BaseURL: cfg.BaseURL, HTTPClient: &http.Client{Transport: cfg.Base}}
	t.Probe = func(ctx context.Context) error {
		_, err := probeAPI.PublicSettings(ctx)
		return err
	}
	t.Init()

	g := &guard.Guard{
		Sessions: sessions,
		Handoffs: store,
		Routes:   cfg.Routes,
		Logger:   cfg.Logger,
	}

	if cfg.Env != nil {
		role := apipath.User
		if apipath.PanelForPath(cfg.Env.Path()) == apipath.AdminPanel {
			role = apipath.Admin
		}
		if _, err := sessions.Restore(role); err != nil && cfg.Logger != nil {
			cfg.Logger.Debug("initial session restore failed", "err", err)
		}
	}

	return &Client{
		HTTP:      httpClient,
		API:       apiClient,
		Sessions:  sessions,
		Transport: t,
		Guard:     g,
		env:       cfg.Env,
	}, nil
}
