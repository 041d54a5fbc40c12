// Package api holds the thin wrappers over the backend's REST endpoints
// that the session layer consumes. One method per route, no business
// logic; the interceptor transport on the supplied [http.Client] is what
// attaches credentials.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the conventional mount point of the backend API.
	DefaultBaseURL = "/api/v1"

	// RequestTimeout bounds ordinary API calls.
	RequestTimeout = 60 * time.Second
	// RefreshTimeout bounds the token-renewal call, which blocks queued
	// requests and so gets a much tighter budget.
	RefreshTimeout = 5 * time.Second
	// ProbeTimeout bounds the connectivity probe.
	ProbeTimeout = 10 * time.Second
)

// Client issues requests against the panel backend.
type Client struct {
	// BaseURL is the backend origin plus API mount point, e.g.
	// "https://panel.example.com/api/v1". If empty, DefaultBaseURL is used.
	BaseURL string

	// HTTPClient executes requests. If nil, http.DefaultClient is used.
	// Install the interceptor transport here at bootstrap.
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) url(path string) string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/") + path
}

// do issues a JSON request and decodes a successful response into out.
// Non-2xx responses are returned as *Error. extraHeaders may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any, extraHeaders http.Header) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range extraHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// envelope is the backend's optional {success, data} wrapper. Some routes
// return the payload bare, so Data falls back to the whole body.
type envelope struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// unwrap decodes body into out, looking through the {success, data}
// envelope when one is present.
func unwrap(body json.RawMessage, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		body = env.Data
	}
	return json.Unmarshal(body, out)
}
