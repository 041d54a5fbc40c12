package transport

import "sync"

// CSRFHeader is the header the token rides on, both directions.
const CSRFHeader = "X-CSRF-Token"

// csrfCache is the process-wide CSRF token, opportunistically refreshed
// from response headers or cookies and replaced when the backend rejects
// a stale one.
type csrfCache struct {
	mu    sync.Mutex
	token string
}

func (c *csrfCache) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *csrfCache) set(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *csrfCache) clear() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
