package transport

import (
	"context"
	"sync"
	"time"
)

// probeDelay debounces reachability probes after a connectivity failure.
const probeDelay = 2 * time.Second

// prober schedules at most one pending backend reachability probe. A probe
// is scheduled after a connectivity failure and fired immediately when the
// page becomes visible again.
type prober struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// schedule arms the debounced probe if none is pending.
func (p *prober) schedule(fire func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return
	}
	p.pending = true
	p.timer = time.AfterFunc(probeDelay, func() {
		p.mu.Lock()
		p.pending = false
		p.timer = nil
		p.mu.Unlock()
		fire()
	})
}

// cancel disarms any pending probe.
func (p *prober) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = false
}

// onVisible is the page-visibility hook: drop any pending probe and test
// the connection right away.
func (t *Transport) onVisible() {
	t.probe.cancel()
	t.probeNow()
}

func (t *Transport) probeNow() {
	if t.Probe == nil {
		return
	}
	go func() {
		if err := t.Probe(context.Background()); err != nil {
			t.logger().Debug("connection probe failed", baseLogAttr, errAttr(err))
		}
	}()
}
