package transport

import (
	"context"
	"errors"
	"sync"

	"cboard.dev/panelclient/apipath"
)

// errWaitCancelled is returned to a waiter whose own context expired while
// another request's renewal was still pending. It is not a renewal
// failure: the renewal in flight still decides the session's fate.
var errWaitCancelled = errors.New("abandoned wait for pending renewal")

type renewalResult struct {
	token string
	err   error
}

// roleState is one role's renewal coordination record. At most one renewal
// per role is ever in flight; requests that hit a 401 while one is pending
// queue as waiters and observe its outcome.
type roleState struct {
	pending bool
	failed  bool
	waiters []chan renewalResult
}

// refreshGroup serializes renewal per role. The guarded invariants: no two
// renewal calls for the same role in flight, and every waiter settled with
// the renewal's outcome, in arrival order.
type refreshGroup struct {
	mu    sync.Mutex
	roles map[apipath.Role]*roleState
}

func (g *refreshGroup) state(role apipath.Role) *roleState {
	if g.roles == nil {
		g.roles = make(map[apipath.Role]*roleState)
	}
	st, ok := g.roles[role]
	if !ok {
		st = &roleState{}
		g.roles[role] = st
	}
	return st
}

// failedFor reports role's sticky failure flag.
func (g *refreshGroup) failedFor(role apipath.Role) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state(role).failed
}

// markFailed sets role's sticky failure flag. Further 401s for the role
// short-circuit to logout until reset clears it.
func (g *refreshGroup) markFailed(role apipath.Role) {
	g.mu.Lock()
	g.state(role).failed = true
	g.mu.Unlock()
}

// reset clears the sticky failure flag for every role. Called after a
// fresh login.
func (g *refreshGroup) reset() {
	g.mu.Lock()
	for _, st := range g.roles {
		st.failed = false
	}
	g.mu.Unlock()
}

// do runs fn as role's single renewal. If one is already pending, the call
// queues and returns that renewal's outcome instead of starting another;
// a waiter whose context expires first gets errWaitCancelled. On failure
// the leader marks the role failed before settling waiters.
func (g *refreshGroup) do(ctx context.Context, role apipath.Role, fn func(ctx context.Context) (string, error)) (string, error) {
	g.mu.Lock()
	st := g.state(role)
	if st.pending {
		ch := make(chan renewalResult, 1)
		st.waiters = append(st.waiters, ch)
		g.mu.Unlock()

		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", errWaitCancelled
		}
	}
	st.pending = true
	g.mu.Unlock()

	// The renewal outlives the request that happened to trigger it:
	// waiters queued behind this call must not lose the outcome to one
	// caller hanging up. fn applies its own timeout.
	token, err := fn(context.WithoutCancel(ctx))

	g.mu.Lock()
	if err != nil {
		st.failed = true
	}
	waiters := st.waiters
	st.waiters = nil
	st.pending = false
	g.mu.Unlock()

	// Buffered channels: settling never blocks, and waiters resolve in
	// arrival order.
	for _, ch := range waiters {
		ch <- renewalResult{token: token, err: err}
	}
	return token, err
}
