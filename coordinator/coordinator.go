// Package coordinator guards a single form against stale results.
//
// Every submission calls Begin, which cancels the previous attempt and
// hands out a new version. A result may only change visible state through
// Apply, which runs the mutation under the coordinator's lock and only if
// the version is still current. Cancellation is best effort; the version
// check is what guarantees that a superseded response is never applied.
package coordinator

import (
	"context"
	"errors"
	"sync"
)

// Attempt is one submission from a form.
type Attempt struct {
	Version uint64
	Ctx     context.Context
}

// Coordinator tracks the current attempt of one form or flow instance.
// The zero value is not usable; call New.
type Coordinator struct {
	mu      sync.Mutex
	version uint64
	cancel  context.CancelFunc
	closed  bool
}

// New returns a Coordinator with no attempt in flight.
func New() *Coordinator {
	return &Coordinator{}
}

// Begin starts a new attempt derived from parent. The previous attempt, if
// any, is cancelled and becomes stale.
func (c *Coordinator) Begin(parent context.Context) Attempt {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.version++
	if c.closed {
		cancel()
		c.cancel = nil
	} else {
		c.cancel = cancel
	}
	return Attempt{Version: c.version, Ctx: ctx}
}

// IsCurrent reports whether version is the latest attempt and the
// coordinator has not been closed.
func (c *Coordinator) IsCurrent(version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && version == c.version
}

// Apply runs fn if version is still current. The check and fn run under
// the same lock, so a concurrent Begin cannot slip in between them.
func (c *Coordinator) Apply(version uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || version != c.version {
		return false
	}
	fn()
	return true
}

// Finish releases the context of version once its result has been
// handled. It is a no-op for stale versions.
func (c *Coordinator) Finish(version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.version && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Close aborts the in-flight attempt and marks every outstanding version
// stale. Attempts started after Close are born cancelled and never apply.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.version++
	c.closed = true
}

// IsCanceled reports whether err stems from a superseded or aborted
// attempt. Such errors are expected and are not shown to users.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
