package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wippyai/sandbox-runtime/errors"
)

// Guard is the completion signal for one asynchronous call. Complete
// must be invoked exactly once; a guard finished without a signal means
// the caller would never resume, so it is surfaced as a protocol error.
type Guard struct {
	done     chan struct{}
	once     sync.Once
	signaled atomic.Bool
	err      error
}

// NewGuard returns an unsignaled guard.
func NewGuard() *Guard {
	return &Guard{done: make(chan struct{})}
}

// Complete signals that the call finished, successfully when err is
// nil. Later calls are no-ops; the first signal wins.
func (g *Guard) Complete(err error) {
	g.once.Do(func() {
		g.err = err
		g.signaled.Store(true)
		close(g.done)
	})
}

// Signaled reports whether Complete has run.
func (g *Guard) Signaled() bool {
	return g.signaled.Load()
}

// Done exposes the completion channel for select loops.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}

// Await blocks until the call completes or ctx is done. A ctx error is
// returned as-is so callers can classify timeout versus cancellation.
func (g *Guard) Await(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the completion error. Only valid after Done is closed.
func (g *Guard) Err() error {
	return g.err
}

// abandon marks an unsignaled guard as a protocol failure. Used by
// Call.Finish; after abandon the guard reports completion so nothing
// blocks forever.
func (g *Guard) abandon() error {
	if g.Signaled() {
		return nil
	}
	err := errors.Protocol("completion signal never invoked")
	g.Complete(err)
	return err
}
