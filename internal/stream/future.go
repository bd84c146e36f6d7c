package stream

import (
	"context"
	"sync"
)

// Future holds the final outcome of one attempt. It resolves exactly once.
type Future struct {
	once     sync.Once
	resolved chan struct{}
	settled  chan struct{}
	outcome  Outcome
}

func newFuture() *Future {
	return &Future{
		resolved: make(chan struct{}),
		settled:  make(chan struct{}),
	}
}

// resolve reports whether this call set the outcome.
func (f *Future) resolve(o Outcome) bool {
	won := false
	f.once.Do(func() {
		f.outcome = o
		won = true
		close(f.resolved)
	})
	return won
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.resolved
}

// Settled is closed once every continuation has returned.
func (f *Future) Settled() <-chan struct{} {
	return f.settled
}

func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.resolved:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Peek returns the outcome without blocking.
func (f *Future) Peek() (Outcome, bool) {
	select {
	case <-f.resolved:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}
