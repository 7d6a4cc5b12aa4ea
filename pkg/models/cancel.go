package models

import (
	"sync"
)

// CancelToken is the cooperative cancellation flag shared by reference
// between the queue, the worker pool and the execution backend. Backends
// are contracted to poll it at sub-task boundaries; nothing here preempts
// a running pipeline.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken creates an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel raises the flag. Safe to call multiple times and from any goroutine.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Canceled reports whether the flag has been raised.
func (t *CancelToken) Canceled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is raised, for select loops.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}
