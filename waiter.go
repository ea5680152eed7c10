// Package waitrsp provides a request/response correlation primitive for
// goroutines. A goroutine that issued an asynchronous request parks on a
// Waiter and is woken exactly once when another goroutine delivers the
// response. Registries built on top of the cell live in the wmap, slab and
// token subpackages.
package waitrsp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout returned by Wait if no response arrived within the timeout.
	ErrTimeout = errors.New("waitrsp: timed out")
	// ErrCanceled returned by Wait if the waiter was woken by Cancel,
	// e.g. during registry teardown.
	ErrCanceled = errors.New("waitrsp: canceled")
	// ErrNotFound returned by registry Set if no live waiter took the
	// response. Caller still owns the value.
	ErrNotFound = errors.New("waitrsp: no waiter for rsp")
)

const (
	stateEmpty = iota
	stateWriting
	stateReady
	stateCanceled
)

// New returns an empty waiter.
func New[T any]() *Waiter[T] {
	return &Waiter[T]{ch: make(chan struct{}, 1)}
}

// Waiter is a single-slot handoff cell. One goroutine parks in Wait, any
// other goroutine delivers with Set or wakes it empty with Cancel.
// After a completed Wait the cell is empty again and may be reused.
type Waiter[T any] struct {
	state atomic.Uint32
	rsp   T
	// ch is private and 1-buffered. signal is sent strictly after the
	// state transition, so a wake always finds stateReady or stateCanceled.
	ch chan struct{}
}

// Set stores the response and wakes the parked goroutine. First writer wins:
// if a response or cancellation is already pending, rsp is not stored and
// Set reports false.
func (w *Waiter[T]) Set(rsp T) bool {
	if !w.state.CompareAndSwap(stateEmpty, stateWriting) {
		return false
	}
	w.rsp = rsp
	w.state.Store(stateReady)
	w.ch <- struct{}{}
	return true
}

// Cancel wakes the parked goroutine without a response, its Wait returns
// ErrCanceled. Reports false if a response already won the slot.
func (w *Waiter[T]) Cancel() bool {
	if !w.state.CompareAndSwap(stateEmpty, stateCanceled) {
		return false
	}
	w.ch <- struct{}{}
	return true
}

// Wait parks the calling goroutine until a response is delivered, the
// timeout elapses or ctx is done. Zero timeout waits indefinitely.
// Ctx errors are returned verbatim so external cancellation is
// distinguishable from ErrTimeout and ErrCanceled.
func (w *Waiter[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-w.ch:
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if w.state.Load() == stateCanceled {
		w.state.Store(stateEmpty)
		return zero, ErrCanceled
	}
	rsp := w.rsp
	w.rsp = zero
	w.state.Store(stateEmpty)
	return rsp, nil
}
