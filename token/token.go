// Package token correlates requests through self-describing handles instead
// of a registry. A handle encodes the waiter's arena slot and a rotating
// generation, so resolving it needs no lookup by key and a stale, foreign or
// replayed handle is rejected without ever touching waiter memory.
package token

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dshulyak/waitrsp"
)

var (
	// ErrAlreadyIssued returned by ID if an unconsumed handle is
	// outstanding. Handles are single-use, one at a time.
	ErrAlreadyIssued = errors.New("token: id already issued")
	// ErrInvalidHandle returned when a handle fails decoding, liveness
	// verification or decryption. Covers stale, consumed, foreign and
	// tampered handles alike.
	ErrInvalidHandle = errors.New("token: invalid handle")
)

// ID is an opaque single-use correlation handle, typically serialized into
// an outgoing request. The zero ID is never issued.
type ID uint64

// New returns a waiter with no handle outstanding.
func New[T any]() *Waiter[T] {
	return &Waiter[T]{cell: waitrsp.New[T]()}
}

// Waiter is a handoff cell addressed by ID rather than shared reference.
// The cycle is: ID, hand the handle out, Wait; once the response is
// delivered through the handle the waiter is reusable and ID may be called
// again.
type Waiter[T any] struct {
	cell   *waitrsp.Waiter[T]
	issued atomic.Uint64
}

// ID issues the handle for this waiter. Returns ErrAlreadyIssued while a
// previous handle is outstanding.
func (t *Waiter[T]) ID() (ID, error) {
	if t.issued.Load() != 0 {
		return 0, ErrAlreadyIssued
	}
	id := issue(t)
	if !t.issued.CompareAndSwap(0, uint64(id)) {
		// lost the race to a concurrent ID call, withdraw our slot
		if s, pos, ok := lookup(id); ok && s.handle.CompareAndSwap(uint64(id), claimedHandle) {
			release(s, pos)
		}
		return 0, ErrAlreadyIssued
	}
	return id, nil
}

// Wait parks until a response arrives through the issued handle. See
// waitrsp.Waiter.Wait for the outcome taxonomy.
func (t *Waiter[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	return t.cell.Wait(ctx, timeout)
}

// Revoke withdraws an outstanding handle so it can no longer deliver, and
// frees its arena slot. Reports false if no handle is outstanding or a
// delivery already claimed it.
func (t *Waiter[T]) Revoke() bool {
	v := t.issued.Load()
	if v == 0 {
		return false
	}
	s, pos, ok := lookup(ID(v))
	if !ok || !s.handle.CompareAndSwap(v, claimedHandle) {
		return false
	}
	release(s, pos)
	t.issued.CompareAndSwap(v, 0)
	return true
}

// SetRsp delivers rsp through a handle. Verification order matters: the CAS
// on the slot's handle word both proves the handle is the current unconsumed
// one and invalidates it, so the same handle can never resolve twice. Any
// verification failure is reported as ErrInvalidHandle and has no side
// effect. A handle that verifies but finds the cell still holding an
// unconsumed response is spent, and the refused payload is reported with
// waitrsp.ErrNotFound; the caller still owns rsp.
func SetRsp[T any](id ID, rsp T) error {
	s, pos, ok := lookup(id)
	if !ok {
		return ErrInvalidHandle
	}
	if !s.handle.CompareAndSwap(uint64(id), claimedHandle) {
		return ErrInvalidHandle
	}
	t, ok := s.w.(*Waiter[T])
	if !ok {
		// a live handle for a different payload type, not ours to consume
		s.handle.Store(uint64(id))
		return ErrInvalidHandle
	}
	release(s, pos)
	// clear before waking so the woken goroutine may reissue immediately
	t.issued.CompareAndSwap(uint64(id), 0)
	if !t.cell.Set(rsp) {
		return waitrsp.ErrNotFound
	}
	return nil
}
