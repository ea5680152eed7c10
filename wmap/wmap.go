// Package wmap multiplexes many in-flight requests over caller-chosen
// correlation keys, one waiter per live key.
package wmap

import (
	"context"
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/dshulyak/waitrsp"
)

// ErrKeyInUse returned by NewWaiter if the key already has a live waiter.
// Silently replacing the old waiter would lose it.
var ErrKeyInUse = errors.New("wmap: key already in use")

const shardCount = 16

type shard[K comparable, T any] struct {
	mu      sync.Mutex
	waiters map[K]*waitrsp.Waiter[T]
	_       cpu.CacheLinePad
}

// New returns an empty map.
func New[K comparable, T any]() *Map[K, T] {
	m := &Map[K, T]{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].waiters = make(map[K]*waitrsp.Waiter[T])
	}
	return m
}

// Map is a concurrent registry from keys to waiters. Locks are sharded and
// held only around map mutations, never across a blocking wait. A waiter
// obtained by lookup stays valid for the whole wait because entries are
// individually heap-allocated.
type Map[K comparable, T any] struct {
	seed   maphash.Seed
	shards [shardCount]shard[K, T]
}

func (m *Map[K, T]) shardFor(key K) *shard[K, T] {
	return &m.shards[maphash.Comparable(m.seed, key)%shardCount]
}

// NewWaiter registers a fresh waiter under key and returns its guard.
// The guard must be disposed once the wait is over, regardless of outcome.
func (m *Map[K, T]) NewWaiter(key K) (*Guard[K, T], error) {
	s := m.shardFor(key)
	s.mu.Lock()
	if _, ok := s.waiters[key]; ok {
		s.mu.Unlock()
		return nil, ErrKeyInUse
	}
	w := waitrsp.New[T]()
	s.waiters[key] = w
	s.mu.Unlock()
	return &Guard[K, T]{owner: m, key: key, w: w}, nil
}

// Set delivers rsp to the waiter registered under key. Returns
// waitrsp.ErrNotFound if there is no live waiter or another response won the
// slot first; the caller still owns rsp in that case.
func (m *Map[K, T]) Set(key K, rsp T) error {
	s := m.shardFor(key)
	s.mu.Lock()
	w, ok := s.waiters[key]
	s.mu.Unlock()
	if !ok || !w.Set(rsp) {
		return waitrsp.ErrNotFound
	}
	return nil
}

// CancelAll wakes every parked waiter without a response. In-flight waits
// observe waitrsp.ErrCanceled. Entries are removed by their guards as usual.
func (m *Map[K, T]) CancelAll() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, w := range s.waiters {
			w.Cancel()
		}
		s.mu.Unlock()
	}
}

// ForEach calls f with the key of every live entry. The snapshot is taken
// per shard, f runs without locks held and may call back into the map.
func (m *Map[K, T]) ForEach(f func(key K)) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		keys := make([]K, 0, len(s.waiters))
		for key := range s.waiters {
			keys = append(keys, key)
		}
		s.mu.Unlock()
		for _, key := range keys {
			f(key)
		}
	}
}

// Len reports the number of live entries.
func (m *Map[K, T]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.waiters)
		s.mu.Unlock()
	}
	return n
}

// Guard ties the registry entry's lifetime to the requesting side.
type Guard[K comparable, T any] struct {
	owner    *Map[K, T]
	key      K
	w        *waitrsp.Waiter[T]
	disposed atomic.Bool
}

// Key returns the correlation key of the entry.
func (g *Guard[K, T]) Key() K {
	return g.key
}

// Wait parks until a response for the guarded key arrives. See
// waitrsp.Waiter.Wait for the outcome taxonomy.
func (g *Guard[K, T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	return g.w.Wait(ctx, timeout)
}

// Dispose removes the entry from the registry. Idempotent; removes exactly
// once even if a new waiter has since been registered under the same key.
func (g *Guard[K, T]) Dispose() {
	if !g.disposed.CompareAndSwap(false, true) {
		return
	}
	s := g.owner.shardFor(g.key)
	s.mu.Lock()
	if s.waiters[g.key] == g.w {
		delete(s.waiters, g.key)
	}
	s.mu.Unlock()
}
