// Package slab is a registry keyed by allocator-assigned indices instead of
// caller-chosen keys. Slots are reused through a free list, indices carry a
// generation so a recycled slot rejects deliveries aimed at its previous
// occupant.
package slab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fortio.org/safecast"

	"github.com/dshulyak/waitrsp"
)

// Index is the correlation handle for a slot. Packs the slot position and
// its allocation generation; the zero Index is never issued.
type Index uint64

func pack(pos int, gen uint32) Index {
	return Index(uint64(gen)<<32 | (uint64(pos) + 1))
}

func unpack(idx Index) (pos int, gen uint32, ok bool) {
	low := uint64(idx) & 0xffffffff
	if low == 0 {
		return 0, 0, false
	}
	pos, err := safecast.Conv[int](low - 1)
	if err != nil {
		return 0, 0, false
	}
	return pos, uint32(uint64(idx) >> 32), true
}

type slot[T any] struct {
	w   *waitrsp.Waiter[T] // nil while the slot is free
	gen uint32
}

// New returns an empty slab.
func New[T any]() *Slab[T] {
	return &Slab[T]{}
}

// Slab is a concurrent index-keyed waiter registry. The lock covers slot
// bookkeeping only and is never held across a blocking wait; a cell handed
// out by an allocation stays valid for its waiter even after the slot is
// freed and reused.
type Slab[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []int
	gen   uint32
	live  int
}

// NewWaiter allocates a slot and returns its index as the correlation
// handle, together with the guard that releases the slot.
func (s *Slab[T]) NewWaiter() (Index, *Guard[T]) {
	w := waitrsp.New[T]()
	s.mu.Lock()
	var pos int
	if n := len(s.free); n > 0 {
		pos = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		pos = len(s.slots)
		s.slots = append(s.slots, slot[T]{})
	}
	s.gen++
	s.slots[pos] = slot[T]{w: w, gen: s.gen}
	s.live++
	idx := pack(pos, s.gen)
	s.mu.Unlock()
	return idx, &Guard[T]{owner: s, idx: idx, w: w}
}

func (s *Slab[T]) lookup(idx Index) (*waitrsp.Waiter[T], bool) {
	pos, gen, ok := unpack(idx)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos >= len(s.slots) || s.slots[pos].gen != gen || s.slots[pos].w == nil {
		return nil, false
	}
	return s.slots[pos].w, true
}

// Set delivers rsp to the slot's waiter. Returns waitrsp.ErrNotFound for a
// freed, recycled or never-allocated index, or if another response won the
// slot first; the caller still owns rsp in that case.
func (s *Slab[T]) Set(idx Index, rsp T) error {
	w, ok := s.lookup(idx)
	if !ok || !w.Set(rsp) {
		return waitrsp.ErrNotFound
	}
	return nil
}

// CancelAll wakes every parked waiter without a response. In-flight waits
// observe waitrsp.ErrCanceled. Slots are released by their guards as usual.
func (s *Slab[T]) CancelAll() {
	s.mu.Lock()
	for i := range s.slots {
		if s.slots[i].w != nil {
			s.slots[i].w.Cancel()
		}
	}
	s.mu.Unlock()
}

// ForEach calls f with the index of every live slot. The snapshot is taken
// under the lock, f runs without it and may call back into the slab.
func (s *Slab[T]) ForEach(f func(idx Index)) {
	s.mu.Lock()
	indices := make([]Index, 0, s.live)
	for pos := range s.slots {
		if s.slots[pos].w != nil {
			indices = append(indices, pack(pos, s.slots[pos].gen))
		}
	}
	s.mu.Unlock()
	for _, idx := range indices {
		f(idx)
	}
}

// Len reports the number of live slots.
func (s *Slab[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Guard ties a slot's lifetime to the requesting side.
type Guard[T any] struct {
	owner    *Slab[T]
	idx      Index
	w        *waitrsp.Waiter[T]
	disposed atomic.Bool
}

// Index returns the slot's correlation handle.
func (g *Guard[T]) Index() Index {
	return g.idx
}

// Set delivers rsp to the guarded slot.
func (g *Guard[T]) Set(rsp T) error {
	return g.owner.Set(g.idx, rsp)
}

// Wait parks until a response for the guarded slot arrives. See
// waitrsp.Waiter.Wait for the outcome taxonomy.
func (g *Guard[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	return g.w.Wait(ctx, timeout)
}

// Dispose returns the slot to the free list. Idempotent. A wait still in
// flight on the old cell is unaffected by the slot's reuse.
func (g *Guard[T]) Dispose() {
	if !g.disposed.CompareAndSwap(false, true) {
		return
	}
	pos, gen, ok := unpack(g.idx)
	if !ok {
		return
	}
	s := g.owner
	s.mu.Lock()
	if pos < len(s.slots) && s.slots[pos].gen == gen && s.slots[pos].w == g.w {
		s.slots[pos].w = nil
		s.free = append(s.free, pos)
		s.live--
	}
	s.mu.Unlock()
}
