package token

import (
	"sync"
	"sync/atomic"

	"fortio.org/safecast"
)

// claimedHandle marks a slot whose handle was won by a resolver but whose
// waiter reference is still being read. A slot never re-enters the free list
// while marked.
const claimedHandle = ^uint64(0)

// arenaSlot holds one outstanding handle. The handle word is the only
// synchronization point: issue publishes w before storing the handle,
// resolvers read w only after winning the CAS on it.
type arenaSlot struct {
	handle atomic.Uint64
	w      any
}

// arena is process-wide state scoped to this package, like the tag counter
// of the raw-address scheme it replaces. Slots are individually allocated so
// growing the table never relocates a slot a resolver may be claiming.
var arena struct {
	mu    sync.Mutex
	slots []*arenaSlot
	free  []int
}

// generation feeds the high half of every ID. 32 bits, wraps silently; a
// stale handle collides only if the same slot is reissued with the same
// generation while the old handle is still held.
var generation atomic.Uint32

func packID(pos int, gen uint32) ID {
	return ID(uint64(gen)<<32 | (uint64(pos) + 1))
}

// issue allocates a slot referencing w and returns its handle.
func issue(w any) ID {
	gen := generation.Add(1)
	arena.mu.Lock()
	var pos int
	if n := len(arena.free); n > 0 {
		pos = arena.free[n-1]
		arena.free = arena.free[:n-1]
	} else {
		pos = len(arena.slots)
		arena.slots = append(arena.slots, &arenaSlot{})
	}
	s := arena.slots[pos]
	arena.mu.Unlock()
	id := packID(pos, gen)
	s.w = w
	s.handle.Store(uint64(id))
	return id
}

// lookup bounds-checks the slot position encoded in id. The handle itself is
// verified by the caller's CAS; lookup never dereferences the waiter.
func lookup(id ID) (*arenaSlot, int, bool) {
	low := uint64(id) & 0xffffffff
	if low == 0 {
		return nil, 0, false
	}
	pos, err := safecast.Conv[int](low - 1)
	if err != nil {
		return nil, 0, false
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if pos >= len(arena.slots) {
		return nil, 0, false
	}
	return arena.slots[pos], pos, true
}

// release clears a claimed slot and returns it to the free list.
func release(s *arenaSlot, pos int) {
	s.w = nil
	s.handle.Store(0)
	arena.mu.Lock()
	arena.free = append(arena.free, pos)
	arena.mu.Unlock()
}
