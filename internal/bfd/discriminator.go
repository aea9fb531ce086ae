package bfd

import (
	"sync"
)

// DiscriminatorAllocator generates unique, nonzero, monotonically increasing
// local discriminators for BFD sessions.
//
// Unlike RFC 5880 Section 6.8.1's SHOULD-random recommendation, this
// allocator is deliberately sequential: it starts at 1 and counts up,
// wrapping back to 1 after 2^32-1 allocations. A strictly increasing
// counter makes discriminator reuse observable (a wraparound is the only
// way two allocations can collide) and keeps collision detection entirely
// in the registry, which already rejects duplicate keys on insert.
//
// The zero value is never returned: RFC 5880 Section 6.8.6 step 7b treats
// zero as "Your Discriminator not yet known," so a session's own
// discriminator must never be zero.
type DiscriminatorAllocator struct {
	mu   sync.Mutex
	next uint32
}

// NewDiscriminatorAllocator creates an allocator whose first Allocate call
// returns 1.
func NewDiscriminatorAllocator() *DiscriminatorAllocator {
	return &DiscriminatorAllocator{next: 1}
}

// Allocate returns the next discriminator in sequence, starting at 1 and
// wrapping to 1 after 2^32-1. It never blocks and never fails: the
// registry rejects the value on insert if it collides with a
// caller-supplied discriminator already in use — wraparound collisions
// are vanishingly rare but are not ruled out by this counter alone.
func (d *DiscriminatorAllocator) Allocate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.next
	if d.next == 0xFFFFFFFF {
		d.next = 1
	} else {
		d.next++
	}

	return v
}

// Release is a no-op for the monotonic allocator: discriminators are never
// reused except via wraparound, so there is nothing to give back. The
// method is kept so callers (session teardown) do not need to special-case
// the allocator implementation.
func (d *DiscriminatorAllocator) Release(uint32) {}
