// Package smr implements the safe-memory-reclamation substrate the
// concurrent hash map is built on: an abstract contract (Reclaimer,
// RegionGuard, GuardedPointer, ConcurrentPtr) plus two concrete
// strategies, EpochReclaimer (the default) and HazardReclaimer. Readers
// use a Reclaimer to observe shared structures without racing a writer
// that is concurrently freeing them; writers use Retire to hand
// ownership of a removed object to the reclaimer instead of freeing it
// directly.
//
// The map package depends only on the interfaces in this file. Either
// concrete strategy below, or a user-supplied one, satisfies it.
package smr

import "unsafe"

// RegionGuard marks the calling goroutine as inside a critical section
// for as long as it is held. While any goroutine holds a region guard,
// objects retired after the guard was acquired are guaranteed to remain
// addressable. Release must be called exactly once.
type RegionGuard interface {
	Release()
}

// GuardedPointer is a RegionGuard scoped to a single heap object rather
// than to the calling goroutine's whole critical section. It is used
// when a pin must outlive the region it was acquired in, e.g. an
// Accessor handed back to a caller.
type GuardedPointer interface {
	RegionGuard
	// Address returns the pinned object.
	Address() unsafe.Pointer
}

// Reclaimer is the abstract contract every concrete SMR strategy
// satisfies. The map never assumes which discipline is in use
// (hazard-pointer-like, epoch-based, quiescent-state-based, ...) beyond
// this interface.
type Reclaimer interface {
	// EnterRegion marks the calling goroutine as a potential reader of
	// reclaimable memory for the lifetime of the returned guard.
	// Entering and exiting a region is wait-free on the fast path.
	EnterRegion() RegionGuard

	// Guard pins addr so it remains addressable until the returned
	// GuardedPointer is released, even across region boundaries.
	Guard(addr unsafe.Pointer) GuardedPointer

	// Retire hands ownership of p to the reclaimer. destroy is invoked
	// exactly once, only after no region guard or guarded pointer
	// referring to p can exist anymore. Retire itself is non-blocking.
	Retire(p unsafe.Pointer, destroy func(unsafe.Pointer))
}

// ConcurrentPtr is the mixin embedded by any object that may be
// referenced through a GuardedPointer. It carries a single retired
// flag, set by MarkRetired and reported by IsRetired; neither the
// reclaimers nor the map read it.
type ConcurrentPtr struct {
	retired uint32
}

// MarkRetired flags the owning object as handed to the reclaimer. It is
// advisory only: it does not block readers, and only callers of
// IsRetired observe it.
func (c *ConcurrentPtr) MarkRetired() {
	storeRetired(&c.retired, 1)
}

// IsRetired reports whether MarkRetired has been called.
func (c *ConcurrentPtr) IsRetired() bool {
	return loadRetired(&c.retired) != 0
}
