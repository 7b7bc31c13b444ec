package smr

import "unsafe"

// ManagedPointer owns a heap object of type T that is shared across
// goroutines through a Reclaimer. Retire hands the object to a
// reclaimer instead of freeing it immediately; extracting it transfers
// ownership to the caller without retiring it, so the caller becomes
// responsible for what happens to it next (typically installing it
// into another ManagedPointer or letting it become garbage once no
// reader can still observe it). There is no operation that stores a
// new object into an existing ManagedPointer.
type ManagedPointer[T any] struct {
	ConcurrentPtr
	value *T
}

// NewManagedPointer wraps v for sharing through a Reclaimer.
func NewManagedPointer[T any](v *T) *ManagedPointer[T] {
	return &ManagedPointer[T]{value: v}
}

// Value returns the owned object. Callers must hold a RegionGuard or
// GuardedPointer covering this read.
func (m *ManagedPointer[T]) Value() *T {
	return m.value
}

// Retire hands the owned object to r for deferred destruction and
// marks this pointer retired. It satisfies the unexported retirer
// interface the map's Erase path uses to release removed values
// without depending on smr's concrete types.
func (m *ManagedPointer[T]) Retire(r Reclaimer) {
	if m == nil || m.value == nil {
		return
	}
	m.MarkRetired()
	v := m.value
	r.Retire(unsafe.Pointer(v), func(unsafe.Pointer) {
		_ = v // keep v reachable until the reclaimer decides it is safe to drop
	})
}

// Extract transfers ownership of the held object to the caller without
// retiring it: the returned pointer is not handed to any reclaimer by
// this call, so the caller owns its lifetime from this point on.
func (m *ManagedPointer[T]) Extract() *T {
	if m == nil {
		return nil
	}
	return m.value
}
