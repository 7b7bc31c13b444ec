package vyumap

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-vyukov/vyumap/internal/cacheline"
)

// slotsPerBucket is chosen so a bucket's meta word, its slot pointers
// and its chain pointer together fill exactly one cache line on a
// 64-bit platform (8 + 6*8 + 8 = 64 bytes), so a bucket lock and scan
// touch a single cache line instead of spreading across two.
const slotsPerBucket = 6

const (
	// opByteIdx reserves the top byte of the meta word for bucket
	// status flags, leaving the low 48 bits for six one-byte slot
	// tags.
	opByteIdx = 7

	lockMask   uint64 = 1 << (opByteIdx*8 + 7)
	frozenMask uint64 = 1 << (opByteIdx*8 + 6)

	// metaTagMask selects the top bit of each of the six tag bytes,
	// used to test "is this slot occupied" across all slots at once.
	metaTagMask uint64 = 0x0000808080808080

	// slotTagBit is forced into every occupied slot's tag byte so a
	// live tag is never numerically equal to the empty value 0.
	slotTagBit uint8 = 0x80
)

// entry is the heap-allocated node a bucket slot points to. Readers
// reach it through an unsafe.Pointer load validated against the
// bucket's version word, so they never observe a torn write.
type entry[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
}

// bucket is one slot array in the hash table, optionally chained to
// further extension buckets holding the same logical bucket's
// overflow. Concurrent access is governed by the meta word: the lock
// bit guards slot mutation, the frozen bit marks a bucket that has
// already been migrated to the growth coordinator's next table, and
// the low 48 bits are a SWAR-searchable array of occupancy tags.
type bucket[K comparable, V any] struct {
	meta uint64

	slots [slotsPerBucket]unsafe.Pointer // *entry[K, V]
	next  unsafe.Pointer                 // *bucket[K, V]

	//lint:ignore U1000 prevents false sharing between adjacent buckets
	_ [(cacheline.Size - bucketPayloadSize%cacheline.Size) % cacheline.Size]byte
}

// bucketPayloadSize is the size in bytes of bucket's fields above the
// padding, computed separately because an array length must be a
// constant expression and unsafe.Sizeof of the bucket type itself would
// be circular.
const bucketPayloadSize = 8 + slotsPerBucket*8 + 8

// lock acquires the bucket's spinlock. It is a CAS fast path with a
// spin-then-yield slow path, trading a real mutex for cache locality:
// the lock bit lives in the same word the scan already has to load.
func (b *bucket[K, V]) lock() {
	cur := atomic.LoadUint64(&b.meta)
	if cur&lockMask == 0 && atomic.CompareAndSwapUint64(&b.meta, cur, cur|lockMask) {
		return
	}
	b.slowLock()
}

func (b *bucket[K, V]) slowLock() {
	var bo backoffSpin
	for !b.tryLock() {
		bo.spin()
	}
}

func (b *bucket[K, V]) tryLock() bool {
	cur := atomic.LoadUint64(&b.meta)
	if cur&lockMask != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(&b.meta, cur, cur|lockMask)
}

// unlock releases the spinlock. Callers must hold it.
func (b *bucket[K, V]) unlock() {
	atomic.AndUint64(&b.meta, ^lockMask)
}

// frozen reports whether the growth coordinator has already migrated
// this bucket's contents to the table's next generation. Callers must
// hold the bucket lock, or accept that the result may be stale by the
// time it's acted on (the read-side retry path handles that case).
func (b *bucket[K, V]) frozen() bool {
	return atomic.LoadUint64(&b.meta)&frozenMask != 0
}

// freeze marks the bucket migrated. Callers must hold the lock.
func (b *bucket[K, V]) freeze() {
	atomic.OrUint64(&b.meta, frozenMask)
}

// version returns the current meta word, used by optimistic readers
// to detect a concurrent mutation across an unsynchronized scan.
func (b *bucket[K, V]) version() uint64 {
	return atomic.LoadUint64(&b.meta)
}

func tagOf(meta uint64, idx int) uint8 {
	return uint8(meta >> (idx * 8))
}

// occupiedSlots returns a SWAR mask with the tag bit set for every
// occupied slot in meta, for iterating occupied indices without
// touching the pointer array.
func occupiedSlots(meta uint64) uint64 {
	return meta & metaTagMask
}

// matchTag returns a SWAR mask marking every slot in meta whose tag
// byte equals want, via the broadcast-xor-then-zero-search idiom.
func matchTag(meta uint64, want uint8) uint64 {
	x := meta ^ broadcast(want)
	return markZeroBytes(x) & metaTagMask
}

func loadSlot[K comparable, V any](b *bucket[K, V], idx int) *entry[K, V] {
	return (*entry[K, V])(atomic.LoadPointer(&b.slots[idx]))
}

func storeSlot[K comparable, V any](b *bucket[K, V], idx int, e *entry[K, V]) {
	atomic.StorePointer(&b.slots[idx], unsafe.Pointer(e))
}

func loadNext[K comparable, V any](b *bucket[K, V]) *bucket[K, V] {
	return (*bucket[K, V])(atomic.LoadPointer(&b.next))
}

func storeNext[K comparable, V any](b *bucket[K, V], n *bucket[K, V]) {
	atomic.StorePointer(&b.next, unsafe.Pointer(n))
}
