package vyumap

import (
	"hash/maphash"
	"math/bits"
)

// HashFunc computes a 64-bit digest for key, seeded so independent
// maps (or independent instances within a process) do not share a
// hash-flooding-susceptible ordering. WithHasher installs a custom
// one; the default wraps hash/maphash.
type HashFunc[K comparable] func(key K, seed uintptr) uint64

// defaultHasher hashes an arbitrary comparable key via
// hash/maphash.Comparable rather than the type-punning tricks some
// generic map implementations use to reach into the runtime's map
// hasher: hashing arbitrary keys well is a problem of its own, and
// maphash already solves it without depending on unexported runtime
// layout.
func defaultHasher[K comparable]() HashFunc[K] {
	seed := maphash.MakeSeed()
	return func(key K, extra uintptr) uint64 {
		return maphash.Comparable(seed, key) ^ uint64(extra)
	}
}

// spread improves distribution for hash values whose entropy is
// concentrated in the high bits by folding them down into the low
// bits used for bucket selection.
func spread(h uint64) uint64 {
	return h ^ (h >> 16)
}

// h1 extracts the bucket index's hash component.
func h1(h uint64) uint64 {
	return spread(h) >> 7
}

// h2 extracts the byte-level tag stored in a bucket's meta word for
// fast in-bucket filtering; the top bit is forced on so a tag byte is
// never confused with an empty slot (whose tag byte is zero).
func h2(h uint64) uint8 {
	return uint8(spread(h)) | slotTagBit
}

// broadcast replicates b into every byte of a uint64, used to build
// SWAR comparison masks against a bucket's meta word.
func broadcast(b uint8) uint64 {
	return 0x0101010101010101 * uint64(b)
}

// firstMarkedByteIndex returns the index of the lowest marked byte in
// a SWAR comparison result.
func firstMarkedByteIndex(w uint64) int {
	return bits.TrailingZeros64(w) >> 3
}

// markZeroBytes implements the classic SWAR zero-byte search: bytes
// equal to zero in w end up with their top bit set in the result
// (other bytes may also be marked and must be filtered by metaTagMask
// by the caller).
func markZeroBytes(w uint64) uint64 {
	return (w - 0x0101010101010101) & (^w)
}

// setByte replaces the byte at idx (0-based) in w with b.
func setByte(w uint64, b uint8, idx int) uint64 {
	shift := idx << 3
	return (w &^ (0xff << shift)) | (uint64(b) << shift)
}

// nextPowOf2 rounds n up to the next power of two, or 1 if n <= 0.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}
