package vyumap

import (
	"runtime"
	"sync/atomic"

	"github.com/go-vyukov/vyumap/internal/cacheline"
)

// counterStripe is one shard of the table's striped entry counter.
// Padding to a cache line keeps stripes from false-sharing when
// concurrent writers hash to neighboring shards.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	_ [(cacheline.Size - 8%cacheline.Size) % cacheline.Size]byte
	c uintptr
}

// table is one generation of the map's bucket array. A growth in
// progress links the current generation to its successor via next;
// readers and writers alike discover an in-progress or completed
// growth by checking next before trusting a bucket they hold the lock
// on, or before trusting an optimistic read that raced a migration.
type table[K comparable, V any] struct {
	buckets []bucket[K, V]
	mask    uint64 // len(buckets)-1, buckets is always a power of two

	size []counterStripe

	// migrated counts buckets of the previous generation that the growth
	// coordinator has frozen and copied into this table. When it reaches
	// the previous generation's bucket count, the writer that observes
	// the match swings the map's root pointer to this table.
	migrated atomic.Int64

	next atomic.Pointer[table[K, V]]
}

func newTable[K comparable, V any](bucketCount int, alloc Allocator[K, V]) *table[K, V] {
	buckets := alloc.AllocBuckets(bucketCount)
	return &table[K, V]{
		buckets: buckets,
		mask:    uint64(bucketCount - 1),
		size:    make([]counterStripe, calcSizeStripes(bucketCount)),
	}
}

func calcSizeStripes(bucketCount int) int {
	n := bucketCount >> 10
	if cpus := runtime.GOMAXPROCS(0); n > cpus {
		n = cpus
	}
	return nextPowOf2(n)
}

func (t *table[K, V]) bucketCount() int {
	return len(t.buckets)
}

func (t *table[K, V]) bucketIndex(hash uint64) uint64 {
	return h1(hash) & t.mask
}

func (t *table[K, V]) addSize(idx uint64, delta int) {
	stripe := idx & uint64(len(t.size)-1)
	atomic.AddUintptr(&t.size[stripe].c, uintptr(delta))
}

func (t *table[K, V]) sumSize() int {
	var sum int
	for i := range t.size {
		sum += int(atomic.LoadUintptr(&t.size[i].c))
	}
	return sum
}

func (t *table[K, V]) isEmpty() bool {
	for i := range t.size {
		if atomic.LoadUintptr(&t.size[i].c) != 0 {
			return false
		}
	}
	return true
}
