package vyumap

// frontierBucket is a top-level bucket still waiting to be scanned (or,
// if it turns out to be frozen, expanded into its migration targets).
// idx is always the bucket's position within owner, even after the
// entry has been pushed back following a redirect.
type frontierBucket[K comparable, V any] struct {
	owner *table[K, V]
	idx   int
}

// Iterator walks a Map's buckets directly, without taking a snapshot.
// Concurrent mutation never corrupts an iterator (each step only ever
// reads through the normal optimistic-validation path) but it can
// cause an iterator to miss a concurrently inserted entry or observe
// one that was concurrently removed, consistent with giving up
// ordered iteration and strong traversal guarantees in exchange for
// never blocking a writer.
type Iterator[K comparable, V any] struct {
	m *Map[K, V]

	// queue holds top-level buckets not yet scanned. A bucket popped
	// off the front that turns out to be frozen (already migrated by a
	// concurrent growth) is replaced by its up to two destination
	// buckets in the next table generation rather than skipped, so
	// growth in progress during a traversal does not drop entries.
	queue []frontierBucket[K, V]

	node *bucket[K, V]
	slot int

	key   K
	value V
	ok    bool
}

// Valid reports whether the iterator currently refers to an entry.
func (it *Iterator[K, V]) Valid() bool {
	return it.ok
}

// Key returns the current entry's key. Calling it on an invalid
// iterator returns the zero value.
func (it *Iterator[K, V]) Key() K {
	return it.key
}

// Value returns the current entry's value. Calling it on an invalid
// iterator returns the zero value.
func (it *Iterator[K, V]) Value() V {
	return it.value
}

// Next advances the iterator to the following occupied slot: first
// scanning forward through the current bucket's extension chain, then
// popping the next top-level bucket off the queue. A frozen top-level
// bucket is expanded into the (up to two) buckets its contents migrated
// to in the next table generation instead of being skipped, since
// growth always doubles the bucket count and a bucket at index i can
// only have migrated to index i or index i+oldBucketCount.
func (it *Iterator[K, V]) Next() {
	region := it.m.cfg.reclaimer.EnterRegion()
	defer region.Release()

	it.slot++
	for {
		if it.node != nil {
			meta := it.node.version()
			for it.slot < slotsPerBucket {
				if e := loadSlot(it.node, it.slot); e != nil && tagOf(meta, it.slot) != 0 {
					it.key, it.value, it.ok = e.key, e.value, true
					return
				}
				it.slot++
			}
			it.node = loadNext(it.node)
			it.slot = 0
			continue
		}

		if len(it.queue) == 0 {
			it.ok = false
			return
		}
		next := it.queue[0]
		it.queue = it.queue[1:]

		head := &next.owner.buckets[next.idx]
		if head.version()&frozenMask != 0 {
			if nt := next.owner.next.Load(); nt != nil {
				it.queue = append(it.queue,
					frontierBucket[K, V]{owner: nt, idx: next.idx},
					frontierBucket[K, V]{owner: nt, idx: next.idx + next.owner.bucketCount()},
				)
			}
			continue
		}
		it.node = head
		it.slot = 0
	}
}

// Find returns an iterator positioned at key if present, or an
// invalid iterator (equal to End) if it is not.
func (m *Map[K, V]) Find(key K) Iterator[K, V] {
	hash := m.cfg.hasher(key, 0)
	acc, found := m.tryGet(hash, key)
	if !found {
		return m.End()
	}
	return Iterator[K, V]{m: m, key: acc.Key, value: acc.Value, ok: true}
}

// Begin returns an iterator positioned at the first occupied slot, or
// an invalid iterator if the map is empty.
func (m *Map[K, V]) Begin() Iterator[K, V] {
	t := m.root.Load()
	queue := make([]frontierBucket[K, V], t.bucketCount())
	for i := range queue {
		queue[i] = frontierBucket[K, V]{owner: t, idx: i}
	}
	it := Iterator[K, V]{m: m, queue: queue}
	it.Next()
	return it
}

// End returns the invalid iterator sentinel.
func (m *Map[K, V]) End() Iterator[K, V] {
	return Iterator[K, V]{m: m}
}

// EraseIterator removes the entry it currently refers to, if any, by
// re-locating it by key under the owning bucket's lock (an iterator
// never holds a lock between steps, so the entry may already be gone
// by the time EraseIterator runs, in which case the relocate is a
// no-op), then advances it to the following occupied slot so draining
// a map with `for it := m.Begin(); it.Valid(); m.EraseIterator(&it) {}`
// visits every entry instead of stopping after the first removal.
func (m *Map[K, V]) EraseIterator(it *Iterator[K, V]) {
	if it == nil || !it.ok {
		return
	}
	m.Erase(it.key)
	it.Next()
}

// Range calls yield for every entry currently reachable, stopping
// early if yield returns false. As with Begin/Find, this tolerates
// concurrent mutation without giving ordering or completeness
// guarantees stronger than "every entry present for the whole call
// is visited at least once."
func (m *Map[K, V]) Range(yield func(K, V) bool) {
	for it := m.Begin(); it.Valid(); it.Next() {
		if !yield(it.Key(), it.Value()) {
			return
		}
	}
}
