package vyumap

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maybeGrow installs the next table generation once t's average
// occupancy crosses the configured load factor. Installation is a
// single CAS on t.next: the writer that wins becomes responsible for
// kicking off background migration help; every writer, winner or not,
// goes on to use whatever table.next ends up.
func (m *Map[K, V]) maybeGrow(t *table[K, V]) {
	threshold := int(float64(t.bucketCount()*slotsPerBucket) * m.cfg.maxLoadFactor)
	if t.sumSize() < threshold {
		return
	}
	if t.next.Load() != nil {
		return
	}
	newT := newTable[K, V](t.bucketCount()*2, m.cfg.allocator)
	if !t.next.CompareAndSwap(nil, newT) {
		return
	}
	if l := m.cfg.growthLogger; l != nil {
		l.Debug("growth started",
			zap.Int("old_buckets", t.bucketCount()),
			zap.Int("new_buckets", newT.bucketCount()),
			zap.Int("size", t.sumSize()),
		)
	}
	m.startParallelMigration(t, newT)
}

// conscript is called with head already locked, positioned at table
// t's bucket idx. If the bucket is already frozen it simply reports
// where to retry. If a growth is in progress and this bucket hasn't
// migrated yet, conscript migrates it right here ("at most one bucket
// per write") before reporting the same redirect. A nil return means
// no growth is in progress and the caller should proceed against t.
func (m *Map[K, V]) conscript(t *table[K, V], idx uint64, head *bucket[K, V]) *table[K, V] {
	if head.frozen() {
		if nt := t.next.Load(); nt != nil {
			return nt
		}
		return m.root.Load()
	}
	nt := t.next.Load()
	if nt == nil {
		return nil
	}
	m.migrateLocked(t, nt, idx, head)
	return nt
}

// migrateLocked moves every live entry reachable from head (already
// locked, not yet frozen) into newT, then freezes head so later
// readers and writers redirect instead of trusting its now-stale
// contents. Callers must hold head's lock and must not have already
// frozen it.
func (m *Map[K, V]) migrateLocked(oldT, newT *table[K, V], idx uint64, head *bucket[K, V]) {
	for b := head; b != nil; b = loadNext(b) {
		meta := b.version()
		for mask := occupiedSlots(meta); mask != 0; mask &= mask - 1 {
			i := firstMarkedByteIndex(mask)
			if e := loadSlot(b, i); e != nil {
				m.insertMigrated(newT, e)
			}
		}
	}
	head.freeze()

	if newT.migrated.Add(1) == int64(oldT.bucketCount()) {
		m.finalizeGrowth(oldT, newT)
	}
}

// insertMigrated appends an already-allocated entry into newT without
// checking for a duplicate key: migration preserves the invariant that
// each key lives in exactly one source bucket, so no destination
// bucket receives the same key from two different migrations.
func (m *Map[K, V]) insertMigrated(t *table[K, V], e *entry[K, V]) {
	idx := t.bucketIndex(e.hash)
	head := &t.buckets[idx]
	head.lock()
	for head.frozen() {
		// A migration helper can freeze a bucket of t (moving it on to
		// t.next) before every older-generation bucket has reached t;
		// follow the redirect so the entry lands where readers look.
		head.unlock()
		t = t.next.Load()
		idx = t.bucketIndex(e.hash)
		head = &t.buckets[idx]
		head.lock()
	}

	tag := h2(e.hash)
	var lastBucket *bucket[K, V]
	for b := head; b != nil; b = loadNext(b) {
		lastBucket = b
		meta := b.version()
		free := (^meta) & metaTagMask
		if free != 0 {
			i := firstMarkedByteIndex(free)
			atomic.StoreUint64(&b.meta, setByte(meta, tag, i))
			storeSlot(b, i, e)
			head.unlock()
			t.addSize(idx, 1)
			return
		}
	}

	ext := &bucket[K, V]{meta: setByte(0, tag, 0)}
	storeSlot(ext, 0, e)
	storeNext(lastBucket, ext)
	head.unlock()
	t.addSize(idx, 1)
}

// finalizeGrowth swings the map's root pointer to newT once every
// bucket in oldT has migrated, then hands oldT to the reclaimer. Only
// the writer (or migration helper) that completes the final bucket
// performs the swing; everyone else simply observes migrated reach the
// threshold and does nothing further, since exactly one CAS is needed.
func (m *Map[K, V]) finalizeGrowth(oldT, newT *table[K, V]) {
	if m.root.CompareAndSwap(oldT, newT) {
		if l := m.cfg.growthLogger; l != nil {
			l.Debug("growth finished",
				zap.Int("old_buckets", oldT.bucketCount()),
				zap.Int("new_buckets", newT.bucketCount()),
			)
		}
		m.cfg.reclaimer.Retire(unsafe.Pointer(oldT), func(unsafe.Pointer) {})
		// newT's own growth may have finished while root still pointed at
		// oldT, in which case its swing above was a failed CAS; redo it.
		if nt := newT.next.Load(); nt != nil && nt.migrated.Load() == int64(newT.bucketCount()) {
			m.finalizeGrowth(newT, nt)
		}
	}
}

// parallelMigrationHelpers bounds how many goroutines proactively race
// ahead of lazy per-write migration on a large table. It is a purely
// time-to-convergence optimization: correctness never depends on the
// helpers running, finishing, or existing at all, since every write
// still performs its own conscription check regardless.
const parallelMigrationHelpers = 4

// startParallelMigration launches a bounded fan-out that migrates
// oldT's buckets ahead of lazy per-write conscription, so a large
// table's growth converges without waiting for enough writes to touch
// every bucket by chance. Each helper races ordinary writers for the
// same bucket's lock; whichever gets there first migrates it, the
// loser simply sees it already frozen and moves on.
func (m *Map[K, V]) startParallelMigration(oldT, newT *table[K, V]) {
	bucketCount := oldT.bucketCount()
	if bucketCount < parallelMigrationHelpers*slotsPerBucket {
		return
	}

	go func() {
		var g errgroup.Group
		chunk := (bucketCount + parallelMigrationHelpers - 1) / parallelMigrationHelpers
		for start := 0; start < bucketCount; start += chunk {
			end := start + chunk
			if end > bucketCount {
				end = bucketCount
			}
			start, end := start, end
			g.Go(func() error {
				for i := start; i < end; i++ {
					head := &oldT.buckets[i]
					head.lock()
					if head.frozen() {
						head.unlock()
						continue
					}
					if oldT.next.Load() != newT {
						head.unlock()
						return nil
					}
					m.migrateLocked(oldT, newT, uint64(i), head)
					head.unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}
