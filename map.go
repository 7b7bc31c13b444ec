package vyumap

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-vyukov/vyumap/smr"
)

// Map is a concurrent hash map safe for use by multiple goroutines
// without external synchronization. Reads are lock-free and
// optimistic; writes take a per-bucket spinlock, never a table-wide
// one. Growth happens incrementally: a writer that trips the load
// factor installs the next table generation, and every subsequent
// writer migrates at most one bucket (the one it was about to touch)
// before proceeding against the new generation.
type Map[K comparable, V any] struct {
	root atomic.Pointer[table[K, V]]
	cfg  *config[K, V]
}

// New constructs an empty Map. Options configure initial
// capacity, load factor, hashing, reclamation strategy and bucket
// allocation; see WithInitialCapacity, WithMaxLoadFactor, WithHasher,
// WithReclaimer and WithAllocationStrategy.
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	cfg := newConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}
	bucketCount := nextPowOf2(cfg.initialCapacity)
	m := &Map[K, V]{cfg: cfg}
	m.root.Store(newTable[K, V](bucketCount, cfg.allocator))
	return m
}

// Accessor is a point-in-time snapshot of a key/value pair returned by
// GetOrEmplace, GetOrEmplaceLazy, TryGetValue and Extract. Unlike a
// live iterator it does not need to be released: the key and value
// are plain copies, valid for as long as the caller holds them,
// independent of later map mutations.
type Accessor[K comparable, V any] struct {
	Key   K
	Value V
}

// Emplace inserts value under key if key is not already present. It
// reports whether the insertion happened; an existing entry is left
// untouched.
func (m *Map[K, V]) Emplace(key K, value V) bool {
	hash := m.cfg.hasher(key, 0)
	_, inserted := m.upsert(hash, key, func(existing *entry[K, V]) (*entry[K, V], bool) {
		if existing != nil {
			return existing, false
		}
		return &entry[K, V]{hash: hash, key: key, value: value}, true
	})
	return inserted
}

// GetOrEmplace returns the existing value for key, or inserts value
// and returns it if key was absent. The returned bool reports whether
// the insertion happened.
func (m *Map[K, V]) GetOrEmplace(key K, value V) (Accessor[K, V], bool) {
	hash := m.cfg.hasher(key, 0)
	acc, inserted := m.upsert(hash, key, func(existing *entry[K, V]) (*entry[K, V], bool) {
		if existing != nil {
			return existing, false
		}
		return &entry[K, V]{hash: hash, key: key, value: value}, true
	})
	return acc, inserted
}

// GetOrEmplaceLazy returns the existing value for key without calling
// factory, or calls factory exactly once to produce the value to
// insert if key was absent. factory runs under the bucket lock, only
// once the key has been confirmed absent there, so it is never called
// for a key that ends up not being inserted by this call. If factory
// returns an error no entry is inserted, the bucket is unlocked and
// the error is returned to the caller unchanged; a panicking factory
// also leaves the bucket unlocked.
func (m *Map[K, V]) GetOrEmplaceLazy(key K, factory func() (V, error)) (Accessor[K, V], bool, error) {
	hash := m.cfg.hasher(key, 0)

	if acc, found := m.tryGet(hash, key); found {
		return acc, false, nil
	}

	var factoryErr error
	acc, inserted := m.upsert(hash, key, func(existing *entry[K, V]) (*entry[K, V], bool) {
		if existing != nil {
			return existing, false
		}
		value, err := factory()
		if err != nil {
			factoryErr = err
			return nil, false
		}
		return &entry[K, V]{hash: hash, key: key, value: value}, true
	})
	if factoryErr != nil {
		var zero Accessor[K, V]
		return zero, false, factoryErr
	}
	return acc, inserted, nil
}

// TryGetValue reports whether key is present, writing its accessor
// into out when it is.
func (m *Map[K, V]) TryGetValue(key K, out *Accessor[K, V]) bool {
	hash := m.cfg.hasher(key, 0)
	acc, found := m.tryGet(hash, key)
	if found && out != nil {
		*out = acc
	}
	return found
}

// HasKey reports whether key is present.
func (m *Map[K, V]) HasKey(key K) bool {
	_, found := m.tryGet(m.cfg.hasher(key, 0), key)
	return found
}

// Erase removes key if present and reports whether it removed
// anything. If the stored value implements an internal Retire method
// (as smr.ManagedPointer does) it is retired through the map's
// configured reclaimer; Extract skips that step since it transfers
// ownership to the caller instead.
func (m *Map[K, V]) Erase(key K) bool {
	hash := m.cfg.hasher(key, 0)
	acc, removed := m.upsert(hash, key, func(existing *entry[K, V]) (*entry[K, V], bool) {
		if existing == nil {
			return nil, false
		}
		return nil, true
	})
	if removed {
		m.retireValue(acc.Value)
	}
	return removed
}

// Extract removes key if present and writes its accessor into out,
// transferring ownership of the value to the caller without invoking
// the reclaimer's retire path on it: unlike Erase, Extract assumes the
// caller takes responsibility for the value's lifetime.
func (m *Map[K, V]) Extract(key K, out *Accessor[K, V]) bool {
	hash := m.cfg.hasher(key, 0)
	var extractedEntry *entry[K, V]
	_, removed := m.upsertRaw(hash, key, func(existing *entry[K, V]) (*entry[K, V], bool) {
		if existing == nil {
			return nil, false
		}
		extractedEntry = existing
		return nil, true
	})
	if removed && out != nil {
		out.Key = extractedEntry.key
		out.Value = extractedEntry.value
	}
	return removed
}

// Len returns the approximate number of entries currently stored.
// Under concurrent mutation this is a snapshot that may be stale by
// the time it is observed.
func (m *Map[K, V]) Len() int {
	return m.root.Load().sumSize()
}

// IsEmpty reports whether the map currently holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.root.Load().isEmpty()
}

// tryGet performs a lock-free optimistic read, retrying on bucket
// version mismatch and following a frozen bucket into the growth
// coordinator's next table generation. It enters a reclamation region
// for the duration of the scan, so any entry a concurrent writer
// retires mid-scan stays valid until this read is done looking at it.
func (m *Map[K, V]) tryGet(hash uint64, key K) (Accessor[K, V], bool) {
	region := m.cfg.reclaimer.EnterRegion()
	defer region.Release()

	t := m.root.Load()
	for {
		idx := t.bucketIndex(hash)
		head := &t.buckets[idx]

		e, redirect := scanChain(head, hash, key)
		if redirect {
			if nt := t.next.Load(); nt != nil {
				t = nt
				continue
			}
			t = m.root.Load()
			continue
		}
		if e == nil {
			var zero Accessor[K, V]
			return zero, false
		}
		// Pin e itself while copying its fields into the accessor,
		// matching the read protocol's "construct an accessor that
		// pins the value" step: a GuardedPointer outlives the region
		// it was taken in, so it covers exactly the copy below even
		// though the region guard above already covers the scan.
		pin := m.cfg.reclaimer.Guard(unsafe.Pointer(e))
		acc := Accessor[K, V]{Key: e.key, Value: e.value}
		pin.Release()
		return acc, true
	}
}

// scanChain walks a bucket chain looking for hash/key, validating each
// node's version word around the read. redirect is true if a frozen
// bucket was observed and the caller should retry against the table's
// next generation.
func scanChain[K comparable, V any](head *bucket[K, V], hash uint64, key K) (*entry[K, V], bool) {
	tag := h2(hash)
	for b := head; b != nil; {
	retryNode:
		v1 := b.version()
		if v1&frozenMask != 0 {
			return nil, true
		}
		mask := matchTag(v1, tag)
		for mask != 0 {
			idx := firstMarkedByteIndex(mask)
			e := loadSlot(b, idx)
			if e != nil && e.hash == hash && e.key == key {
				v2 := b.version()
				if v2 != v1 {
					goto retryNode
				}
				return e, false
			}
			mask &= mask - 1
		}
		v2 := b.version()
		if v2 != v1 {
			goto retryNode
		}
		b = loadNext(b)
	}
	return nil, false
}

// upsertFn decides what should replace an existing entry (nil means no
// entry was found for the key). With an existing entry, returning the
// same pointer passed in leaves the slot untouched and returning
// anything else deletes it; there is no overwrite. With no existing
// entry, returning a non-nil pointer inserts it and returning nil
// leaves the bucket unchanged.
type upsertFn[K comparable, V any] func(existing *entry[K, V]) (next *entry[K, V], changed bool)

// upsert runs fn under the bucket lock that owns hash, retires a
// deleted entry through the reclaimer, and returns an
// accessor to whatever is in the slot afterward along with whether fn
// reported a change.
func (m *Map[K, V]) upsert(hash uint64, key K, fn upsertFn[K, V]) (Accessor[K, V], bool) {
	var result Accessor[K, V]
	next, changed := m.upsertRaw(hash, key, fn)
	if next != nil {
		result = Accessor[K, V]{Key: next.key, Value: next.value}
	}
	return result, changed
}

// upsertRaw is upsert without the Accessor translation, used by paths
// like Extract that need the raw entry pointer. It retries against
// successive table generations as growth redirects it.
func (m *Map[K, V]) upsertRaw(hash uint64, key K, fn upsertFn[K, V]) (*entry[K, V], bool) {
	t := m.root.Load()
	for {
		result, changed, redirect := m.upsertOnce(t, hash, key, fn)
		if redirect != nil {
			t = redirect
			continue
		}
		return result, changed
	}
}

// upsertOnce performs one locked attempt against table t. A non-nil
// redirect means the target bucket had already migrated (or migration
// happened right here via conscription) and the caller must retry
// against redirect instead.
//
// The bucket lock is released through a deferred unlock guarded by a
// flag rather than bare calls at each return, so a panic raised by fn
// or by comparing keys of a non-comparable dynamic type stored in an
// interface key (K == any is legal for the comparable constraint, but
// the comparison itself can still panic at runtime) never leaves the
// bucket locked. The panic itself is never swallowed.
func (m *Map[K, V]) upsertOnce(t *table[K, V], hash uint64, key K, fn upsertFn[K, V]) (result *entry[K, V], changed bool, redirect *table[K, V]) {
	region := m.cfg.reclaimer.EnterRegion()
	defer region.Release()

	idx := t.bucketIndex(hash)
	head := &t.buckets[idx]
	head.lock()
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			head.unlock()
		}
	}
	defer unlock()

	if r := m.conscript(t, idx, head); r != nil {
		unlock()
		return nil, false, r
	}

	var (
		oldEntry   *entry[K, V]
		oldBucket  *bucket[K, V]
		oldIdx     int
		emptyBkt   *bucket[K, V]
		emptyIdx   int
		lastBucket *bucket[K, V]
	)

	tag := h2(hash)
	for b := head; b != nil; b = loadNext(b) {
		lastBucket = b
		meta := b.version()

		if emptyBkt == nil {
			free := (^meta) & metaTagMask
			if free != 0 {
				emptyBkt = b
				emptyIdx = firstMarkedByteIndex(free)
			}
		}

		for mask := matchTag(meta, tag); mask != 0; mask &= mask - 1 {
			i := firstMarkedByteIndex(mask)
			if e := loadSlot(b, i); e != nil && e.hash == hash && e.key == key {
				oldEntry, oldBucket, oldIdx = e, b, i
				break
			}
		}
		if oldEntry != nil {
			break
		}
	}

	next, chg := fn(oldEntry)
	changed = chg

	// fn only ever leaves an existing entry untouched or deletes it;
	// none of the map's public operations construct a replacement
	// entry for a key that already exists (Emplace-style insertion
	// never overwrites, and there is no blind Store/Update op).
	if oldEntry != nil {
		if next == oldEntry {
			unlock()
			return next, changed, nil
		}
		newMeta := setByte(oldBucket.version(), 0, oldIdx)
		atomic.StoreUint64(&oldBucket.meta, newMeta)
		storeSlot(oldBucket, oldIdx, nil)
		unlock()
		t.addSize(idx, -1)
		m.retireEntry(oldEntry)
		return oldEntry, changed, nil
	}

	if next == nil {
		unlock()
		return nil, changed, nil
	}

	if emptyBkt != nil {
		atomic.StoreUint64(&emptyBkt.meta, setByte(emptyBkt.version(), tag, emptyIdx))
		storeSlot(emptyBkt, emptyIdx, next)
		unlock()
		t.addSize(idx, 1)
		m.maybeGrow(t)
		return next, changed, nil
	}

	ext := &bucket[K, V]{meta: setByte(0, tag, 0)}
	storeSlot(ext, 0, next)
	storeNext(lastBucket, ext)
	unlock()
	t.addSize(idx, 1)
	m.maybeGrow(t)
	return next, changed, nil
}

func (m *Map[K, V]) retireEntry(e *entry[K, V]) {
	if e == nil {
		return
	}
	m.cfg.reclaimer.Retire(unsafe.Pointer(e), func(unsafe.Pointer) {})
}

// retirer is satisfied by smr.ManagedPointer, among other things: a
// value type that owns a heap object with a lifetime the map doesn't
// otherwise know how to manage. The map never imports smr.ManagedPointer
// directly for this, so a value type from any package can opt in.
type retirer interface {
	Retire(r smr.Reclaimer)
}

func (m *Map[K, V]) retireValue(v V) {
	if r, ok := any(v).(retirer); ok {
		r.Retire(m.cfg.reclaimer)
	}
}
