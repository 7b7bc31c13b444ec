// Package vyumap implements a concurrent hash map using fine-grained
// per-bucket locking for writers and lock-free optimistic reads,
// following the design Dmitry Vyukov described for a resizable,
// open-addressing-free concurrent map. Buckets hold a small inline
// slot array plus a chained extension bucket for overflow; growth is
// driven cooperatively by writers that help migrate one bucket per
// operation rather than by a stop-the-world rehash.
//
// Every Map is backed by a Reclaimer from the smr package, defaulting
// to an epoch-based one: reads and writes enter its regions, and
// removed entries and replaced tables are retired through it. Memory
// that a writer concurrently unlinks stays valid for readers through
// Go's garbage collector; the map's own destroy callbacks do nothing.
package vyumap
