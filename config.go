package vyumap

import (
	"go.uber.org/zap"

	"github.com/go-vyukov/vyumap/smr"
)

const (
	defaultInitialCapacity = 8
	defaultMaxLoadFactor   = 0.75
)

// config collects the options New applies before building the first
// table generation. It is assembled once at construction time and
// never mutated afterward, so the map's hot paths can read its fields
// without synchronization.
type config[K comparable, V any] struct {
	initialCapacity int
	maxLoadFactor   float64
	hasher          HashFunc[K]
	reclaimer       smr.Reclaimer
	allocator       Allocator[K, V]
	growthLogger    *zap.Logger
}

func newConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		initialCapacity: defaultInitialCapacity,
		maxLoadFactor:   defaultMaxLoadFactor,
		hasher:          defaultHasher[K](),
		reclaimer:       smr.NewEpochReclaimer(),
		allocator:       defaultAllocator[K, V]{},
	}
}

// Option configures a Map at construction time.
type Option[K comparable, V any] func(*config[K, V])

// WithInitialCapacity sets the table's initial bucket count, rounded
// up to the next power of two (the default is 8 buckets). This is a
// bucket count, not an entry budget: the number of entries the table
// holds before growth trips is bucketCount*slotsPerBucket*maxLoadFactor.
func WithInitialCapacity[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) {
		if n > 0 {
			c.initialCapacity = n
		}
	}
}

// WithMaxLoadFactor overrides the average occupancy (entries per
// slot, across the whole table) that triggers the growth coordinator.
func WithMaxLoadFactor[K comparable, V any](f float64) Option[K, V] {
	return func(c *config[K, V]) {
		if f > 0 {
			c.maxLoadFactor = f
		}
	}
}

// WithHasher installs a custom key hash function, bypassing the
// default hash/maphash-based one. The map always passes 0 as seed, so
// any per-map seeding is up to h itself.
func WithHasher[K comparable, V any](h func(key K, seed uintptr) uint64) Option[K, V] {
	return func(c *config[K, V]) {
		if h != nil {
			c.hasher = HashFunc[K](h)
		}
	}
}

// WithReclaimer installs a custom safe-memory-reclamation strategy in
// place of the default EpochReclaimer, e.g. smr.NewHazardReclaimer()
// or a user-supplied implementation of smr.Reclaimer.
func WithReclaimer[K comparable, V any](r smr.Reclaimer) Option[K, V] {
	return func(c *config[K, V]) {
		if r != nil {
			c.reclaimer = r
		}
	}
}

// WithAllocationStrategy installs a custom bucket allocator, letting
// callers route table storage through an arena, a sync.Pool, or
// huge-page-backed memory instead of plain make.
func WithAllocationStrategy[K comparable, V any](a Allocator[K, V]) Option[K, V] {
	return func(c *config[K, V]) {
		if a != nil {
			c.allocator = a
		}
	}
}

// WithGrowthLogger attaches a zap logger that records growth-coordinator
// events (growth start and growth completion) at debug level. Off by default: New leaves growthLogger nil, and the
// growth coordinator checks for nil before logging, so a Map built
// without this option pays nothing beyond that check on its hot path.
// Pass diag.Logger() to route growth events through the package's
// shared development logger.
func WithGrowthLogger[K comparable, V any](l *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		c.growthLogger = l
	}
}

// Allocator controls how a table's bucket array is obtained and
// released across growth. The default simply delegates to make and
// leaves freed arrays to the garbage collector.
type Allocator[K comparable, V any] interface {
	AllocBuckets(n int) []bucket[K, V]
	FreeBuckets([]bucket[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocBuckets(n int) []bucket[K, V] {
	return make([]bucket[K, V], n)
}

func (defaultAllocator[K, V]) FreeBuckets([]bucket[K, V]) {}
