package smr

import (
	"sync/atomic"
	"unsafe"
)

// EpochReclaimer is the default Reclaimer. It follows the classic
// three-generation epoch scheme (the same shape as xenium's
// generic_epoch_based / Crossbeam's epoch GC): a global epoch counter,
// one local record per active goroutine recording the last epoch it
// observed, and three retire bags indexed by epoch%3. An object retired
// during epoch e is safe to destroy once the global epoch has advanced
// to at least e+2, because by then every goroutine that could have been
// reading it at epoch e has since re-entered and observed a later
// epoch (or left the region entirely).
type EpochReclaimer struct {
	global  atomic.Uint64
	records atomic.Pointer[epochRecord]

	bags    [3]retireBag
	retires atomic.Uint64 // count since last advance attempt, triggers tryAdvance
}

// scanFrequency mirrors xenium's policy::scan_frequency: an advance is
// attempted every N retires rather than on every single one.
const scanFrequency = 16

type epochRecord struct {
	next       *epochRecord
	inUse      atomic.Bool
	active     atomic.Bool
	localEpoch atomic.Uint64
}

type retireBag struct {
	mu    chan struct{} // binary semaphore; retire must not block readers
	items []retired
}

type retired struct {
	p       unsafe.Pointer
	destroy func(unsafe.Pointer)
}

// NewEpochReclaimer constructs a ready-to-use epoch-based reclaimer.
func NewEpochReclaimer() *EpochReclaimer {
	r := &EpochReclaimer{}
	for i := range r.bags {
		r.bags[i].mu = make(chan struct{}, 1)
		r.bags[i].mu <- struct{}{}
	}
	return r
}

func (r *EpochReclaimer) acquireRecord() *epochRecord {
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if rec.inUse.CompareAndSwap(false, true) {
			return rec
		}
	}
	rec := &epochRecord{}
	rec.inUse.Store(true)
	var bo backoff
	for {
		head := r.records.Load()
		rec.next = head
		if r.records.CompareAndSwap(head, rec) {
			return rec
		}
		bo.wait()
	}
}

func (r *EpochReclaimer) releaseRecord(rec *epochRecord) {
	rec.active.Store(false)
	rec.inUse.Store(false)
}

type epochGuard struct {
	r    *EpochReclaimer
	rec  *epochRecord
	addr unsafe.Pointer
}

func (g *epochGuard) Release() {
	g.r.releaseRecord(g.rec)
}

func (g *epochGuard) Address() unsafe.Pointer {
	return g.addr
}

// EnterRegion is wait-free on the fast path: it reuses a free record if
// one exists, allocating a new one only when every existing record is
// in use.
func (r *EpochReclaimer) EnterRegion() RegionGuard {
	rec := r.acquireRecord()
	rec.localEpoch.Store(r.global.Load())
	rec.active.Store(true)
	return &epochGuard{r: r, rec: rec}
}

// Guard pins addr for longer than the enclosing region by holding its
// own record active until Release.
func (r *EpochReclaimer) Guard(addr unsafe.Pointer) GuardedPointer {
	rec := r.acquireRecord()
	rec.localEpoch.Store(r.global.Load())
	rec.active.Store(true)
	return &epochGuard{r: r, rec: rec, addr: addr}
}

// Retire queues p for destruction once the epoch it was retired in has
// fully drained. Non-blocking: the bag append only contends with other
// retirers, never with readers.
func (r *EpochReclaimer) Retire(p unsafe.Pointer, destroy func(unsafe.Pointer)) {
	e := r.global.Load() % 3
	bag := &r.bags[e]
	<-bag.mu
	bag.items = append(bag.items, retired{p: p, destroy: destroy})
	bag.mu <- struct{}{}

	if r.retires.Add(1)%scanFrequency == 0 {
		r.tryAdvance()
	}
}

// tryAdvance bumps the global epoch if every active record has already
// observed it, then drains the bag that is now two generations behind
// (guaranteed quiescent).
func (r *EpochReclaimer) tryAdvance() {
	cur := r.global.Load()
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		if rec.active.Load() && rec.localEpoch.Load() != cur {
			return
		}
	}
	if !r.global.CompareAndSwap(cur, cur+1) {
		return
	}
	drain := (cur + 2) % 3 // two generations behind the new epoch
	bag := &r.bags[drain]
	<-bag.mu
	pending := bag.items
	bag.items = nil
	bag.mu <- struct{}{}

	for _, it := range pending {
		it.destroy(it.p)
	}
}

var _ Reclaimer = (*EpochReclaimer)(nil)
