package smr

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// hazardSlotsPerRecord mirrors xenium's static_strategy<5>: each record
// offers a fixed small number of hazard slots, enough to cover a
// bucket scan plus one extension hop without spilling to a new record.
const hazardSlotsPerRecord = 5

// hazardScanThreshold is the number of retired-but-unfreed objects
// accumulated before a scan of every record's hazard slots is
// triggered, amortizing the O(records) scan cost across many
// retirements instead of paying it on every single one.
const hazardScanThreshold = 64

// HazardReclaimer is a simplified hazard-pointer-style alternative to
// EpochReclaimer. Guard claims one slot out of a shared pool of
// records for as long as the returned GuardedPointer is held; any
// number of goroutines may hold pins concurrently, on the same or
// different records. EnterRegion is a no-op RegionGuard because this
// strategy has no notion of a standing critical section, only the
// per-address pins Guard creates. The map pins only the entry a lookup
// matched, after its scan, so under this strategy the buckets and
// entries a scan reads are not protected by any pin.
type HazardReclaimer struct {
	records atomic.Pointer[hazardRecord]

	pendingMu sync.Mutex
	pending   []retired
}

type hazardRecord struct {
	next  *hazardRecord
	slots [hazardSlotsPerRecord]atomic.Pointer[byte]
}

// NewHazardReclaimer constructs a ready-to-use hazard-pointer-style
// reclaimer.
func NewHazardReclaimer() *HazardReclaimer {
	return &HazardReclaimer{}
}

type noopGuard struct{}

func (noopGuard) Release() {}

// EnterRegion is a no-op: this strategy has no notion of a standing
// critical section, only per-address pins created by Guard.
func (r *HazardReclaimer) EnterRegion() RegionGuard {
	return noopGuard{}
}

type hazardGuard struct {
	slot *atomic.Pointer[byte]
	addr unsafe.Pointer
}

func (g *hazardGuard) Release() {
	g.slot.Store(nil)
}

func (g *hazardGuard) Address() unsafe.Pointer {
	return g.addr
}

// Guard publishes addr into a free hazard slot, walking the existing
// record list and allocating a new record only when every slot on
// every existing record is occupied.
func (r *HazardReclaimer) Guard(addr unsafe.Pointer) GuardedPointer {
	for {
		for rec := r.records.Load(); rec != nil; rec = rec.next {
			for i := range rec.slots {
				if rec.slots[i].CompareAndSwap(nil, (*byte)(addr)) {
					return &hazardGuard{slot: &rec.slots[i], addr: addr}
				}
			}
		}
		r.growRecords()
	}
}

func (r *HazardReclaimer) growRecords() {
	fresh := &hazardRecord{}
	var bo backoff
	for {
		head := r.records.Load()
		fresh.next = head
		if r.records.CompareAndSwap(head, fresh) {
			return
		}
		bo.wait()
	}
}

// Retire defers destruction of p until no hazard slot references it.
// Retirements accumulate in a shared buffer; once hazardScanThreshold
// is reached the calling goroutine scans every record's slots and
// frees whatever is no longer pinned.
func (r *HazardReclaimer) Retire(p unsafe.Pointer, destroy func(unsafe.Pointer)) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, retired{p: p, destroy: destroy})
	var batch []retired
	if len(r.pending) >= hazardScanThreshold {
		batch = r.pending
		r.pending = nil
	}
	r.pendingMu.Unlock()

	if batch != nil {
		r.scanAndFree(batch)
	}
}

func (r *HazardReclaimer) scanAndFree(batch []retired) {
	hazards := make(map[unsafe.Pointer]struct{})
	for rec := r.records.Load(); rec != nil; rec = rec.next {
		for i := range rec.slots {
			if p := rec.slots[i].Load(); p != nil {
				hazards[unsafe.Pointer(p)] = struct{}{}
			}
		}
	}

	var requeue []retired
	for _, it := range batch {
		if _, busy := hazards[it.p]; busy {
			requeue = append(requeue, it)
			continue
		}
		it.destroy(it.p)
	}
	if len(requeue) > 0 {
		r.pendingMu.Lock()
		r.pending = append(r.pending, requeue...)
		r.pendingMu.Unlock()
	}
}

var _ Reclaimer = (*HazardReclaimer)(nil)
