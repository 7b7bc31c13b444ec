package vyumap

import "runtime"

// backoffSpin implements a bounded spin-then-yield schedule for the
// bucket lock's contended path: a short run of pure busy-spins (cheap
// when the holder releases quickly) followed by cooperative
// scheduling yields once contention looks sustained.
type backoffSpin struct {
	spins int
}

const maxBusySpins = 16

func (b *backoffSpin) spin() {
	if b.spins < maxBusySpins {
		for i := 0; i < 1<<uint(b.spins); i++ {
			procYield()
		}
		b.spins++
		return
	}
	runtime.Gosched()
}

//go:noinline
func procYield() {}
