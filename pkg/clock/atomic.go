package clock

import "go.uber.org/atomic"

// AtomicClock is a logical clock handing out log indexes.
type AtomicClock struct {
	v atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.v.Load()
}

func (ac *AtomicClock) Set(t uint64) {
	ac.v.Store(t)
}

// Observe moves the clock forward to t if t is ahead of it.
func (ac *AtomicClock) Observe(t uint64) {
	for {
		cur := ac.v.Load()
		if t <= cur || ac.v.CompareAndSwap(cur, t) {
			return
		}
	}
}
