package recording

import (
	"errors"
	"sync"
)

// ErrPortsExhausted means every pair in the configured range is in use.
var ErrPortsExhausted = errors.New("recording: no free port pair in range")

// PortAllocator hands out disjoint UDP port pairs from a fixed range. Each
// recording takes one pair (audio, video); ports go back to the pool when the
// recording stops.
type PortAllocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]bool
}

// NewPortAllocator creates an allocator over [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{min: min, max: max, inUse: make(map[int]bool)}
}

// AllocatePair reserves two free ports. Even offsets only, so a pair never
// straddles an RTP/RTCP boundary if mux is ever disabled.
func (a *PortAllocator) AllocatePair() (audio, video int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	picked := make([]int, 0, 2)
	for p := a.min; p <= a.max && len(picked) < 2; p += 2 {
		if !a.inUse[p] {
			picked = append(picked, p)
		}
	}
	if len(picked) < 2 {
		return 0, 0, ErrPortsExhausted
	}
	a.inUse[picked[0]] = true
	a.inUse[picked[1]] = true
	return picked[0], picked[1], nil
}

// Release returns ports to the pool. Unknown ports are ignored.
func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.inUse, p)
	}
}

// Free reports how many allocatable ports remain.
func (a *PortAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for p := a.min; p <= a.max; p += 2 {
		if !a.inUse[p] {
			n++
		}
	}
	return n
}
