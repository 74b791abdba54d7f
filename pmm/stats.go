package pmm

import (
	"fmt"

	"github.com/iansmith/kcore/kernel"
)

// Stats is a snapshot of the allocator counters.
type Stats struct {
	Total        uint64
	Usable       uint64
	Free         uint64
	Reservations uint64
	FreeBlocks   [MaxOrder + 1]uint64
}

// FreeCount returns the number of free frames.
func (a *Allocator) FreeCount() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.freeFrames
}

// UsedCount returns the number of used frames, firmware frames included.
func (a *Allocator) UsedCount() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return uint64(len(a.meta)) - a.freeFrames
}

// TotalFrames returns the size of the frame table.
func (a *Allocator) TotalFrames() uint64 {
	return uint64(len(a.meta))
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return Stats{
		Total:        uint64(len(a.meta)),
		Usable:       a.usableFrames,
		Free:         a.freeFrames,
		Reservations: a.reservations,
		FreeBlocks:   a.freeBlocks,
	}
}

// State reports whether f is used and which subsystem owns it.
func (a *Allocator) State(f Frame) (used bool, owner Owner, err error) {
	if uint64(f) >= uint64(len(a.meta)) {
		return false, OwnerNone, fmt.Errorf("%w: frame %d outside the frame table", kernel.ErrInvalidArgument, f)
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	flags := a.flags(uint64(f))
	return flags.Used, Owner(flags.Owner), nil
}

// UsedBitmap returns one bit per frame, set for used frames.
func (a *Allocator) UsedBitmap() []uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	bitmap := make([]uint64, (len(a.meta)+63)/64)
	for i := range a.meta {
		if a.flags(uint64(i)).Used {
			bitmap[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return bitmap
}

// Walk calls fn for every maximal run of frames sharing the same state and
// owner, in frame order. fn must not call back into the allocator.
func (a *Allocator) Walk(fn func(r Range, used bool, owner Owner)) {
	a.lock.Lock()
	defer a.lock.Unlock()

	n := uint64(len(a.meta))
	for start := uint64(0); start < n; {
		first := a.flags(start)
		end := start + 1
		for end < n {
			f := a.flags(end)
			if f.Used != first.Used || f.Owner != first.Owner {
				break
			}
			end++
		}
		fn(Range{Start: Frame(start), Count: end - start}, first.Used, Owner(first.Owner))
		start = end
	}
}
