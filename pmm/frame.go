// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"fmt"
	"math"

	"github.com/iansmith/kcore/arch"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint64 {
	return uint64(f) << arch.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical address.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> arch.PageShift)
}

// Range is a run of Count contiguous frames starting at Start.
type Range struct {
	Start Frame
	Count uint64
}

// End returns the first frame past the range.
func (r Range) End() Frame {
	return r.Start + Frame(r.Count)
}

// Contains reports whether f lies inside r.
func (r Range) Contains(f Frame) bool {
	return f >= r.Start && f < r.End()
}

// Overlaps reports whether r and o share at least one frame.
func (r Range) Overlaps(o Range) bool {
	return r.Count > 0 && o.Count > 0 && r.Start < o.End() && o.Start < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Start.Address(), r.End().Address())
}

// Owner tags a used frame with the subsystem holding it.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerFirmware
	OwnerKernel
	OwnerPageTable
	OwnerBootHeap
	OwnerSlab
	OwnerUser
)

var ownerNames = [...]string{"none", "firmware", "kernel", "page-table", "boot-heap", "slab", "user"}

func (o Owner) String() string {
	if int(o) < len(ownerNames) {
		return ownerNames[o]
	}
	return fmt.Sprintf("owner(%d)", uint8(o))
}

// Region is one entry of the memory map handed over by the boot collaborator.
type Region struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Usable bool   `json:"usable"`
}
