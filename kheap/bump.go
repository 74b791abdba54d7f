// Package kheap implements the two phases of the kernel heap: a bump
// allocator for early boot and the size classed object cache that replaces
// it once it is up.
package kheap

import (
	"fmt"
	"log/slog"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/ksync"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/vmm"
)

// HeapAlignment is the default alignment of heap allocations.
const HeapAlignment = 16

// Bump hands out increasing addresses from a kernel virtual window and maps
// frames behind them on demand. Allocations are never freed; once the
// object cache is initialized the allocator is sealed.
type Bump struct {
	lock ksync.SpinLock

	space  *vmm.AddressSpace
	frames *pmm.Allocator

	window    vmm.VirtRange
	next      uint64 // next free address
	mappedEnd uint64 // first address without a page behind it
	backing   []pmm.Range
	sealed    bool

	logger *slog.Logger
}

// NewBump returns a boot allocator over window in space.
func NewBump(space *vmm.AddressSpace, frames *pmm.Allocator, window vmm.VirtRange, logger *slog.Logger) *Bump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bump{
		space:     space,
		frames:    frames,
		window:    window,
		next:      window.Start,
		mappedEnd: window.Start,
		logger:    logger.With("module", "kheap"),
	}
}

// Alloc returns the address of size bytes aligned to align. An align of
// zero means HeapAlignment.
func (b *Bump) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero sized boot allocation", kernel.ErrInvalidArgument)
	}
	if align == 0 {
		align = HeapAlignment
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: boot allocation aligned to %d", kernel.ErrAlignmentViolation, align)
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.sealed {
		return 0, kernel.ErrBootHeapSealed
	}

	start := alignUp(b.next, align)
	end := start + size
	if end < start || end > b.window.End() {
		return 0, fmt.Errorf("%w: boot heap window %s exhausted", kernel.ErrOutOfMemory, b.window)
	}

	if end > b.mappedEnd {
		pages := (alignUp(end, arch.PageSize) - b.mappedEnd) / arch.PageSize
		r, err := b.frames.ReserveFor(pmm.OwnerBootHeap, pages, 1)
		if err != nil {
			return 0, fmt.Errorf("boot heap: %w", err)
		}
		vr := vmm.VirtRange{Start: b.mappedEnd, Pages: pages}
		if err := b.space.Map(vr, r, vmm.FlagWritable|vmm.FlagNoExecute); err != nil {
			b.frames.Release(r)
			return 0, fmt.Errorf("boot heap: %w", err)
		}
		b.backing = append(b.backing, r)
		b.mappedEnd = vr.End()
	}

	b.next = end
	return start, nil
}

// Seal stops the allocator. Memory handed out so far stays mapped.
func (b *Bump) Seal() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.sealed {
		b.sealed = true
		b.logger.Info("boot heap sealed", "used", b.next-b.window.Start, "pages", (b.mappedEnd-b.window.Start)/arch.PageSize)
	}
}

// Sealed reports whether Seal was called.
func (b *Bump) Sealed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.sealed
}

// Used returns the number of bytes handed out, padding included.
func (b *Bump) Used() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.next - b.window.Start
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
