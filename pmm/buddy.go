package pmm

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/bitfield"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/ksync"
)

// order 0 : 1 frame (4K)
// order 9 : 512 frames (2M)
// order 18: 262144 frames (1G)
// order 20: 1048576 frames (4G), the largest block.
const MaxOrder = 20

const noFrame = ^uint32(0)

// frameMeta is the per-frame bookkeeping. Free blocks are linked through
// next/prev by frame index; span is the frame count of the reservation
// starting at this frame.
type frameMeta struct {
	flags uint32 // packed bitfield.FrameFlags
	span  uint32
	next  uint32
	prev  uint32
}

// Allocator is a buddy frame allocator sized to the boot memory map.
// A block of order k starts on a frame index that is a multiple of 2^k.
type Allocator struct {
	lock ksync.SpinLock

	meta []frameMeta

	freeHead   [MaxOrder + 1]uint32
	freeBlocks [MaxOrder + 1]uint64

	freeFrames   uint64
	usableFrames uint64
	reservations uint64

	logger *slog.Logger
}

// New builds an allocator from the memory map. Frames not covered by a
// usable region, and frames covered by any unusable region, are Used and
// owned by the firmware for the whole life of the allocator.
func New(regions []Region, logger *slog.Logger) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var end uint64
	for _, r := range regions {
		if r.Length == 0 {
			continue
		}
		if last := (r.Base + r.Length + arch.PageSize - 1) / arch.PageSize; last > end {
			end = last
		}
	}
	if end == 0 {
		return nil, fmt.Errorf("%w: memory map has no frames", kernel.ErrInvalidArgument)
	}
	if end >= uint64(noFrame) {
		return nil, fmt.Errorf("%w: memory map spans %d frames", kernel.ErrInvalidArgument, end)
	}

	usable := make([]bool, end)
	for _, r := range regions {
		if !r.Usable || r.Length == 0 {
			continue
		}
		first := (r.Base + arch.PageSize - 1) / arch.PageSize
		last := (r.Base + r.Length) / arch.PageSize
		for f := first; f < last; f++ {
			usable[f] = true
		}
	}
	for _, r := range regions {
		if r.Usable || r.Length == 0 {
			continue
		}
		first := r.Base / arch.PageSize
		last := (r.Base + r.Length + arch.PageSize - 1) / arch.PageSize
		for f := first; f < last; f++ {
			usable[f] = false
		}
	}

	a := &Allocator{
		meta:   make([]frameMeta, end),
		logger: logger.With("module", "pmm"),
	}
	for i := range a.freeHead {
		a.freeHead[i] = noFrame
	}
	firmware := a.pack(bitfield.FrameFlags{Used: true, Owner: uint8(OwnerFirmware)})
	for i := range a.meta {
		a.meta[i] = frameMeta{flags: firmware, next: noFrame, prev: noFrame}
	}

	for f := uint64(0); f < end; {
		if !usable[f] {
			f++
			continue
		}
		start := f
		for f < end && usable[f] {
			f++
		}
		a.freeRange(start, f-start)
	}
	a.usableFrames = a.freeFrames

	a.logger.Info("frame allocator ready",
		"frames", end, "free", a.freeFrames, "free_kb", a.freeFrames*arch.PageSize/1024)
	return a, nil
}

// Reserve reserves count contiguous frames aligned to alignment frames for
// the kernel. See ReserveFor.
func (a *Allocator) Reserve(count, alignment uint64) (Range, error) {
	return a.ReserveFor(OwnerKernel, count, alignment)
}

// ReserveFor reserves count contiguous frames whose first frame index is a
// multiple of alignment and tags them with owner. An alignment of zero
// means no alignment. It never blocks; when no block is large enough it
// fails with ErrOutOfMemory.
func (a *Allocator) ReserveFor(owner Owner, count, alignment uint64) (Range, error) {
	if count == 0 {
		return Range{}, fmt.Errorf("%w: reserve of zero frames", kernel.ErrInvalidArgument)
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return Range{}, fmt.Errorf("%w: alignment %d is not a power of two", kernel.ErrAlignmentViolation, alignment)
	}

	order := ceilLog2(count)
	if shift := uint(bits.TrailingZeros64(alignment)); shift > order {
		order = shift
	}
	if order > MaxOrder {
		return Range{}, fmt.Errorf("%w: %d frames aligned to %d exceed the largest block", kernel.ErrOutOfMemory, count, alignment)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	o := order
	for o <= MaxOrder && a.freeHead[o] == noFrame {
		o++
	}
	if o > MaxOrder {
		a.logger.Debug("reservation failed", "count", count, "alignment", alignment, "free", a.freeFrames)
		return Range{}, fmt.Errorf("%w: %d frames aligned to %d (%d free)", kernel.ErrOutOfMemory, count, alignment, a.freeFrames)
	}

	b := uint64(a.pop(o))
	for o > order {
		o--
		a.push(b+1<<o, o)
	}
	a.freeFrames -= 1 << order

	used := a.pack(bitfield.FrameFlags{Used: true, Owner: uint8(owner)})
	for f := b; f < b+count; f++ {
		a.meta[f].flags = used
	}
	a.meta[b].flags = a.pack(bitfield.FrameFlags{Used: true, SpanHead: true, Owner: uint8(owner)})
	a.meta[b].span = uint32(count)
	a.reservations++

	// Hand the unused tail of the block straight back.
	if tail := uint64(1)<<order - count; tail > 0 {
		a.freeRange(b+count, tail)
	}

	return Range{Start: Frame(b), Count: count}, nil
}

// Release returns a reservation to the allocator. r must be exactly a live
// reservation: releasing it twice, releasing part of it or releasing frames
// that were never reserved halts the kernel.
func (a *Allocator) Release(r Range) {
	a.lock.Lock()
	defer a.lock.Unlock()

	start := uint64(r.Start)
	if r.Count == 0 || start >= uint64(len(a.meta)) || r.Count > uint64(len(a.meta))-start {
		kernel.Halt(a.logger, "pmm", kernel.ErrInvariantViolation, "release of %s outside the frame table", r)
	}
	head := a.flags(start)
	if !head.SpanHead || uint64(a.meta[start].span) != r.Count {
		kernel.Halt(a.logger, "pmm", kernel.ErrInvariantViolation,
			"release of %s does not match a live reservation (span head %v, span %d)", r, head.SpanHead, a.meta[start].span)
	}

	a.meta[start].span = 0
	a.reservations--
	a.freeRange(start, r.Count)
}

// freeRange marks [start, start+n) free and inserts it as maximal aligned
// blocks, merging each with its buddy where possible.
func (a *Allocator) freeRange(start, n uint64) {
	for n > 0 {
		order := uint(0)
		for order < MaxOrder && start&(1<<(order+1)-1) == 0 && 1<<(order+1) <= n {
			order++
		}
		size := uint64(1) << order
		for f := start; f < start+size; f++ {
			a.meta[f].flags = 0
		}
		a.freeFrames += size
		a.insert(start, order)
		start += size
		n -= size
	}
}

func (a *Allocator) insert(b uint64, order uint) {
	for order < MaxOrder {
		buddy := b ^ (1 << order)
		if buddy+1<<order > uint64(len(a.meta)) {
			break
		}
		f := a.flags(buddy)
		if !f.FreeHead || uint(f.Order) != order {
			break
		}
		a.unlink(buddy, order)
		b = min(b, buddy)
		order++
	}
	a.push(b, order)
}

func (a *Allocator) push(b uint64, order uint) {
	head := a.freeHead[order]
	a.meta[b].next = head
	a.meta[b].prev = noFrame
	if head != noFrame {
		a.meta[head].prev = uint32(b)
	}
	a.freeHead[order] = uint32(b)
	a.freeBlocks[order]++
	a.meta[b].flags = a.pack(bitfield.FrameFlags{FreeHead: true, Order: uint8(order)})
}

func (a *Allocator) pop(order uint) uint32 {
	b := a.freeHead[order]
	a.unlink(uint64(b), order)
	return b
}

func (a *Allocator) unlink(b uint64, order uint) {
	m := &a.meta[b]
	if m.prev != noFrame {
		a.meta[m.prev].next = m.next
	} else {
		a.freeHead[order] = m.next
	}
	if m.next != noFrame {
		a.meta[m.next].prev = m.prev
	}
	m.next, m.prev = noFrame, noFrame
	m.flags = 0
	a.freeBlocks[order]--
}

func (a *Allocator) flags(f uint64) bitfield.FrameFlags {
	return bitfield.UnpackFrameFlags(a.meta[f].flags)
}

func (a *Allocator) pack(f bitfield.FrameFlags) uint32 {
	w, err := bitfield.PackFrameFlags(f)
	if err != nil {
		kernel.Halt(a.logger, "pmm", kernel.ErrInvariantViolation, "frame flags: %v", err)
	}
	return w
}

func ceilLog2(n uint64) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(n - 1))
}
