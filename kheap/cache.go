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

// Cache is the object cache: a set of classes whose slabs are mapped into
// one kernel virtual window.
type Cache struct {
	lock ksync.SpinLock

	space  *vmm.AddressSpace
	frames *pmm.Allocator

	window vmm.VirtRange
	next   uint64
	spare  map[uint64][]uint64 // slab windows by page count, ready for reuse

	classes []classEntry

	logger *slog.Logger
}

type classEntry struct {
	stats  func() ClassStats
	shrink func() int
}

// ClassStats is a snapshot of one class.
type ClassStats struct {
	Name       string
	ObjectSize uint64
	PerSlab    int
	Slabs      int
	InUse      int
	Free       int
	Grows      uint64
}

// NewCache returns an object cache that maps its slabs into window.
func NewCache(space *vmm.AddressSpace, frames *pmm.Allocator, window vmm.VirtRange, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		space:  space,
		frames: frames,
		window: window,
		next:   window.Start,
		spare:  make(map[uint64][]uint64),
		logger: logger.With("module", "kheap"),
	}
}

// Stats returns a snapshot of every class in creation order.
func (c *Cache) Stats() []ClassStats {
	c.lock.Lock()
	classes := c.classes
	c.lock.Unlock()

	stats := make([]ClassStats, 0, len(classes))
	for _, cl := range classes {
		stats = append(stats, cl.stats())
	}
	return stats
}

// Shrink releases every slab without live objects and returns how many
// were released.
func (c *Cache) Shrink() int {
	c.lock.Lock()
	classes := c.classes
	c.lock.Unlock()

	n := 0
	for _, cl := range classes {
		n += cl.shrink()
	}
	return n
}

func (c *Cache) register(e classEntry) (uint16, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.classes) >= maxClasses {
		return 0, fmt.Errorf("%w: more than %d classes", kernel.ErrInvalidArgument, maxClasses)
	}
	c.classes = append(c.classes, e)
	return uint16(len(c.classes)), nil
}

// mapSlab maps frames at a free spot of the window and returns its address.
func (c *Cache) mapSlab(frames pmm.Range) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var va uint64
	if spare := c.spare[frames.Count]; len(spare) > 0 {
		va = spare[len(spare)-1]
		c.spare[frames.Count] = spare[:len(spare)-1]
	} else {
		end := c.next + frames.Count*arch.PageSize
		if end > c.window.End() {
			return 0, fmt.Errorf("%w: object cache window %s exhausted", kernel.ErrOutOfMemory, c.window)
		}
		va = c.next
		c.next = end
	}

	if err := c.space.Map(vmm.VirtRange{Start: va, Pages: frames.Count}, frames, vmm.FlagWritable|vmm.FlagNoExecute); err != nil {
		c.spare[frames.Count] = append(c.spare[frames.Count], va)
		return 0, err
	}
	return va, nil
}

func (c *Cache) unmapSlab(va, pages uint64) (pmm.Range, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	r, err := c.space.Unmap(vmm.VirtRange{Start: va, Pages: pages})
	if err != nil {
		return pmm.Range{}, err
	}
	c.spare[pages] = append(c.spare[pages], va)
	return r, nil
}
