package kheap

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/ksync"
	"github.com/iansmith/kcore/pmm"
)

const (
	maxClasses = 1<<16 - 1
	maxSlabs   = 1 << 24
	maxPerSlab = 1 << 24
)

// slabLimit caps the slab count of one class. It never exceeds maxSlabs.
var slabLimit = maxSlabs

// Handle names one object of one class: class id, slab index and object
// index packed into a word. The zero Handle names nothing.
type Handle uint64

// NilHandle is the zero Handle.
const NilHandle Handle = 0

func makeHandle(class uint16, slab, index int) Handle {
	return Handle(uint64(class)<<48 | uint64(slab)<<24 | uint64(index))
}

// Class returns the id of the class the object belongs to.
func (h Handle) Class() uint16 { return uint16(h >> 48) }

// Slab returns the index of the slab holding the object.
func (h Handle) Slab() int { return int(h>>24) & (maxSlabs - 1) }

// Index returns the index of the object within its slab.
func (h Handle) Index() int { return int(h) & (maxPerSlab - 1) }

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d:%d", h.Class(), h.Slab(), h.Index())
}

// slab is the off-slab descriptor of one frame range. Object storage lives
// in objs; nothing of the descriptor is kept inside the frames.
type slab[T any] struct {
	frames pmm.Range
	base   uint64
	objs   []T
	live   []bool
	inUse  int
}

// Class is a pool of objects of type T. Free objects are kept on a LIFO
// stack, so an object freed and allocated again with no allocation in
// between comes back with the same handle and the same storage. Alloc
// returns the object as it was left by its last user.
type Class[T any] struct {
	lock ksync.SpinLock

	cache   *Cache
	id      uint16
	name    string
	objSize uint64
	perSlab int
	pages   uint64

	slabs []*slab[T]
	free  []Handle
	inUse int
	grows uint64

	logger *slog.Logger
}

// NewClass adds a class for T to the cache. Every slab holds perSlab
// objects; each object is placed on a multiple of align bytes, so an align
// of arch.CacheLineSize gives every object its own cache lines. Zero means
// HeapAlignment.
func NewClass[T any](c *Cache, name string, perSlab int, align uint64) (*Class[T], error) {
	if perSlab <= 0 || perSlab >= maxPerSlab {
		return nil, fmt.Errorf("%w: class %s with %d objects per slab", kernel.ErrInvalidArgument, name, perSlab)
	}
	if align == 0 {
		align = HeapAlignment
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: class %s aligned to %d", kernel.ErrAlignmentViolation, name, align)
	}

	var zero T
	size := alignUp(uint64(unsafe.Sizeof(zero)), align)
	if size == 0 {
		size = align
	}

	cl := &Class[T]{
		cache:   c,
		name:    name,
		objSize: size,
		perSlab: perSlab,
		pages:   alignUp(size*uint64(perSlab), arch.PageSize) / arch.PageSize,
		logger:  c.logger.With("class", name),
	}
	id, err := c.register(classEntry{stats: cl.Stats, shrink: cl.Shrink})
	if err != nil {
		return nil, err
	}
	cl.id = id
	return cl, nil
}

// Name returns the class name.
func (cl *Class[T]) Name() string {
	return cl.name
}

// Alloc pops an object off the free stack, growing the class by one slab
// when the stack is empty. If the slab cannot be backed it fails with
// ErrExhausted wrapping the allocator error.
func (cl *Class[T]) Alloc() (Handle, *T, error) {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	if len(cl.free) == 0 {
		if err := cl.grow(); err != nil {
			return NilHandle, nil, err
		}
	}

	h := cl.free[len(cl.free)-1]
	cl.free = cl.free[:len(cl.free)-1]

	s := cl.slabs[h.Slab()]
	i := h.Index()
	s.live[i] = true
	s.inUse++
	cl.inUse++
	return h, &s.objs[i], nil
}

// Free pushes the object back on the free stack of its class. Freeing an
// object of another class or an object that is not live halts the kernel.
func (cl *Class[T]) Free(h Handle) {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	if h.Class() != cl.id {
		kernel.Halt(cl.logger, "kheap", kernel.ErrInvariantViolation,
			"object %s freed into class %s (id %d)", h, cl.name, cl.id)
	}
	s, i := cl.lookup(h)
	if s == nil || !s.live[i] {
		kernel.Halt(cl.logger, "kheap", kernel.ErrInvariantViolation,
			"object %s of class %s is not live", h, cl.name)
	}

	s.live[i] = false
	s.inUse--
	cl.inUse--
	// Capacity for every object was set aside by grow.
	cl.free = append(cl.free, h)
}

// Get returns the storage of a live object, or nil.
func (cl *Class[T]) Get(h Handle) *T {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	if h.Class() != cl.id {
		return nil
	}
	s, i := cl.lookup(h)
	if s == nil || !s.live[i] {
		return nil
	}
	return &s.objs[i]
}

// Addr returns the kernel virtual address of the object, or 0.
func (cl *Class[T]) Addr(h Handle) uint64 {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	if h.Class() != cl.id {
		return 0
	}
	s, i := cl.lookup(h)
	if s == nil {
		return 0
	}
	return s.base + uint64(i)*cl.objSize
}

// ObjectSize returns the padded size of one object.
func (cl *Class[T]) ObjectSize() uint64 {
	return cl.objSize
}

// Stats returns a snapshot of the class.
func (cl *Class[T]) Stats() ClassStats {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	slabs := 0
	for _, s := range cl.slabs {
		if s != nil {
			slabs++
		}
	}
	return ClassStats{
		Name:       cl.name,
		ObjectSize: cl.objSize,
		PerSlab:    cl.perSlab,
		Slabs:      slabs,
		InUse:      cl.inUse,
		Free:       len(cl.free),
		Grows:      cl.grows,
	}
}

// Shrink releases every slab of the class that has no live object and
// returns how many were released.
func (cl *Class[T]) Shrink() int {
	cl.lock.Lock()
	defer cl.lock.Unlock()

	released := 0
	for idx, s := range cl.slabs {
		if s == nil || s.inUse > 0 {
			continue
		}
		r, err := cl.cache.unmapSlab(s.base, cl.pages)
		if err != nil {
			kernel.Halt(cl.logger, "kheap", kernel.ErrInvariantViolation, "slab %d of class %s: %v", idx, cl.name, err)
		}
		if r != s.frames {
			kernel.Halt(cl.logger, "kheap", kernel.ErrInvariantViolation,
				"slab %d of class %s mapped onto %s, want %s", idx, cl.name, r, s.frames)
		}
		cl.cache.frames.Release(s.frames)

		kept := cl.free[:0]
		for _, h := range cl.free {
			if h.Slab() != idx {
				kept = append(kept, h)
			}
		}
		cl.free = kept
		cl.slabs[idx] = nil
		released++
	}
	if released > 0 {
		cl.logger.Debug("class shrunk", "slabs", released)
	}
	return released
}

func (cl *Class[T]) lookup(h Handle) (*slab[T], int) {
	si, i := h.Slab(), h.Index()
	if si >= len(cl.slabs) || cl.slabs[si] == nil || i >= cl.perSlab {
		return nil, 0
	}
	return cl.slabs[si], i
}

// grow backs one more slab. It is the only place the class allocates.
func (cl *Class[T]) grow() error {
	idx := -1
	for i, s := range cl.slabs {
		if s == nil {
			idx = i
			break
		}
	}
	if idx < 0 && len(cl.slabs) >= slabLimit {
		return fmt.Errorf("%w: class %s has %d slabs", kernel.ErrExhausted, cl.name, len(cl.slabs))
	}

	frames, err := cl.cache.frames.ReserveFor(pmm.OwnerSlab, cl.pages, 1)
	if err != nil {
		return fmt.Errorf("%w: class %s: %w", kernel.ErrExhausted, cl.name, err)
	}
	base, err := cl.cache.mapSlab(frames)
	if err != nil {
		cl.cache.frames.Release(frames)
		return fmt.Errorf("%w: class %s: %w", kernel.ErrExhausted, cl.name, err)
	}

	if idx < 0 {
		cl.slabs = append(cl.slabs, nil)
		idx = len(cl.slabs) - 1
	}
	cl.slabs[idx] = &slab[T]{
		frames: frames,
		base:   base,
		objs:   make([]T, cl.perSlab),
		live:   make([]bool, cl.perSlab),
	}

	slabs := 0
	for _, s := range cl.slabs {
		if s != nil {
			slabs++
		}
	}
	if want := slabs * cl.perSlab; cap(cl.free) < want {
		free := make([]Handle, len(cl.free), want)
		copy(free, cl.free)
		cl.free = free
	}
	for i := cl.perSlab - 1; i >= 0; i-- {
		cl.free = append(cl.free, makeHandle(cl.id, idx, i))
	}

	cl.grows++
	cl.logger.Debug("slab added", "slab", idx, "frames", frames, "base", fmt.Sprintf("%#x", base))
	return nil
}
