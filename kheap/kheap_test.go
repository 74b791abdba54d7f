package kheap

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/vmm"
)

var (
	bootWindow  = vmm.VirtRange{Start: vmm.KernelBase + 1<<30, Pages: 64}
	cacheWindow = vmm.VirtRange{Start: vmm.KernelBase + 2<<30, Pages: 1 << 16}
)

type env struct {
	frames *pmm.Allocator
	mapper *vmm.Mapper
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, frames uint64) env {
	t.Helper()
	alloc, err := pmm.New([]pmm.Region{{Base: 0, Length: frames * arch.PageSize, Usable: true}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m, err := vmm.NewMapper(alloc, vmm.Options{TLBEntries: 8}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return env{frames: alloc, mapper: m}
}

func (e env) cache() *Cache {
	return NewCache(e.mapper.Kernel(), e.frames, cacheWindow, testLogger())
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		h, ok := kernel.AsHalt(recover())
		if !ok {
			t.Fatal("expected a kernel halt")
		}
		if !errors.Is(h, kernel.ErrInvariantViolation) {
			t.Errorf("halt error = %v, want ErrInvariantViolation", h)
		}
	}()
	fn()
}

type tcbLike struct {
	id    uint64
	regs  [20]uint64
	state uint8
}

func TestBumpAlloc(t *testing.T) {
	e := newEnv(t, 2048)
	b := NewBump(e.mapper.Kernel(), e.frames, bootWindow, testLogger())

	tests := []struct {
		size, align uint64
		want        uint64
	}{
		{24, 0, bootWindow.Start},
		{8, 0, bootWindow.Start + 32},
		{100, 64, bootWindow.Start + 64},
		{arch.PageSize, arch.PageSize, bootWindow.Start + arch.PageSize},
	}
	for _, tt := range tests {
		got, err := b.Alloc(tt.size, tt.align)
		if err != nil {
			t.Fatalf("Alloc(%d, %d) error = %v", tt.size, tt.align, err)
		}
		if got != tt.want {
			t.Errorf("Alloc(%d, %d) = %#x, want %#x", tt.size, tt.align, got, tt.want)
		}
		if _, err := e.mapper.Kernel().Translate(got + tt.size - 1); err != nil {
			t.Errorf("last byte of allocation at %#x is not mapped: %v", got, err)
		}
	}
	if got, want := b.Used(), 2*uint64(arch.PageSize); got != want {
		t.Errorf("Used() = %d, want %d", got, want)
	}
}

func TestBumpErrors(t *testing.T) {
	e := newEnv(t, 2048)
	b := NewBump(e.mapper.Kernel(), e.frames, bootWindow, testLogger())

	if _, err := b.Alloc(0, 0); !errors.Is(err, kernel.ErrInvalidArgument) {
		t.Errorf("Alloc(0) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := b.Alloc(8, 24); !errors.Is(err, kernel.ErrAlignmentViolation) {
		t.Errorf("Alloc(8, 24) error = %v, want ErrAlignmentViolation", err)
	}
	if _, err := b.Alloc(bootWindow.Pages*arch.PageSize+1, 0); !errors.Is(err, kernel.ErrOutOfMemory) {
		t.Errorf("Alloc past the window error = %v, want ErrOutOfMemory", err)
	}

	b.Seal()
	if !b.Sealed() {
		t.Error("Sealed() = false after Seal")
	}
	if _, err := b.Alloc(8, 0); !errors.Is(err, kernel.ErrBootHeapSealed) {
		t.Errorf("Alloc after Seal error = %v, want ErrBootHeapSealed", err)
	}
}

func TestObjectIdentity(t *testing.T) {
	c := newEnv(t, 2048).cache()
	cl, err := NewClass[tcbLike](c, "tcb", 16, arch.CacheLineSize)
	if err != nil {
		t.Fatal(err)
	}

	h1, p1, err := cl.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	p1.id = 42
	cl.Free(h1)

	h2, p2, err := cl.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h1 || p2 != p1 {
		t.Errorf("re-allocation returned %v/%p, want %v/%p", h2, p2, h1, p1)
	}
	if p2.id != 42 {
		t.Errorf("object contents changed across free: id = %d", p2.id)
	}
	if got := cl.Get(h2); got != p2 {
		t.Errorf("Get() = %p, want %p", got, p2)
	}
}

// Allocating and freeing in a loop never asks for a second slab.
func TestAllocFreeLoopUsesOneSlab(t *testing.T) {
	e := newEnv(t, 2048)
	c := e.cache()
	cl, err := NewClass[tcbLike](c, "tcb", 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		h, _, err := cl.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d error = %v", i, err)
		}
		cl.Free(h)
	}

	stats := cl.Stats()
	if stats.Grows != 1 || stats.Slabs != 1 {
		t.Errorf("grows = %d, slabs = %d, want 1 and 1", stats.Grows, stats.Slabs)
	}
	if stats.InUse != 0 || stats.Free != 8 {
		t.Errorf("in use = %d, free = %d, want 0 and 8", stats.InUse, stats.Free)
	}
}

func TestAllocFreeDoesNotAllocate(t *testing.T) {
	c := newEnv(t, 2048).cache()
	cl, err := NewClass[tcbLike](c, "tcb", 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := cl.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	cl.Free(h)

	allocs := testing.AllocsPerRun(100, func() {
		h, _, _ := cl.Alloc()
		cl.Free(h)
	})
	if allocs != 0 {
		t.Errorf("Alloc/Free allocated %.1f times per run, want 0", allocs)
	}
}

func TestObjectsAreDisjointAndAligned(t *testing.T) {
	c := newEnv(t, 2048).cache()
	cl, err := NewClass[tcbLike](c, "tcb", 5, arch.CacheLineSize)
	if err != nil {
		t.Fatal(err)
	}
	if cl.ObjectSize()%arch.CacheLineSize != 0 {
		t.Fatalf("ObjectSize() = %d, not a multiple of the cache line", cl.ObjectSize())
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 12; i++ {
		h, _, err := cl.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		addr := cl.Addr(h)
		if addr%arch.CacheLineSize != 0 {
			t.Errorf("object %v at %#x is not cache line aligned", h, addr)
		}
		if seen[addr] {
			t.Errorf("address %#x handed out twice", addr)
		}
		seen[addr] = true
	}
	if got := cl.Stats().Slabs; got != 3 {
		t.Errorf("Slabs = %d, want 3", got)
	}
}

func TestExhausted(t *testing.T) {
	// 257 kernel tables, then the slab tables and one slab leave nothing.
	e := newEnv(t, 262)
	c := e.cache()
	cl, err := NewClass[[arch.PageSize]byte](c, "page", 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	var live []Handle
	for {
		free := e.frames.FreeCount()
		h, _, err := cl.Alloc()
		if err != nil {
			if !errors.Is(err, kernel.ErrExhausted) || !errors.Is(err, kernel.ErrOutOfMemory) {
				t.Fatalf("Alloc() error = %v, want ErrExhausted wrapping ErrOutOfMemory", err)
			}
			if got := e.frames.FreeCount(); got != free {
				t.Errorf("failed grow leaked frames: free %d, want %d", got, free)
			}
			break
		}
		live = append(live, h)
		if len(live) > 16 {
			t.Fatal("class never exhausted")
		}
	}
	if len(live) == 0 {
		t.Fatal("no allocation succeeded")
	}
	if got := cl.Stats().InUse; got != len(live) {
		t.Errorf("InUse = %d, want %d", got, len(live))
	}
}

func TestSlabLimit(t *testing.T) {
	defer func(n int) { slabLimit = n }(slabLimit)
	slabLimit = 2

	e := newEnv(t, 2048)
	cl, err := NewClass[[arch.PageSize]byte](e.cache(), "page", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < slabLimit; i++ {
		if _, _, err := cl.Alloc(); err != nil {
			t.Fatalf("Alloc() %d: %v", i, err)
		}
	}

	free := e.frames.FreeCount()
	_, _, err = cl.Alloc()
	if !errors.Is(err, kernel.ErrExhausted) || errors.Is(err, kernel.ErrOutOfMemory) {
		t.Errorf("Alloc() past the slab limit error = %v, want ErrExhausted only", err)
	}
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
	if got := cl.Stats().Slabs; got != slabLimit {
		t.Errorf("Slabs = %d, want %d", got, slabLimit)
	}
}

func TestFreeInvariantViolations(t *testing.T) {
	c := newEnv(t, 2048).cache()
	a, err := NewClass[tcbLike](c, "a", 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewClass[uint64](c, "b", 4, 0)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("wrong class", func(t *testing.T) {
		h, _, err := a.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		expectHalt(t, func() { b.Free(h) })
	})
	t.Run("double free", func(t *testing.T) {
		h, _, err := a.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		a.Free(h)
		expectHalt(t, func() { a.Free(h) })
	})
	t.Run("never allocated", func(t *testing.T) {
		expectHalt(t, func() { a.Free(makeHandle(1, 7, 0)) })
	})
}

func TestShrink(t *testing.T) {
	e := newEnv(t, 2048)
	c := e.cache()
	cl, err := NewClass[tcbLike](c, "tcb", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	free := e.frames.FreeCount()

	var hs []Handle
	for i := 0; i < 4; i++ {
		h, _, err := cl.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}
	// Empty the first slab only.
	cl.Free(hs[0])
	cl.Free(hs[1])

	if got := c.Shrink(); got != 1 {
		t.Fatalf("Shrink() = %d, want 1", got)
	}
	if cl.Get(hs[2]) == nil || cl.Get(hs[3]) == nil {
		t.Error("live objects lost by Shrink")
	}
	if cl.Get(hs[0]) != nil {
		t.Error("object of a released slab still resolves")
	}

	cl.Free(hs[2])
	cl.Free(hs[3])
	c.Shrink()
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() after Shrink = %d, want %d", got, free)
	}

	stats := c.Stats()
	if len(stats) != 1 || stats[0].Slabs != 0 || stats[0].Free != 0 {
		t.Errorf("Stats() = %+v", stats)
	}

	// The class grows again into a reused slot.
	if _, _, err := cl.Alloc(); err != nil {
		t.Fatal(err)
	}
}
