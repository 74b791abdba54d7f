package vmm

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/bitfield"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/ksync"
	"github.com/iansmith/kcore/pmm"
)

// table is the content of one page table frame. live counts the present
// entries; a table whose count drops to zero is released unless pinned.
type table struct {
	entries [EntriesPerTable]uint64
	live    int
	pinned  bool
}

// Mapper owns every page table frame. Tables are addressed by the frame
// that backs them, the same way a hardware walk follows physical addresses.
type Mapper struct {
	lock ksync.SpinLock

	frames *pmm.Allocator
	tables map[pmm.Frame]*table

	kernel       *AddressSpace
	kernelGen    uint64
	kernelMapped uint64

	tlbSize   int
	tlbPolicy Replacement

	logger *slog.Logger
}

// Options tunes the software TLB attached to every address space.
type Options struct {
	TLBEntries     int
	TLBReplacement Replacement
}

// NewMapper builds the kernel root table and reserves one third level
// table for every kernel half root entry. Those tables are never released,
// so the kernel half of every address space created later aliases them and
// any kernel mapping is visible everywhere at once.
func NewMapper(frames *pmm.Allocator, opts Options, logger *slog.Logger) (*Mapper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mapper{
		frames:    frames,
		tables:    make(map[pmm.Frame]*table),
		tlbSize:   opts.TLBEntries,
		tlbPolicy: opts.TLBReplacement,
		logger:    logger.With("module", "vmm"),
	}

	root, err := m.newTable(true)
	if err != nil {
		return nil, fmt.Errorf("kernel root table: %w", err)
	}
	rt := m.tables[root]
	for i := kernelFirstEntry; i < EntriesPerTable; i++ {
		pdpt, err := m.newTable(true)
		if err != nil {
			m.releaseAll()
			return nil, fmt.Errorf("kernel table %d: %w", i, err)
		}
		rt.entries[i] = m.makeEntry(pdpt, FlagPresent|FlagWritable)
		rt.live++
	}

	m.kernel = &AddressSpace{m: m, root: root, tlb: newTLB(m.tlbSize, m.tlbPolicy), isKernel: true}
	m.logger.Info("kernel page tables ready", "root", root, "tables", len(m.tables))
	return m, nil
}

// Kernel returns the boot address space.
func (m *Mapper) Kernel() *AddressSpace {
	return m.kernel
}

// NewAddressSpace creates an address space whose kernel half aliases the
// kernel tables. Only the new root frame is reserved.
func (m *Mapper) NewAddressSpace() (*AddressSpace, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	root, err := m.newTable(true)
	if err != nil {
		return nil, fmt.Errorf("address space root: %w", err)
	}
	src := m.tables[m.kernel.root]
	dst := m.tables[root]
	copy(dst.entries[kernelFirstEntry:], src.entries[kernelFirstEntry:])

	return &AddressSpace{m: m, root: root, tlb: newTLB(m.tlbSize, m.tlbPolicy)}, nil
}

// TableFrames returns the number of frames currently holding page tables.
func (m *Mapper) TableFrames() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.tables)
}

// KernelMapped returns the number of pages mapped in the shared kernel half.
func (m *Mapper) KernelMapped() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.kernelMapped
}

func (m *Mapper) newTable(pinned bool) (pmm.Frame, error) {
	r, err := m.frames.ReserveFor(pmm.OwnerPageTable, 1, 1)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	m.tables[r.Start] = &table{pinned: pinned}
	return r.Start, nil
}

func (m *Mapper) freeTable(f pmm.Frame) {
	delete(m.tables, f)
	m.frames.Release(pmm.Range{Start: f, Count: 1})
}

func (m *Mapper) releaseAll() {
	for f := range m.tables {
		m.freeTable(f)
	}
}

// makeEntry packs the entry pointing at frame f with flags.
func (m *Mapper) makeEntry(f pmm.Frame, flags Flags) uint64 {
	e, err := bitfield.PackPTE(bitfield.PTEFlags{
		Present:      flags&FlagPresent != 0,
		Writable:     flags&FlagWritable != 0,
		User:         flags&FlagUser != 0,
		WriteThrough: flags&FlagWriteThrough != 0,
		CacheDisable: flags&FlagCacheDisable != 0,
		Accessed:     flags&FlagAccessed != 0,
		Dirty:        flags&FlagDirty != 0,
		Global:       flags&FlagGlobal != 0,
		Frame:        uint64(f),
		NoExecute:    flags&FlagNoExecute != 0,
	})
	if err != nil {
		kernel.Halt(m.logger, "vmm", kernel.ErrInvariantViolation, "entry for frame %d: %v", f, err)
	}
	return e
}

func entryFrame(e uint64) pmm.Frame {
	return pmm.Frame(bitfield.UnpackPTE(e).Frame)
}

// describe renders entry e field by field for diagnostics.
func describe(e uint64) string {
	var p bitfield.PTEFlags
	if err := bitfield.Unpack(e, &p); err != nil {
		return fmt.Sprintf("%#x", e)
	}
	return fmt.Sprintf("%#x %+v", e, p)
}

// walk returns the leaf table for va. With create set, missing
// intermediate tables are reserved on the way down; without it a missing
// table yields nil.
func (m *Mapper) walk(root pmm.Frame, va uint64, create bool) (*table, error) {
	t := m.tables[root]
	for level := 0; level < Levels-1; level++ {
		idx := tableIndex(va, level)
		e := t.entries[idx]
		if Flags(e)&FlagPresent == 0 {
			if !create {
				return nil, nil
			}
			f, err := m.newTable(false)
			if err != nil {
				return nil, err
			}
			flags := FlagPresent | FlagWritable
			if !IsKernel(va) {
				flags |= FlagUser
			}
			e = m.makeEntry(f, flags)
			t.entries[idx] = e
			t.live++
		}
		next, ok := m.tables[entryFrame(e)]
		if !ok {
			kernel.Halt(m.logger, "vmm", kernel.ErrInvariantViolation,
				"entry %s at level %d for %#x points at no table", describe(e), level, va)
		}
		t = next
	}
	return t, nil
}

// leaf returns the present leaf entry for va.
func (m *Mapper) leaf(root pmm.Frame, va uint64) (uint64, bool) {
	t, _ := m.walk(root, va, false)
	if t == nil {
		return 0, false
	}
	e := t.entries[tableIndex(va, Levels-1)]
	return e, Flags(e)&FlagPresent != 0
}

// clear removes the leaf entry for va and releases every table on the path
// that becomes empty. It reports whether a mapping was present.
func (m *Mapper) clear(root pmm.Frame, va uint64) (uint64, bool) {
	var path [Levels]*table
	t := m.tables[root]
	for level := 0; level < Levels; level++ {
		path[level] = t
		if level == Levels-1 {
			break
		}
		e := t.entries[tableIndex(va, level)]
		if Flags(e)&FlagPresent == 0 {
			return 0, false
		}
		t = m.tables[entryFrame(e)]
	}

	leafIdx := tableIndex(va, Levels-1)
	e := path[Levels-1].entries[leafIdx]
	if Flags(e)&FlagPresent == 0 {
		return 0, false
	}
	path[Levels-1].entries[leafIdx] = 0
	path[Levels-1].live--

	for level := Levels - 1; level > 0; level-- {
		t := path[level]
		if t.live > 0 || t.pinned {
			break
		}
		parent := path[level-1]
		idx := tableIndex(va, level-1)
		f := entryFrame(parent.entries[idx])
		parent.entries[idx] = 0
		parent.live--
		m.freeTable(f)
	}
	return e, true
}

func checkRange(vr VirtRange) error {
	if vr.Pages == 0 {
		return fmt.Errorf("%w: empty range at %#x", kernel.ErrInvalidArgument, vr.Start)
	}
	if vr.Start%arch.PageSize != 0 {
		return fmt.Errorf("%w: %#x is not page aligned", kernel.ErrAlignmentViolation, vr.Start)
	}
	if vr.Pages-1 > (math.MaxUint64-vr.Start)/arch.PageSize {
		return fmt.Errorf("%w: %d pages at %#x wrap around", kernel.ErrInvalidArgument, vr.Pages, vr.Start)
	}
	last := vr.Start + (vr.Pages-1)*arch.PageSize
	if !canonical(vr.Start) || !canonical(last) || IsKernel(vr.Start) != IsKernel(last) {
		return fmt.Errorf("%w: %s is not canonical", kernel.ErrInvalidArgument, vr)
	}
	return nil
}
