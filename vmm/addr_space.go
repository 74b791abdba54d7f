package vmm

import (
	"fmt"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/pmm"
)

// AddressSpace is one root table plus its TLB. All address spaces of a
// Mapper share the tables of the kernel half.
type AddressSpace struct {
	m    *Mapper
	root pmm.Frame
	tlb  *TLB

	mapped    uint64 // user half pages
	isKernel  bool
	destroyed bool
}

// Root returns the frame of the root table, the value loaded into CR3.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

// Mapped returns the number of pages mapped in the lower half.
func (as *AddressSpace) Mapped() uint64 {
	as.m.lock.Lock()
	defer as.m.lock.Unlock()
	return as.mapped
}

// TLB returns the translation cache of the address space.
func (as *AddressSpace) TLB() *TLB {
	return as.tlb
}

// Map maps vr onto the frames of pr with the given flags. If any page of vr
// is already mapped nothing is changed and ErrConflict is returned. Tables
// reserved for the mapping are released again if it fails part way.
func (as *AddressSpace) Map(vr VirtRange, pr pmm.Range, flags Flags) error {
	if err := checkRange(vr); err != nil {
		return err
	}
	if pr.Count != vr.Pages {
		return fmt.Errorf("%w: %d pages onto %d frames", kernel.ErrInvalidArgument, vr.Pages, pr.Count)
	}
	if IsKernel(vr.Start) && flags&FlagUser != 0 {
		return fmt.Errorf("%w: user flag on kernel range %s", kernel.ErrInvalidArgument, vr)
	}

	m := as.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if as.destroyed {
		return fmt.Errorf("%w: address space destroyed", kernel.ErrInvalidArgument)
	}

	for i := uint64(0); i < vr.Pages; i++ {
		va := vr.Start + i*arch.PageSize
		if _, ok := m.leaf(as.root, va); ok {
			return fmt.Errorf("%w: %#x in %s", kernel.ErrConflict, va, vr)
		}
	}

	leafFlags := (flags & flagMask) | FlagPresent
	if IsKernel(vr.Start) {
		leafFlags |= FlagGlobal
	}
	for i := uint64(0); i < vr.Pages; i++ {
		va := vr.Start + i*arch.PageSize
		t, err := m.walk(as.root, va, true)
		if err != nil {
			for j := uint64(0); j < i; j++ {
				m.clear(as.root, vr.Start+j*arch.PageSize)
			}
			// A table reserved for page i may be empty now.
			m.pruneEmpty(as.root, va)
			return fmt.Errorf("map %s: %w", vr, err)
		}
		t.entries[tableIndex(va, Levels-1)] = m.makeEntry(pr.Start+pmm.Frame(i), leafFlags)
		t.live++
	}

	as.account(vr, int64(vr.Pages))
	return nil
}

// Unmap removes the mappings of vr and returns the physical range they
// pointed at. If any page of vr is unmapped nothing is changed and
// ErrNotMapped is returned; if the pages are not backed by one contiguous
// frame range ErrConflict is returned. Tables left empty are released.
// The returned frames still belong to the caller.
func (as *AddressSpace) Unmap(vr VirtRange) (pmm.Range, error) {
	if err := checkRange(vr); err != nil {
		return pmm.Range{}, err
	}

	m := as.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if as.destroyed {
		return pmm.Range{}, fmt.Errorf("%w: address space destroyed", kernel.ErrInvalidArgument)
	}

	var first pmm.Frame
	for i := uint64(0); i < vr.Pages; i++ {
		va := vr.Start + i*arch.PageSize
		e, ok := m.leaf(as.root, va)
		if !ok {
			return pmm.Range{}, fmt.Errorf("%w: %#x in %s", kernel.ErrNotMapped, va, vr)
		}
		f := entryFrame(e)
		if i == 0 {
			first = f
		} else if f != first+pmm.Frame(i) {
			return pmm.Range{}, fmt.Errorf("%w: %s is not backed by contiguous frames", kernel.ErrConflict, vr)
		}
	}

	for i := uint64(0); i < vr.Pages; i++ {
		va := vr.Start + i*arch.PageSize
		m.clear(as.root, va)
		as.tlb.invalidate(va >> arch.PageShift)
	}
	if IsKernel(vr.Start) {
		m.kernelGen++
	}

	as.account(vr, -int64(vr.Pages))
	return pmm.Range{Start: first, Count: vr.Pages}, nil
}

// Translate returns the physical address va maps to, or ErrUnmapped.
func (as *AddressSpace) Translate(va uint64) (uint64, error) {
	m := as.m
	m.lock.Lock()
	defer m.lock.Unlock()

	offset := va & (arch.PageSize - 1)
	vpn := va >> arch.PageShift
	if pfn, ok := as.tlb.lookup(vpn, m.kernelGen); ok {
		return pfn<<arch.PageShift | offset, nil
	}
	if !canonical(va) || as.destroyed {
		return 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}

	e, ok := m.leaf(as.root, va)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}
	pfn := (e & addrMask) >> arch.PageShift
	as.tlb.insert(vpn, pfn, IsKernel(va), m.kernelGen)
	return pfn<<arch.PageShift | offset, nil
}

// Lookup returns the translation of va together with its entry flags,
// bypassing the TLB.
func (as *AddressSpace) Lookup(va uint64) (uint64, Flags, error) {
	m := as.m
	m.lock.Lock()
	defer m.lock.Unlock()

	if !canonical(va) || as.destroyed {
		return 0, 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}
	e, ok := m.leaf(as.root, va)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}
	return e&addrMask | va&(arch.PageSize-1), Flags(e) & flagMask, nil
}

// Destroy tears down the lower half and releases the root table. fn, if
// not nil, is called for every page still mapped so the caller can release
// the frames it owns; it must not call back into the mapper. The kernel
// address space cannot be destroyed.
func (as *AddressSpace) Destroy(fn func(va uint64, f pmm.Frame)) error {
	if as.isKernel {
		return fmt.Errorf("%w: the kernel address space cannot be destroyed", kernel.ErrInvalidArgument)
	}

	m := as.m
	m.lock.Lock()
	defer m.lock.Unlock()
	if as.destroyed {
		return fmt.Errorf("%w: address space destroyed twice", kernel.ErrInvalidArgument)
	}

	root := m.tables[as.root]
	for i := 0; i < kernelFirstEntry; i++ {
		e := root.entries[i]
		if Flags(e)&FlagPresent == 0 {
			continue
		}
		m.destroyTable(entryFrame(e), 1, uint64(i)<<levelShift[0], fn)
		root.entries[i] = 0
	}
	m.freeTable(as.root)

	as.tlb.Flush()
	as.mapped = 0
	as.destroyed = true
	return nil
}

func (m *Mapper) destroyTable(f pmm.Frame, level int, base uint64, fn func(uint64, pmm.Frame)) {
	t := m.tables[f]
	for i, e := range t.entries {
		if Flags(e)&FlagPresent == 0 {
			continue
		}
		va := base | uint64(i)<<levelShift[level]
		if level == Levels-1 {
			if fn != nil {
				fn(va, entryFrame(e))
			}
			continue
		}
		m.destroyTable(entryFrame(e), level+1, va, fn)
	}
	m.freeTable(f)
}

// pruneEmpty releases the empty tables on the path to va.
func (m *Mapper) pruneEmpty(root pmm.Frame, va uint64) {
	var path [Levels]*table
	var frames [Levels]pmm.Frame
	t := m.tables[root]
	depth := 0
	for level := 0; level < Levels; level++ {
		path[level] = t
		depth = level
		if level == Levels-1 {
			break
		}
		e := t.entries[tableIndex(va, level)]
		if Flags(e)&FlagPresent == 0 {
			break
		}
		frames[level+1] = entryFrame(e)
		t = m.tables[frames[level+1]]
	}
	for level := depth; level > 0; level-- {
		if path[level].live > 0 || path[level].pinned {
			break
		}
		parent := path[level-1]
		parent.entries[tableIndex(va, level-1)] = 0
		parent.live--
		m.freeTable(frames[level])
	}
}

func (as *AddressSpace) account(vr VirtRange, delta int64) {
	if IsKernel(vr.Start) {
		as.m.kernelMapped = uint64(int64(as.m.kernelMapped) + delta)
		return
	}
	as.mapped = uint64(int64(as.mapped) + delta)
}
