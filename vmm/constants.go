// Package vmm builds and maintains 4-level virtual to physical mappings.
// The higher half of every address space is the shared kernel mapping.
package vmm

import (
	"fmt"

	"github.com/iansmith/kcore/arch"
)

const (
	// EntriesPerTable is the number of entries in a table at any level.
	EntriesPerTable = 512

	// Levels is the depth of the page table hierarchy.
	Levels = 4

	// UserTop is the first address past the lower (user) half.
	UserTop uint64 = 0x0000_8000_0000_0000

	// KernelBase is the first address of the higher (kernel) half.
	KernelBase uint64 = 0xffff_8000_0000_0000

	// kernelFirstEntry is the root table index of KernelBase.
	kernelFirstEntry = 256

	addrMask uint64 = 0x000f_ffff_ffff_f000
)

// levelShift holds the virtual address shift that selects the table index
// at each level, root first.
var levelShift = [Levels]uint{39, 30, 21, 12}

func tableIndex(va uint64, level int) int {
	return int((va >> levelShift[level]) & (EntriesPerTable - 1))
}

// Flags are the x86-64 page table entry bits.
type Flags uint64

const (
	FlagPresent      Flags = 1 << 0
	FlagWritable     Flags = 1 << 1
	FlagUser         Flags = 1 << 2
	FlagWriteThrough Flags = 1 << 3
	FlagCacheDisable Flags = 1 << 4
	FlagAccessed     Flags = 1 << 5
	FlagDirty        Flags = 1 << 6
	FlagGlobal       Flags = 1 << 8
	FlagNoExecute    Flags = 1 << 63

	flagMask = ^Flags(addrMask)
)

// CachePolicy is the caching mode of a mapping, encoded in PWT/PCD.
type CachePolicy uint8

const (
	WriteBack CachePolicy = iota
	WriteThrough
	Uncached
)

func (p CachePolicy) String() string {
	switch p {
	case WriteBack:
		return "write-back"
	case WriteThrough:
		return "write-through"
	case Uncached:
		return "uncached"
	}
	return fmt.Sprintf("cache(%d)", uint8(p))
}

// WithCache returns f with its cache bits replaced by policy p.
func (f Flags) WithCache(p CachePolicy) Flags {
	f &^= FlagWriteThrough | FlagCacheDisable
	switch p {
	case WriteThrough:
		f |= FlagWriteThrough
	case Uncached:
		f |= FlagWriteThrough | FlagCacheDisable
	}
	return f
}

// CachePolicy decodes the cache bits of f.
func (f Flags) CachePolicy() CachePolicy {
	switch {
	case f&FlagCacheDisable != 0:
		return Uncached
	case f&FlagWriteThrough != 0:
		return WriteThrough
	}
	return WriteBack
}

// VirtRange is a run of Pages pages starting at the page aligned address Start.
type VirtRange struct {
	Start uint64
	Pages uint64
}

// End returns the first address past the range.
func (r VirtRange) End() uint64 {
	return r.Start + r.Pages*arch.PageSize
}

func (r VirtRange) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Start, r.End())
}

// IsKernel reports whether va lies in the shared kernel half.
func IsKernel(va uint64) bool {
	return va >= KernelBase
}

func canonical(va uint64) bool {
	return va < UserTop || va >= KernelBase
}
