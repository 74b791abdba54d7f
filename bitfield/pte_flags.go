package bitfield

import "fmt"

// PTEFlags is an x86-64 page table entry. The same layout serves leaf
// entries and entries that point at the next table.
type PTEFlags struct {
	Present      bool `bitfield:",1"`
	Writable     bool `bitfield:",1"`
	User         bool `bitfield:",1"`
	WriteThrough bool `bitfield:",1"`
	CacheDisable bool `bitfield:",1"`
	Accessed     bool `bitfield:",1"`
	Dirty        bool `bitfield:",1"`
	Huge         bool `bitfield:",1"`
	Global       bool `bitfield:",1"`

	// Available bits for the kernel's own use (3 bits)
	Available uint8 `bitfield:",3"`

	// Frame number the entry points at (40 bits)
	Frame uint64 `bitfield:",40"`

	// Ignored by the walk (11 bits)
	Ignored uint16 `bitfield:",11"`

	NoExecute bool `bitfield:",1"`
}

const (
	ptePresentBit   = 1 << 0
	pteWritableBit  = 1 << 1
	pteUserBit      = 1 << 2
	pteWTBit        = 1 << 3
	pteCDBit        = 1 << 4
	pteAccessedBit  = 1 << 5
	pteDirtyBit     = 1 << 6
	pteHugeBit      = 1 << 7
	pteGlobalBit    = 1 << 8
	pteAvailShift   = 9
	pteAvailBits    = 3
	pteFrameShift   = 12
	pteFrameBits    = 40
	pteIgnoredShift = 52
	pteIgnoredBits  = 11
	pteNoExecBit    = 1 << 63
)

// PackPTE packs an entry. It produces the same word as Pack(entry, nil)
// without reflection, so the mapper can build entries on every map.
func PackPTE(entry PTEFlags) (uint64, error) {
	if uint64(entry.Available) > mask(pteAvailBits) {
		return 0, fmt.Errorf("PackPTE: value %d exceeds %d bits for field Available", entry.Available, pteAvailBits)
	}
	if entry.Frame > mask(pteFrameBits) {
		return 0, fmt.Errorf("PackPTE: value %d exceeds %d bits for field Frame", entry.Frame, pteFrameBits)
	}
	if uint64(entry.Ignored) > mask(pteIgnoredBits) {
		return 0, fmt.Errorf("PackPTE: value %d exceeds %d bits for field Ignored", entry.Ignored, pteIgnoredBits)
	}

	var w uint64
	set := func(on bool, bit uint64) {
		if on {
			w |= bit
		}
	}
	set(entry.Present, ptePresentBit)
	set(entry.Writable, pteWritableBit)
	set(entry.User, pteUserBit)
	set(entry.WriteThrough, pteWTBit)
	set(entry.CacheDisable, pteCDBit)
	set(entry.Accessed, pteAccessedBit)
	set(entry.Dirty, pteDirtyBit)
	set(entry.Huge, pteHugeBit)
	set(entry.Global, pteGlobalBit)
	set(entry.NoExecute, pteNoExecBit)
	w |= uint64(entry.Available) << pteAvailShift
	w |= entry.Frame << pteFrameShift
	w |= uint64(entry.Ignored) << pteIgnoredShift
	return w, nil
}

// UnpackPTE is the inverse of PackPTE.
func UnpackPTE(w uint64) PTEFlags {
	return PTEFlags{
		Present:      w&ptePresentBit != 0,
		Writable:     w&pteWritableBit != 0,
		User:         w&pteUserBit != 0,
		WriteThrough: w&pteWTBit != 0,
		CacheDisable: w&pteCDBit != 0,
		Accessed:     w&pteAccessedBit != 0,
		Dirty:        w&pteDirtyBit != 0,
		Huge:         w&pteHugeBit != 0,
		Global:       w&pteGlobalBit != 0,
		Available:    uint8((w >> pteAvailShift) & mask(pteAvailBits)),
		Frame:        (w >> pteFrameShift) & mask(pteFrameBits),
		Ignored:      uint16((w >> pteIgnoredShift) & mask(pteIgnoredBits)),
		NoExecute:    w&pteNoExecBit != 0,
	}
}
