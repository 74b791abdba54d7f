package bitfield

import "fmt"

// FrameFlags is the per-frame metadata word kept by the frame allocator.
// Fields are packed into a 32-bit word using bitfield tags.
type FrameFlags struct {
	// Used is set while the frame belongs to a reservation or is unusable.
	Used bool `bitfield:",1"`

	// FreeHead marks the first frame of a free buddy block.
	FreeHead bool `bitfield:",1"`

	// SpanHead marks the first frame of a live reservation.
	SpanHead bool `bitfield:",1"`

	// Order of the free block starting here (valid when FreeHead is set)
	Order uint8 `bitfield:",6"`

	// Owner tag of a used frame
	Owner uint8 `bitfield:",8"`

	// Reserved bits for future use (15 bits)
	Reserved uint16 `bitfield:",15"`
}

const (
	usedBit     = 1 << 0
	freeHeadBit = 1 << 1
	spanHeadBit = 1 << 2
	orderShift  = 3
	orderBits   = 6
	ownerShift  = 9
	ownerBits   = 8
	resShift    = 17
	resBits     = 15
)

// PackFrameFlags packs flags into its 32-bit representation. It produces the
// same word as Pack(flags, &Config{NumBits: 32}) without reflection, so it
// can be used on the allocator's hot path.
func PackFrameFlags(flags FrameFlags) (uint32, error) {
	if uint64(flags.Order) > mask(orderBits) {
		return 0, fmt.Errorf("PackFrameFlags: value %d exceeds %d bits for field Order", flags.Order, orderBits)
	}
	if uint64(flags.Reserved) > mask(resBits) {
		return 0, fmt.Errorf("PackFrameFlags: value %d exceeds %d bits for field Reserved", flags.Reserved, resBits)
	}

	var w uint32
	if flags.Used {
		w |= usedBit
	}
	if flags.FreeHead {
		w |= freeHeadBit
	}
	if flags.SpanHead {
		w |= spanHeadBit
	}
	w |= uint32(flags.Order) << orderShift
	w |= uint32(flags.Owner) << ownerShift
	w |= uint32(flags.Reserved) << resShift
	return w, nil
}

// UnpackFrameFlags is the inverse of PackFrameFlags.
func UnpackFrameFlags(w uint32) FrameFlags {
	return FrameFlags{
		Used:     w&usedBit != 0,
		FreeHead: w&freeHeadBit != 0,
		SpanHead: w&spanHeadBit != 0,
		Order:    uint8((w >> orderShift) & uint32(mask(orderBits))),
		Owner:    uint8((w >> ownerShift) & uint32(mask(ownerBits))),
		Reserved: uint16((w >> resShift) & uint32(mask(resBits))),
	}
}
