// Package irq owns the interrupt vector table and the periodic tick source.
package irq

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"

	"github.com/iansmith/kcore/kernel"
)

// NumVectors is the size of the vector table.
const NumVectors = 256

// Vector numbers the core knows about. 0-31 are CPU exceptions.
const (
	VectorDivideError       uint8 = 0
	VectorDoubleFault       uint8 = 8
	VectorGeneralProtection uint8 = 13
	VectorPageFault         uint8 = 14
	VectorTimer             uint8 = 32
	VectorSpurious          uint8 = 255
)

// Handler runs in interrupt context with further delivery masked.
type Handler func(vector uint8)

// Table is the vector table of one core. Handlers are installed before Arm
// and the table is immutable afterwards. It is only touched from kernel
// entries on its own core, so apart from the tick counter it needs no lock.
type Table struct {
	handlers [NumVectors]Handler
	counts   [NumVectors]uint64
	pending  [NumVectors / 64]uint64

	armed   bool
	enabled bool

	ticks atomic.Uint64

	logger *slog.Logger
}

// NewTable returns an empty table with delivery disabled.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{logger: logger.With("module", "irq")}
}

// Register installs h on vector v.
func (t *Table) Register(v uint8, h Handler) error {
	if t.armed {
		return fmt.Errorf("%w: register vector %d", kernel.ErrSealed, v)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for vector %d", kernel.ErrInvalidArgument, v)
	}
	if t.handlers[v] != nil {
		return fmt.Errorf("%w: vector %d already has a handler", kernel.ErrInvalidArgument, v)
	}
	t.handlers[v] = h
	return nil
}

// SetTickHandler installs the timer vector. Every timer interrupt bumps the
// tick counter and then calls fn, the single tick consumer.
func (t *Table) SetTickHandler(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil tick handler", kernel.ErrInvalidArgument)
	}
	return t.Register(VectorTimer, func(uint8) {
		t.ticks.Add(1)
		fn()
	})
}

// Arm seals the table and enables delivery. Interrupts raised before Arm
// are delivered now.
func (t *Table) Arm() error {
	if t.armed {
		return fmt.Errorf("%w: table armed twice", kernel.ErrSealed)
	}
	t.armed = true
	installed := 0
	for _, h := range t.handlers {
		if h != nil {
			installed++
		}
	}
	t.logger.Info("interrupt table armed", "handlers", installed)
	t.Restore(true)
	return nil
}

// Armed reports whether Arm was called.
func (t *Table) Armed() bool {
	return t.armed
}

// Raise signals vector v. With delivery enabled the handler runs before
// Raise returns; otherwise v stays pending until delivery is restored.
// A vector without a handler halts the kernel.
func (t *Table) Raise(v uint8) {
	if !t.enabled {
		t.pending[v/64] |= 1 << (v % 64)
		return
	}
	t.deliver(v)
	t.drain()
}

// Disable masks delivery and returns the previous state for Restore.
func (t *Table) Disable() bool {
	prev := t.enabled
	t.enabled = false
	return prev
}

// Restore sets delivery back to prev, delivering what became pending while
// it was masked.
func (t *Table) Restore(prev bool) {
	t.enabled = prev
	if prev {
		t.drain()
	}
}

// Enabled reports whether delivery is enabled.
func (t *Table) Enabled() bool {
	return t.enabled
}

// Ticks returns the number of timer interrupts delivered.
func (t *Table) Ticks() uint64 {
	return t.ticks.Load()
}

// Count returns the number of deliveries on vector v.
func (t *Table) Count(v uint8) uint64 {
	return t.counts[v]
}

func (t *Table) deliver(v uint8) {
	h := t.handlers[v]
	if h == nil {
		kernel.Halt(t.logger, "irq", kernel.ErrUnhandledVector, "vector %d has no handler", v)
	}
	t.counts[v]++
	t.enabled = false
	h(v)
	t.enabled = true
}

// drain delivers pending vectors, highest vector first.
func (t *Table) drain() {
	for t.enabled {
		v, ok := t.nextPending()
		if !ok {
			return
		}
		t.pending[v/64] &^= 1 << (v % 64)
		t.deliver(v)
	}
}

func (t *Table) nextPending() (uint8, bool) {
	for w := len(t.pending) - 1; w >= 0; w-- {
		if word := t.pending[w]; word != 0 {
			return uint8(w*64 + 63 - bits.LeadingZeros64(word)), true
		}
	}
	return 0, false
}
