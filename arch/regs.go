// Package arch models the x86-64 execution state the core saves and
// restores: the general purpose register file of a thread and the single
// processor that runs kernel code.
package arch

import (
	"fmt"
	"sync"
)

const (
	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// CacheLineSize is the line size metadata is aligned to.
	CacheLineSize = 64
)

// RFLAGS bits used by the core.
const (
	FlagReserved1 = 1 << 1 // always set
	FlagIF        = 1 << 9 // interrupts enabled
)

// Regs is the execution-context snapshot of a thread. It is owned by
// exactly one thread at a time and only written during a context switch
// or by the syscall return path.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFLAGS             uint64
	CR3                uint64
}

// SyscallArgs returns the six syscall argument registers in ABI order.
func (r *Regs) SyscallArgs() [6]uint64 {
	return [6]uint64{r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9}
}

// SetSyscallArgs loads args into the argument registers in ABI order.
// Missing arguments are zeroed.
func (r *Regs) SetSyscallArgs(args ...uint64) {
	var a [6]uint64
	copy(a[:], args)
	r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9 = a[0], a[1], a[2], a[3], a[4], a[5]
}

func (r *Regs) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x rflags=%#x cr3=%#x", r.RIP, r.RSP, r.RAX, r.RFLAGS, r.CR3)
}

// CPU is the simulated processor. Regs holds the live register file of the
// thread currently running on it. Every kernel entry (trap, interrupt,
// tick) holds the CPU for its whole duration, which gives the single
// logical thread of kernel execution per core.
type CPU struct {
	ID   int
	Regs Regs

	mu sync.Mutex
}

// NewCPU returns a processor with interrupts enabled in its flags.
func NewCPU(id int) *CPU {
	return &CPU{ID: id, Regs: Regs{RFLAGS: FlagReserved1 | FlagIF}}
}

// Enter begins a kernel entry on c.
func (c *CPU) Enter() {
	c.mu.Lock()
}

// Leave ends the kernel entry started by Enter.
func (c *CPU) Leave() {
	c.mu.Unlock()
}
