// Package sched owns thread control blocks, the ready queues and the
// context switch. Threads are scheduled by strict priority between tiers
// and round robin inside a tier, with preemption on tick boundaries.
package sched

import (
	"fmt"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kheap"
	"github.com/iansmith/kcore/vmm"
)

// ThreadID identifies a thread. IDs are never reused.
type ThreadID uint32

// IdleID is the id of the idle thread.
const IdleID ThreadID = 0

// State is the scheduling state of a thread.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Tier is a priority tier. A higher tier always runs before a lower one.
// The set is open: any value below MaxTiers is a valid tier once the
// scheduler is configured with enough tiers.
type Tier uint8

const (
	TierIdle Tier = iota
	TierLow
	TierNormal
	TierHigh
	TierRealtime

	// MaxTiers bounds the number of tiers a scheduler can be configured with.
	MaxTiers = 8
)

func (t Tier) String() string {
	switch t {
	case TierIdle:
		return "idle"
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierRealtime:
		return "realtime"
	}
	return fmt.Sprintf("tier%d", uint8(t))
}

// StackSize is the size of a kernel stack.
const StackSize = 16 << 10

// KernelStack is the storage of one kernel stack, allocated from its own
// object class.
type KernelStack struct {
	_ [StackSize]byte
}

// StackRegion is the kernel virtual range of a thread's stack.
type StackRegion struct {
	Base uint64
	Top  uint64
}

// ExitKilled is the exit code of a thread terminated by Kill.
const ExitKilled int64 = -1

// TCB is the control block of a thread. It is allocated from the object
// cache when the thread is created and only changed by the scheduler and
// its blocking primitives.
type TCB struct {
	ID    ThreadID
	Name  string
	State State
	Tier  Tier

	// Context is the saved register file. While the thread runs its live
	// registers are in the CPU instead.
	Context arch.Regs

	Space *vmm.AddressSpace
	Stack StackRegion

	ExitCode int64
	RunTicks uint64

	slice uint32 // ticks left in the current slice

	next, prev *TCB
	on         *queue // queue the thread is linked on

	zombieNext *TCB

	self  kheap.Handle
	stack kheap.Handle
}

// Spec describes a thread to create.
type Spec struct {
	Name  string
	Tier  Tier
	Entry uint64
	Arg   uint64
	Space *vmm.AddressSpace
}

// InUse reports whether any thread not yet reaped runs in as.
func (s *Scheduler) InUse(as *vmm.AddressSpace) bool {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	for _, t := range s.threads {
		if t.Space == as {
			return true
		}
	}
	return false
}
