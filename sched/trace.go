package sched

import (
	"fmt"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
)

// Reason says why a context switch happened.
type Reason uint8

const (
	ReasonDispatch     Reason = iota // idle handed the CPU to a ready thread
	ReasonPreempt                    // a higher tier became ready
	ReasonSliceExpired               // round robin inside a tier
	ReasonBlock
	ReasonExit
)

var reasonNames = [...]string{"dispatch", "preempt", "slice", "block", "exit"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Switch records one context switch.
type Switch struct {
	Tick   uint64
	From   ThreadID
	To     ThreadID
	Reason Reason
}

// TraceSize is the number of switches kept by the trace.
const TraceSize = 64

// Trace is a fixed ring of the most recent switches.
type Trace struct {
	buf [TraceSize]Switch
	n   uint64
}

func (tr *Trace) record(sw Switch) {
	tr.buf[tr.n%TraceSize] = sw
	tr.n++
}

// Snapshot is a copy of the scheduler state for diagnostics.
type Snapshot struct {
	Tick    uint64
	Current ThreadID
	Ready   [MaxTiers][]ThreadID
	Zombies []ThreadID
	Threads int
}

// Current returns the running thread.
func (s *Scheduler) Current() *TCB {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	return s.rq.current
}

// Lookup returns the control block of a live or not yet reaped thread.
func (s *Scheduler) Lookup(id ThreadID) (*TCB, bool) {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	t, ok := s.threads[id]
	return t, ok
}

// Context returns the register file of thread id: the CPU registers while
// it runs, its saved context otherwise. Writes through the pointer land
// in the state the thread resumes from.
func (s *Scheduler) Context(id ThreadID) (*arch.Regs, error) {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", kernel.ErrNoSuchThread, id)
	}
	if t == s.rq.current {
		return &s.cpu.Regs, nil
	}
	return &t.Context, nil
}

// Ticks returns the number of ticks seen by the scheduler.
func (s *Scheduler) Ticks() uint64 {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	return s.ticks
}

// ReadyCount returns the number of threads on the ready queues.
func (s *Scheduler) ReadyCount() int {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()
	return s.rq.ready()
}

// Switches returns the recorded switches, oldest first.
func (s *Scheduler) Switches() []Switch {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()

	tr := &s.trace
	n := tr.n
	if n > TraceSize {
		n = TraceSize
	}
	out := make([]Switch, 0, n)
	for i := tr.n - n; i < tr.n; i++ {
		out = append(out, tr.buf[i%TraceSize])
	}
	return out
}

// Snapshot returns a copy of the queues.
func (s *Scheduler) Snapshot() Snapshot {
	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()

	snap := Snapshot{Tick: s.ticks, Current: s.rq.current.ID, Threads: len(s.threads)}
	for i := range s.rq.tiers {
		if s.rq.tiers[i].len > 0 {
			snap.Ready[i] = s.rq.tiers[i].ids()
		}
	}
	for t := s.zombies; t != nil; t = t.zombieNext {
		snap.Zombies = append(snap.Zombies, t.ID)
	}
	return snap
}
