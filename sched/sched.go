package sched

import (
	"fmt"
	"log/slog"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/kheap"
)

// Config holds the scheduling policy.
type Config struct {
	// Slice is the time slice in ticks.
	Slice uint32
	// Tiers is the number of tiers in use, idle included.
	Tiers int
	// TCBsPerSlab and StacksPerSlab size the object cache slabs.
	TCBsPerSlab   int
	StacksPerSlab int
}

// DefaultConfig returns a two tick slice over the five named tiers.
func DefaultConfig() Config {
	return Config{Slice: 2, Tiers: int(TierRealtime) + 1, TCBsPerSlab: 32, StacksPerSlab: 4}
}

// Scheduler schedules the threads of one core. Every method expects to run
// inside a kernel entry on that core.
type Scheduler struct {
	cfg Config
	cpu *arch.CPU

	tcbs   *kheap.Class[TCB]
	stacks *kheap.Class[KernelStack]

	rq      *runQueue
	threads map[ThreadID]*TCB
	zombies *TCB
	nextID  ThreadID
	ticks   uint64

	trace Trace

	logger *slog.Logger
}

// New creates the scheduler and its idle thread. The idle thread adopts
// the registers the CPU holds at this point and becomes the running thread.
func New(cfg Config, c *arch.CPU, cache *kheap.Cache, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Slice == 0 {
		return nil, fmt.Errorf("%w: zero tick slice", kernel.ErrInvalidArgument)
	}
	if cfg.Tiers < 2 || cfg.Tiers > MaxTiers {
		return nil, fmt.Errorf("%w: %d tiers, want 2 to %d", kernel.ErrInvalidArgument, cfg.Tiers, MaxTiers)
	}

	tcbs, err := kheap.NewClass[TCB](cache, "tcb", cfg.TCBsPerSlab, arch.CacheLineSize)
	if err != nil {
		return nil, err
	}
	stacks, err := kheap.NewClass[KernelStack](cache, "kstack", cfg.StacksPerSlab, arch.PageSize)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:     cfg,
		cpu:     c,
		tcbs:    tcbs,
		stacks:  stacks,
		rq:      &runQueue{},
		threads: make(map[ThreadID]*TCB),
		nextID:  IdleID,
		logger:  logger.With("module", "sched"),
	}

	idle, err := s.newThread(IdleID, Spec{Name: "idle", Tier: TierIdle})
	if err != nil {
		return nil, fmt.Errorf("idle thread: %w", err)
	}
	idle.Context = c.Regs
	idle.State = Running
	s.rq.idle = idle
	s.rq.current = idle

	s.logger.Info("scheduler ready", "slice", cfg.Slice, "tiers", cfg.Tiers)
	return s, nil
}

// Spawn creates a Ready thread at the tail of its tier. It fails with
// ErrExhausted when the TCB or the stack cannot be allocated, leaving no
// partial thread behind.
func (s *Scheduler) Spawn(spec Spec) (ThreadID, error) {
	if spec.Tier == TierIdle || int(spec.Tier) >= s.cfg.Tiers {
		return 0, fmt.Errorf("%w: tier %v", kernel.ErrInvalidArgument, spec.Tier)
	}

	s.rq.lock.Lock()
	defer s.rq.lock.Unlock()

	t, err := s.newThread(s.nextID+1, spec)
	if err != nil {
		return 0, err
	}
	s.rq.enqueue(t)

	s.logger.Debug("thread created", "tid", t.ID, "name", t.Name, "tier", t.Tier)
	return t.ID, nil
}

func (s *Scheduler) newThread(id ThreadID, spec Spec) (*TCB, error) {
	h, t, err := s.tcbs.Alloc()
	if err != nil {
		return nil, err
	}
	sh, _, err := s.stacks.Alloc()
	if err != nil {
		s.tcbs.Free(h)
		return nil, err
	}
	base := s.stacks.Addr(sh)

	*t = TCB{
		ID:    id,
		Name:  spec.Name,
		State: Ready,
		Tier:  spec.Tier,
		Space: spec.Space,
		Stack: StackRegion{Base: base, Top: base + StackSize},
		slice: s.cfg.Slice,
		self:  h,
		stack: sh,
	}
	t.Context = arch.Regs{
		RIP:    spec.Entry,
		RSP:    base + StackSize,
		RDI:    spec.Arg,
		RFLAGS: arch.FlagReserved1 | arch.FlagIF,
	}
	if spec.Space != nil {
		t.Context.CR3 = spec.Space.Root().Address()
	}

	s.nextID = id
	s.threads[id] = t
	return t, nil
}

// Tick is the timer callback. It charges the tick to the running thread
// and switches when a higher tier is ready or the slice ran out and a
// thread of the same tier is waiting. It never allocates.
func (s *Scheduler) Tick() {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	s.ticks++
	cur := rq.current
	cur.RunTicks++
	if cur != rq.idle && cur.slice > 0 {
		cur.slice--
	}

	best, ok := rq.highest()
	switch {
	case !ok:
		if cur.slice == 0 {
			cur.slice = s.cfg.Slice
		}
	case cur == rq.idle:
		cur.State = Ready
		s.switchTo(rq.pop(best), ReasonDispatch)
	case best > cur.Tier:
		cur.State = Ready
		if cur.slice == 0 {
			cur.slice = s.cfg.Slice
			rq.enqueue(cur)
		} else {
			rq.enqueueFront(cur)
		}
		s.switchTo(rq.pop(best), ReasonPreempt)
	case cur.slice == 0:
		cur.slice = s.cfg.Slice
		if best == cur.Tier {
			cur.State = Ready
			rq.enqueue(cur)
			s.switchTo(rq.pop(best), ReasonSliceExpired)
		}
	}
}

// switchTo saves the live registers into the outgoing thread and loads the
// registers of next. The caller has already set the state of the outgoing
// thread and linked it wherever it belongs.
func (s *Scheduler) switchTo(next *TCB, reason Reason) {
	rq := s.rq
	prev := rq.current
	prev.Context = s.cpu.Regs

	next.State = Running
	if next.slice == 0 {
		next.slice = s.cfg.Slice
	}
	rq.current = next
	s.cpu.Regs = next.Context

	s.trace.record(Switch{Tick: s.ticks, From: prev.ID, To: next.ID, Reason: reason})
}

// next returns the thread to run when the current one gives up the CPU.
func (s *Scheduler) next() *TCB {
	if best, ok := s.rq.highest(); ok {
		return s.rq.pop(best)
	}
	s.rq.idle.State = Ready
	return s.rq.idle
}

// Exit terminates the running thread with code and switches away from it.
// Its resources are released by Reap.
func (s *Scheduler) Exit(code int64) error {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	cur := rq.current
	if cur == rq.idle {
		return fmt.Errorf("%w: the idle thread cannot exit", kernel.ErrInvalidArgument)
	}
	s.terminate(cur, code)
	s.switchTo(s.next(), ReasonExit)
	return nil
}

// Kill terminates thread id, unlinking it from whatever queue holds it.
// It must only be called between scheduling points, never from inside a
// context switch.
func (s *Scheduler) Kill(id ThreadID) error {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	t, ok := s.threads[id]
	if !ok || t.State == Terminated {
		return fmt.Errorf("%w: %d", kernel.ErrNoSuchThread, id)
	}
	if t == rq.idle {
		return fmt.Errorf("%w: the idle thread cannot be killed", kernel.ErrInvalidArgument)
	}

	switch t.State {
	case Running:
		s.terminate(t, ExitKilled)
		s.switchTo(s.next(), ReasonExit)
	case Ready:
		rq.dequeue(t)
		s.terminate(t, ExitKilled)
	case Blocked:
		t.on.remove(t)
		s.terminate(t, ExitKilled)
	}
	return nil
}

func (s *Scheduler) terminate(t *TCB, code int64) {
	s.logger.Debug("state change", "tid", t.ID, "from", t.State, "to", Terminated, "code", code)
	t.State = Terminated
	t.ExitCode = code
	t.zombieNext = s.zombies
	s.zombies = t
}

// Reap releases the TCB and stack of every terminated thread and returns
// how many were released.
func (s *Scheduler) Reap() int {
	rq := s.rq
	rq.lock.Lock()
	defer rq.lock.Unlock()

	n := 0
	for s.zombies != nil {
		t := s.zombies
		s.zombies = t.zombieNext
		t.zombieNext = nil
		s.release(t)
		n++
	}
	return n
}

func (s *Scheduler) release(t *TCB) {
	if t.on != nil {
		kernel.Halt(s.logger, "sched", kernel.ErrInvariantViolation,
			"thread %d released while still queued", t.ID)
	}
	if t == s.rq.current {
		kernel.Halt(s.logger, "sched", kernel.ErrInvariantViolation,
			"thread %d released while running", t.ID)
	}
	delete(s.threads, t.ID)
	self, stack := t.self, t.stack
	s.stacks.Free(stack)
	s.tcbs.Free(self)
}
