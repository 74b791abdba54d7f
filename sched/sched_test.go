package sched

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/kheap"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/vmm"
)

var cacheWindow = vmm.VirtRange{Start: vmm.KernelBase + 2<<30, Pages: 1 << 16}

type env struct {
	frames *pmm.Allocator
	cache  *kheap.Cache
	cpu    *arch.CPU
	sched  *Scheduler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, cfg Config) env {
	t.Helper()
	frames, err := pmm.New([]pmm.Region{{Base: 0, Length: 4096 * arch.PageSize, Usable: true}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m, err := vmm.NewMapper(frames, vmm.Options{TLBEntries: 8}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	cache := kheap.NewCache(m.Kernel(), frames, cacheWindow, testLogger())
	c := arch.NewCPU(0)
	s, err := New(cfg, c, cache, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return env{frames: frames, cache: cache, cpu: c, sched: s}
}

func (e env) spawn(t *testing.T, name string, tier Tier) ThreadID {
	t.Helper()
	id, err := e.sched.Spawn(Spec{Name: name, Tier: tier, Entry: 0x1000})
	if err != nil {
		t.Fatalf("Spawn(%s) error = %v", name, err)
	}
	return id
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		h, ok := kernel.AsHalt(recover())
		if !ok {
			t.Fatal("expected a kernel halt")
		}
		if !errors.Is(h, kernel.ErrInvariantViolation) {
			t.Errorf("halt error = %v, want ErrInvariantViolation", h)
		}
	}()
	fn()
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero slice", Config{Slice: 0, Tiers: 5, TCBsPerSlab: 4, StacksPerSlab: 1}},
		{"one tier", Config{Slice: 2, Tiers: 1, TCBsPerSlab: 4, StacksPerSlab: 1}},
		{"too many tiers", Config{Slice: 2, Tiers: MaxTiers + 1, TCBsPerSlab: 4, StacksPerSlab: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, arch.NewCPU(0), nil, testLogger())
			if !errors.Is(err, kernel.ErrInvalidArgument) {
				t.Errorf("New() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestIdleThread(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	cur := e.sched.Current()
	if cur.ID != IdleID || cur.State != Running || cur.Tier != TierIdle {
		t.Errorf("Current() = %d %v %v, want the running idle thread", cur.ID, cur.State, cur.Tier)
	}
	// Nothing to run: ticks stay on idle.
	for i := 0; i < 5; i++ {
		e.sched.Tick()
	}
	if got := e.sched.Current().ID; got != IdleID {
		t.Errorf("Current() = %d after idle ticks, want %d", got, IdleID)
	}
	if err := e.sched.Exit(0); !errors.Is(err, kernel.ErrInvalidArgument) {
		t.Errorf("Exit() on idle error = %v, want ErrInvalidArgument", err)
	}
	if err := e.sched.Kill(IdleID); !errors.Is(err, kernel.ErrInvalidArgument) {
		t.Errorf("Kill(idle) error = %v, want ErrInvalidArgument", err)
	}
}

func TestSpawn(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)
	if a != 1 || b != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", a, b)
	}

	ta, _ := e.sched.Lookup(a)
	tb, _ := e.sched.Lookup(b)
	if ta.State != Ready {
		t.Errorf("state = %v, want READY", ta.State)
	}
	if ta.Context.RIP != 0x1000 || ta.Context.RSP != ta.Stack.Top {
		t.Errorf("context RIP=%#x RSP=%#x, want entry and stack top", ta.Context.RIP, ta.Context.RSP)
	}
	if ta.Stack.Top-ta.Stack.Base != StackSize {
		t.Errorf("stack size = %d, want %d", ta.Stack.Top-ta.Stack.Base, StackSize)
	}
	if ta.Stack.Base < tb.Stack.Top && tb.Stack.Base < ta.Stack.Top {
		t.Errorf("stacks %+v and %+v overlap", ta.Stack, tb.Stack)
	}

	snap := e.sched.Snapshot()
	if want := []ThreadID{a, b}; !reflect.DeepEqual(snap.Ready[TierNormal], want) {
		t.Errorf("normal tier = %v, want %v", snap.Ready[TierNormal], want)
	}

	for _, tier := range []Tier{TierIdle, Tier(5)} {
		if _, err := e.sched.Spawn(Spec{Name: "bad", Tier: tier}); !errors.Is(err, kernel.ErrInvalidArgument) {
			t.Errorf("Spawn(tier %v) error = %v, want ErrInvalidArgument", tier, err)
		}
	}
}

func TestSpawnWithAddressSpace(t *testing.T) {
	frames, err := pmm.New([]pmm.Region{{Base: 0, Length: 4096 * arch.PageSize, Usable: true}}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m, err := vmm.NewMapper(frames, vmm.Options{TLBEntries: 8}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	as, err := m.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(DefaultConfig(), arch.NewCPU(0), kheap.NewCache(m.Kernel(), frames, cacheWindow, testLogger()), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Spawn(Spec{Name: "user", Tier: TierNormal, Space: as})
	if err != nil {
		t.Fatal(err)
	}
	regs, err := s.Context(id)
	if err != nil {
		t.Fatal(err)
	}
	if regs.CR3 != as.Root().Address() {
		t.Errorf("CR3 = %#x, want %#x", regs.CR3, as.Root().Address())
	}
}

// Two threads of one tier with a two tick slice alternate every two ticks.
func TestRoundRobinFairness(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)

	want := []ThreadID{a, a, b, b, a, a, b, b}
	var got []ThreadID
	for range want {
		e.sched.Tick()
		got = append(got, e.sched.Current().ID)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("running after each tick = %v, want %v", got, want)
	}

	ta, _ := e.sched.Lookup(a)
	tb, _ := e.sched.Lookup(b)
	if ta.RunTicks != 4 || tb.RunTicks != 3 {
		t.Errorf("run ticks a=%d b=%d, want 4 and 3", ta.RunTicks, tb.RunTicks)
	}
}

func TestPreemptionByHigherTier(t *testing.T) {
	e := newEnv(t, Config{Slice: 4, Tiers: 5, TCBsPerSlab: 8, StacksPerSlab: 2})
	low := e.spawn(t, "low", TierLow)
	e.sched.Tick()
	if got := e.sched.Current().ID; got != low {
		t.Fatalf("Current() = %d, want %d", got, low)
	}

	hi := e.spawn(t, "hi", TierHigh)
	e.sched.Tick()
	if got := e.sched.Current().ID; got != hi {
		t.Fatalf("Current() = %d after the tick, want the high tier thread %d", got, hi)
	}
	tl, _ := e.sched.Lookup(low)
	if tl.State != Ready || tl.slice != 3 {
		t.Errorf("preempted thread state %v slice %d, want READY with 3 ticks left", tl.State, tl.slice)
	}
	snap := e.sched.Snapshot()
	if want := []ThreadID{low}; !reflect.DeepEqual(snap.Ready[TierLow], want) {
		t.Errorf("low tier = %v, want %v", snap.Ready[TierLow], want)
	}

	// The low thread never runs while the high one is ready.
	for i := 0; i < 10; i++ {
		e.sched.Tick()
		if got := e.sched.Current().ID; got != hi {
			t.Fatalf("tick %d: Current() = %d, want %d", i, got, hi)
		}
	}

	if err := e.sched.Exit(0); err != nil {
		t.Fatal(err)
	}
	if got := e.sched.Current().ID; got != low {
		t.Errorf("Current() after exit = %d, want %d", got, low)
	}

	sw := e.sched.Switches()
	reasons := make([]Reason, len(sw))
	for i := range sw {
		reasons[i] = sw[i].Reason
	}
	if want := []Reason{ReasonDispatch, ReasonPreempt, ReasonExit}; !reflect.DeepEqual(reasons, want) {
		t.Errorf("switch reasons = %v, want %v", reasons, want)
	}
}

func TestContextSaveRestore(t *testing.T) {
	e := newEnv(t, Config{Slice: 1, Tiers: 5, TCBsPerSlab: 8, StacksPerSlab: 2})
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)

	e.sched.Tick() // idle -> a
	if e.cpu.Regs.RIP != 0x1000 {
		t.Fatalf("RIP = %#x after dispatch, want the entry point", e.cpu.Regs.RIP)
	}
	e.cpu.Regs.RAX = 0xaaaa
	e.sched.Tick() // a -> b
	if got := e.sched.Current().ID; got != b {
		t.Fatalf("Current() = %d, want %d", got, b)
	}
	e.cpu.Regs.RAX = 0xbbbb
	e.sched.Tick() // b -> a
	if got := e.sched.Current().ID; got != a {
		t.Fatalf("Current() = %d, want %d", got, a)
	}
	if e.cpu.Regs.RAX != 0xaaaa {
		t.Errorf("RAX = 0x%04x after resuming a, want 0xaaaa", e.cpu.Regs.RAX)
	}
	regs, err := e.sched.Context(b)
	if err != nil {
		t.Fatal(err)
	}
	if regs.RAX != 0xbbbb {
		t.Errorf("saved RAX of b = 0x%04x, want 0xbbbb", regs.RAX)
	}
}

func TestTickDoesNotAllocate(t *testing.T) {
	e := newEnv(t, Config{Slice: 1, Tiers: 5, TCBsPerSlab: 8, StacksPerSlab: 2})
	e.spawn(t, "a", TierNormal)
	e.spawn(t, "b", TierNormal)
	e.spawn(t, "c", TierHigh)

	allocs := testing.AllocsPerRun(100, e.sched.Tick)
	if allocs != 0 {
		t.Errorf("Tick allocated %.1f times per run, want 0", allocs)
	}
}

func TestBlockAndWake(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)
	e.sched.Tick() // a runs

	wq := &WaitQueue{Name: "event"}
	if err := e.sched.BlockOn(wq); err != nil {
		t.Fatal(err)
	}
	ta, _ := e.sched.Lookup(a)
	if ta.State != Blocked || wq.Waiters() != 1 {
		t.Errorf("state %v waiters %d, want BLOCKED and 1", ta.State, wq.Waiters())
	}
	if got := e.sched.Current().ID; got != b {
		t.Errorf("Current() = %d after block, want %d", got, b)
	}

	// Blocked threads are never picked.
	for i := 0; i < 6; i++ {
		e.sched.Tick()
		if got := e.sched.Current().ID; got != b {
			t.Fatalf("tick %d: Current() = %d, want %d", i, got, b)
		}
	}

	id, ok := e.sched.Wake(wq)
	if !ok || id != a {
		t.Fatalf("Wake() = %d, %v, want %d, true", id, ok, a)
	}
	if ta.State != Ready {
		t.Errorf("woken state = %v, want READY", ta.State)
	}
	if _, ok := e.sched.Wake(wq); ok {
		t.Error("Wake() on an empty queue reported a thread")
	}

	// b has used its slice by the second tick; a runs next.
	e.sched.Tick()
	e.sched.Tick()
	if got := e.sched.Current().ID; got != a {
		t.Errorf("Current() = %d, want the woken thread %d", got, a)
	}
}

func TestBlockLastThreadRunsIdle(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)
	e.sched.Tick()

	wq := &WaitQueue{Name: "io"}
	if err := e.sched.BlockOn(wq); err != nil {
		t.Fatal(err)
	}
	if got := e.sched.Current().ID; got != IdleID {
		t.Errorf("Current() = %d, want idle", got)
	}
	if err := e.sched.BlockOn(wq); !errors.Is(err, kernel.ErrInvalidArgument) {
		t.Errorf("BlockOn() from idle error = %v, want ErrInvalidArgument", err)
	}

	e.sched.Wake(wq)
	e.sched.Tick()
	if got := e.sched.Current().ID; got != a {
		t.Errorf("Current() = %d, want %d", got, a)
	}
}

func TestWakeAll(t *testing.T) {
	e := newEnv(t, Config{Slice: 1, Tiers: 5, TCBsPerSlab: 8, StacksPerSlab: 2})
	ids := []ThreadID{e.spawn(t, "a", TierNormal), e.spawn(t, "b", TierNormal), e.spawn(t, "c", TierNormal)}

	wq := &WaitQueue{Name: "barrier"}
	e.sched.Tick()
	for range ids {
		if err := e.sched.BlockOn(wq); err != nil {
			t.Fatal(err)
		}
	}
	if wq.Waiters() != 3 {
		t.Fatalf("Waiters() = %d, want 3", wq.Waiters())
	}
	if got := e.sched.WakeAll(wq); got != 3 {
		t.Errorf("WakeAll() = %d, want 3", got)
	}
	snap := e.sched.Snapshot()
	if !reflect.DeepEqual(snap.Ready[TierNormal], ids) {
		t.Errorf("ready order = %v, want %v", snap.Ready[TierNormal], ids)
	}
}

func TestExitAndReap(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	free := e.frames.FreeCount()
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)
	e.sched.Tick()

	if err := e.sched.Exit(7); err != nil {
		t.Fatal(err)
	}
	ta, ok := e.sched.Lookup(a)
	if !ok || ta.State != Terminated || ta.ExitCode != 7 {
		t.Fatalf("exited thread = %+v, want a TERMINATED zombie with code 7", ta)
	}
	if got := e.sched.Current().ID; got != b {
		t.Errorf("Current() = %d, want %d", got, b)
	}
	if got := e.sched.Snapshot().Zombies; !reflect.DeepEqual(got, []ThreadID{a}) {
		t.Errorf("zombies = %v, want [%d]", got, a)
	}

	if got := e.sched.Reap(); got != 1 {
		t.Errorf("Reap() = %d, want 1", got)
	}
	if _, ok := e.sched.Lookup(a); ok {
		t.Error("reaped thread still resolves")
	}
	if err := e.sched.Kill(a); !errors.Is(err, kernel.ErrNoSuchThread) {
		t.Errorf("Kill(reaped) error = %v, want ErrNoSuchThread", err)
	}

	if err := e.sched.Exit(0); err != nil {
		t.Fatal(err)
	}
	e.sched.Reap()
	e.cache.Shrink()
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d after reaping everything, want %d", got, free)
	}
}

func TestKill(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)
	b := e.spawn(t, "b", TierNormal)
	c := e.spawn(t, "c", TierNormal)
	e.sched.Tick() // a runs

	wq := &WaitQueue{Name: "w"}
	if err := e.sched.BlockOn(wq); err != nil { // a blocks, b runs
		t.Fatal(err)
	}

	t.Run("blocked", func(t *testing.T) {
		if err := e.sched.Kill(a); err != nil {
			t.Fatal(err)
		}
		if wq.Waiters() != 0 {
			t.Errorf("Waiters() = %d, want 0", wq.Waiters())
		}
	})
	t.Run("ready", func(t *testing.T) {
		if err := e.sched.Kill(c); err != nil {
			t.Fatal(err)
		}
		if got := e.sched.ReadyCount(); got != 0 {
			t.Errorf("ReadyCount() = %d, want 0", got)
		}
	})
	t.Run("running", func(t *testing.T) {
		if err := e.sched.Kill(b); err != nil {
			t.Fatal(err)
		}
		if got := e.sched.Current().ID; got != IdleID {
			t.Errorf("Current() = %d, want idle", got)
		}
	})
	t.Run("twice", func(t *testing.T) {
		if err := e.sched.Kill(b); !errors.Is(err, kernel.ErrNoSuchThread) {
			t.Errorf("Kill() error = %v, want ErrNoSuchThread", err)
		}
	})

	for _, id := range []ThreadID{a, b, c} {
		tcb, _ := e.sched.Lookup(id)
		if tcb.ExitCode != ExitKilled {
			t.Errorf("thread %d exit code = %d, want %d", id, tcb.ExitCode, ExitKilled)
		}
	}
	if got := e.sched.Reap(); got != 3 {
		t.Errorf("Reap() = %d, want 3", got)
	}
}

func TestReapQueuedThreadHalts(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a := e.spawn(t, "a", TierNormal)

	// Corrupt the zombie list with a thread still on its ready queue.
	ta, _ := e.sched.Lookup(a)
	e.sched.zombies = ta
	expectHalt(t, func() { e.sched.Reap() })
}

func TestSpawnExhaustedLeavesNoTrace(t *testing.T) {
	e := newEnv(t, Config{Slice: 2, Tiers: 5, TCBsPerSlab: 4, StacksPerSlab: 1})

	var held []pmm.Range
	for {
		r, err := e.frames.Reserve(1, 1)
		if err != nil {
			break
		}
		held = append(held, r)
	}
	free := e.frames.FreeCount()
	before := e.sched.Snapshot()

	_, err := e.sched.Spawn(Spec{Name: "a", Tier: TierNormal})
	if !errors.Is(err, kernel.ErrExhausted) {
		t.Fatalf("Spawn() error = %v, want ErrExhausted", err)
	}
	if got := e.frames.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
	if after := e.sched.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Errorf("Snapshot() = %+v, want %+v", after, before)
	}
	if got := e.sched.tcbs.Stats().InUse; got != 1 {
		t.Errorf("TCBs in use = %d, want 1 (idle only)", got)
	}

	for _, r := range held {
		e.frames.Release(r)
	}
	id, err := e.sched.Spawn(Spec{Name: "a", Tier: TierNormal})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("first successful Spawn() = %d, want 1", id)
	}
}

func TestTraceKeepsMostRecent(t *testing.T) {
	e := newEnv(t, Config{Slice: 1, Tiers: 5, TCBsPerSlab: 8, StacksPerSlab: 2})
	e.spawn(t, "a", TierNormal)
	e.spawn(t, "b", TierNormal)

	for i := 0; i < TraceSize+10; i++ {
		e.sched.Tick()
	}
	sw := e.sched.Switches()
	if len(sw) != TraceSize {
		t.Fatalf("len(Switches()) = %d, want %d", len(sw), TraceSize)
	}
	if first, last := sw[0].Tick, sw[len(sw)-1].Tick; first != 11 || last != TraceSize+10 {
		t.Errorf("trace spans ticks %d..%d, want 11..%d", first, last, TraceSize+10)
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Blocked.String(), "BLOCKED"},
		{State(9).String(), "STATE(9)"},
		{TierRealtime.String(), "realtime"},
		{Tier(6).String(), "tier6"},
		{ReasonSliceExpired.String(), "slice"},
		{Reason(42).String(), "reason(42)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
