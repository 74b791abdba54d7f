// Package core constructs the kernel context object at boot and is the
// only place that knows the order subsystems come up in. Every kernel
// entry (tick, interrupt, system call) goes through a Kernel, which holds
// the CPU for the duration of the entry.
package core

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/config"
	"github.com/iansmith/kcore/diag"
	"github.com/iansmith/kcore/irq"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/kheap"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/sched"
	"github.com/iansmith/kcore/syscalls"
	"github.com/iansmith/kcore/vmm"
)

// Kernel virtual layout.
var (
	// KernelImage is where the kernel image is mapped.
	KernelImage = vmm.KernelBase
	// BootHeapBase is the start of the boot heap window.
	BootHeapBase = vmm.KernelBase + 1<<30
	// CacheWindow is the window the object cache maps its slabs into.
	CacheWindow = vmm.VirtRange{Start: vmm.KernelBase + 2<<30, Pages: 1 << 20}
)

// idtEntrySize is the size of one interrupt gate.
const idtEntrySize = 16

// Kernel is the context object every subsystem is reached through.
type Kernel struct {
	cfg config.Config

	frames   *pmm.Allocator
	mapper   *vmm.Mapper
	bootHeap *kheap.Bump
	cache    *kheap.Cache
	cpu      *arch.CPU
	irq      *irq.Table
	sched    *sched.Scheduler
	sys      *syscalls.Dispatcher
	waits    []*sched.WaitQueue
	spaces   []*vmm.AddressSpace // process address spaces not yet destroyed

	image   pmm.Range
	idtBase uint64

	logger *slog.Logger
}

// Boot brings the subsystems up in order: frame allocator, kernel page
// tables and image, boot heap, object cache, interrupt table, scheduler
// and finally the system call table. A failing step returns its error and
// the partially built kernel is dropped.
func Boot(cfg config.Config, logger *slog.Logger) (*Kernel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", kernel.ErrInvalidArgument, err)
	}
	k := &Kernel{cfg: cfg, logger: logger.With("module", "core")}

	var err error
	if k.frames, err = pmm.New(cfg.MemoryMap, logger); err != nil {
		return nil, fmt.Errorf("frame allocator: %w", err)
	}
	if k.mapper, err = vmm.NewMapper(k.frames, cfg.Mapper(), logger); err != nil {
		return nil, fmt.Errorf("kernel page tables: %w", err)
	}
	if err := k.mapImage(); err != nil {
		return nil, err
	}

	space := k.mapper.Kernel()
	k.bootHeap = kheap.NewBump(space, k.frames, vmm.VirtRange{Start: BootHeapBase, Pages: cfg.BootHeapPages}, logger)
	if k.idtBase, err = k.bootHeap.Alloc(irq.NumVectors*idtEntrySize, arch.PageSize); err != nil {
		return nil, fmt.Errorf("interrupt descriptor table: %w", err)
	}
	k.cache = kheap.NewCache(space, k.frames, CacheWindow, logger)
	k.bootHeap.Seal()

	k.cpu = arch.NewCPU(0)
	k.irq = irq.NewTable(logger)
	if err := k.irq.SetTickHandler(k.tick); err != nil {
		return nil, err
	}
	if err := k.irq.Register(irq.VectorSpurious, func(uint8) {}); err != nil {
		return nil, err
	}
	if err := k.irq.Arm(); err != nil {
		return nil, err
	}

	if k.sched, err = sched.New(cfg.Sched(), k.cpu, k.cache, logger); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	for i := 0; i < cfg.WaitQueues; i++ {
		k.waits = append(k.waits, &sched.WaitQueue{Name: fmt.Sprintf("wq%d", i)})
	}

	if k.sys, err = syscalls.NewDispatcher(cfg.SyscallTableSize, logger); err != nil {
		return nil, err
	}
	err = syscalls.Install(k.sys, syscalls.Services{
		Sched:  k.sched,
		Frames: k.frames,
		Mapper: k.mapper,
		IRQ:    k.irq,
		Waits:  k.waits,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("syscalls: %w", err)
	}
	if err := k.sys.Arm(); err != nil {
		return nil, err
	}

	k.logger.Info("kernel booted",
		"free_frames", k.frames.FreeCount(),
		"page_tables", k.mapper.TableFrames(),
		"boot_heap", k.bootHeap.Used())
	return k, nil
}

func (k *Kernel) mapImage() error {
	pages := k.cfg.KernelImagePages
	r, err := k.frames.Reserve(pages, 1)
	if err != nil {
		return fmt.Errorf("kernel image: %w", err)
	}
	vr := vmm.VirtRange{Start: KernelImage, Pages: pages}
	if err := k.mapper.Kernel().Map(vr, r, vmm.FlagWritable); err != nil {
		k.frames.Release(r)
		return fmt.Errorf("kernel image: %w", err)
	}
	k.image = r
	k.logger.Debug("kernel image mapped", "virt", vr, "phys", r)
	return nil
}

// tick runs in interrupt context.
func (k *Kernel) tick() {
	k.sched.Tick()
}

// Tick delivers one timer interrupt.
func (k *Kernel) Tick() {
	k.Raise(irq.VectorTimer)
}

// Raise delivers interrupt vector v.
func (k *Kernel) Raise(v uint8) {
	k.cpu.Enter()
	defer k.cpu.Leave()
	k.irq.Raise(v)
}

// Invoke performs system call n with args on behalf of the running thread,
// as if it had trapped with them in its registers. The result is written
// to RAX of the calling thread even when the call blocked it and another
// thread now owns the CPU. It returns the result.
func (k *Kernel) Invoke(n syscalls.Number, args ...uint64) int64 {
	k.cpu.Enter()
	defer k.cpu.Leave()

	caller := k.sched.Current().ID
	regs := &k.cpu.Regs
	regs.RAX = uint64(n)
	regs.SetSyscallArgs(args...)

	req := syscalls.Decode(regs)
	ret, err := k.sys.Dispatch(&req)
	if err != nil {
		k.logger.Debug("syscall returned an error", "tid", caller, "syscall", req.Number, "error", err)
	}

	if t, ok := k.sched.Lookup(caller); ok && t.State != sched.Terminated {
		ctx, err := k.sched.Context(caller)
		if err != nil {
			kernel.Halt(k.logger, "core", kernel.ErrInvariantViolation, "caller %d lost: %v", caller, err)
		}
		ctx.RAX = ret
	}
	return int64(ret)
}

// Spawn creates a kernel thread.
func (k *Kernel) Spawn(spec sched.Spec) (sched.ThreadID, error) {
	k.cpu.Enter()
	defer k.cpu.Leave()
	return k.sched.Spawn(spec)
}

// NewProcess creates a user address space and starts the first thread of
// spec in it. Housekeep destroys the space once its last thread is reaped.
func (k *Kernel) NewProcess(spec sched.Spec) (sched.ThreadID, error) {
	k.cpu.Enter()
	defer k.cpu.Leave()

	as, err := k.mapper.NewAddressSpace()
	if err != nil {
		return 0, fmt.Errorf("address space: %w", err)
	}
	spec.Space = as
	id, err := k.sched.Spawn(spec)
	if err != nil {
		if derr := as.Destroy(nil); derr != nil {
			kernel.Halt(k.logger, "core", kernel.ErrInvariantViolation, "fresh address space: %v", derr)
		}
		return 0, err
	}
	k.spaces = append(k.spaces, as)
	return id, nil
}

// Processes returns the number of process address spaces still alive.
func (k *Kernel) Processes() int {
	k.cpu.Enter()
	defer k.cpu.Leave()
	return len(k.spaces)
}

// Housekeep reaps terminated threads, destroys the address spaces they
// left empty and returns empty slabs to the frame allocator.
func (k *Kernel) Housekeep() (reaped, slabs int) {
	k.cpu.Enter()
	defer k.cpu.Leave()
	reaped = k.sched.Reap()
	spaces := k.reclaimSpaces()
	slabs = k.cache.Shrink()
	if reaped > 0 || spaces > 0 || slabs > 0 {
		k.logger.Debug("housekeeping", "reaped", reaped, "spaces", spaces, "slabs", slabs)
	}
	return reaped, slabs
}

// reclaimSpaces destroys every process address space no thread runs in and
// releases the user frames still mapped there.
func (k *Kernel) reclaimSpaces() int {
	kept := k.spaces[:0]
	n := 0
	for _, as := range k.spaces {
		if k.sched.InUse(as) {
			kept = append(kept, as)
			continue
		}
		var user []pmm.Frame
		err := as.Destroy(func(va uint64, f pmm.Frame) {
			user = append(user, f)
		})
		if err != nil {
			kernel.Halt(k.logger, "core", kernel.ErrInvariantViolation, "destroy address space: %v", err)
		}
		for _, f := range user {
			if _, owner, _ := k.frames.State(f); owner == pmm.OwnerUser {
				k.frames.Release(pmm.Range{Start: f, Count: 1})
			}
		}
		n++
	}
	clear(k.spaces[len(kept):])
	k.spaces = kept
	return n
}

// Run drives the timer until ctx is done, housekeeping once per slice.
func (k *Kernel) Run(ctx context.Context) error {
	n := uint32(0)
	timer := irq.NewTimer(k.cfg.TickPeriod(), func() {
		k.Tick()
		if n++; n%k.cfg.Slice == 0 {
			k.Housekeep()
		}
	})
	k.logger.Info("timer running", "period", timer.Period())
	return timer.Run(ctx)
}

// MemoryMap renders the current physical memory map.
func (k *Kernel) MemoryMap() image.Image {
	return diag.RenderMemoryMap(k.frames)
}

// HaltScreen renders the halt screen of h with the scheduler state.
func (k *Kernel) HaltScreen(h *kernel.HaltError) image.Image {
	snap := k.sched.Snapshot()
	lines := []string{
		fmt.Sprintf("tick %d  current %d  threads %d", snap.Tick, snap.Current, snap.Threads),
		fmt.Sprintf("frames %d free of %d", k.frames.FreeCount(), k.frames.TotalFrames()),
	}
	for tier, ids := range snap.Ready {
		if len(ids) > 0 {
			lines = append(lines, fmt.Sprintf("ready %v: %v", sched.Tier(tier), ids))
		}
	}
	if len(snap.Zombies) > 0 {
		lines = append(lines, fmt.Sprintf("zombies: %v", snap.Zombies))
	}
	return diag.RenderHalt(h, lines)
}

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() config.Config { return k.cfg }

// Frames returns the frame allocator.
func (k *Kernel) Frames() *pmm.Allocator { return k.frames }

// Mapper returns the page table mapper.
func (k *Kernel) Mapper() *vmm.Mapper { return k.mapper }

// Cache returns the object cache.
func (k *Kernel) Cache() *kheap.Cache { return k.cache }

// CPU returns the core every kernel entry holds.
func (k *Kernel) CPU() *arch.CPU { return k.cpu }

// IRQ returns the interrupt table.
func (k *Kernel) IRQ() *irq.Table { return k.irq }

// Sched returns the scheduler.
func (k *Kernel) Sched() *sched.Scheduler { return k.sched }

// Syscalls returns the system call dispatcher.
func (k *Kernel) Syscalls() *syscalls.Dispatcher { return k.sys }

// WaitQueues returns the wait queues user space addresses by index.
func (k *Kernel) WaitQueues() []*sched.WaitQueue { return k.waits }

// IDTBase returns the boot heap address of the interrupt descriptor table.
func (k *Kernel) IDTBase() uint64 { return k.idtBase }

// Image returns the frames holding the kernel image.
func (k *Kernel) Image() pmm.Range { return k.image }
