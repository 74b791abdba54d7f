package syscalls

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/irq"
	"github.com/iansmith/kcore/kernel"
	"github.com/iansmith/kcore/pmm"
	"github.com/iansmith/kcore/sched"
	"github.com/iansmith/kcore/vmm"
)

// maxMapPages bounds a single map call.
const maxMapPages = 1 << 16

// Services are the subsystems the ABI v1 handlers call into.
type Services struct {
	Sched  *sched.Scheduler
	Frames *pmm.Allocator
	Mapper *vmm.Mapper
	IRQ    *irq.Table

	// Waits are the wait queues user space addresses by index.
	Waits []*sched.WaitQueue

	Logger *slog.Logger
}

// Install registers the ABI v1 handlers on d.
func Install(d *Dispatcher, svc Services) error {
	if svc.Sched == nil || svc.Frames == nil || svc.Mapper == nil || svc.IRQ == nil {
		return fmt.Errorf("%w: incomplete syscall services", kernel.ErrInvalidArgument)
	}
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}
	h := &handlers{Services: svc, logger: svc.Logger.With("module", "syscalls")}

	table := []struct {
		n  Number
		fn Handler
	}{
		{SysExit, h.exit},
		{SysGettid, h.gettid},
		{SysWait, h.wait},
		{SysSignal, h.signal},
		{SysBroadcast, h.broadcast},
		{SysMap, h.mmap},
		{SysUnmap, h.munmap},
		{SysTranslate, h.translate},
		{SysTicks, h.ticks},
		{SysABIVersion, h.abiVersion},
		{SysKill, h.kill},
		{SysSpawn, h.spawn},
		{SysMeminfo, h.meminfo},
	}
	for _, e := range table {
		if err := d.Register(e.n, e.n.String(), e.fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	Services
	logger *slog.Logger
}

func (h *handlers) exit(req *Request) (uint64, error) {
	return 0, h.Sched.Exit(int64(req.Args[0]))
}

func (h *handlers) gettid(*Request) (uint64, error) {
	return uint64(h.Sched.Current().ID), nil
}

func (h *handlers) waitQueue(idx uint64) (*sched.WaitQueue, error) {
	if idx >= uint64(len(h.Waits)) {
		return nil, fmt.Errorf("%w: wait queue %d", kernel.ErrInvalidArgument, idx)
	}
	return h.Waits[idx], nil
}

func (h *handlers) wait(req *Request) (uint64, error) {
	wq, err := h.waitQueue(req.Args[0])
	if err != nil {
		return 0, err
	}
	return 0, h.Sched.BlockOn(wq)
}

func (h *handlers) signal(req *Request) (uint64, error) {
	wq, err := h.waitQueue(req.Args[0])
	if err != nil {
		return 0, err
	}
	if _, ok := h.Sched.Wake(wq); ok {
		return 1, nil
	}
	return 0, nil
}

func (h *handlers) broadcast(req *Request) (uint64, error) {
	wq, err := h.waitQueue(req.Args[0])
	if err != nil {
		return 0, err
	}
	return uint64(h.Sched.WakeAll(wq)), nil
}

// userRange validates a user half range given as address and page count.
func userRange(va, pages uint64) (vmm.VirtRange, error) {
	vr := vmm.VirtRange{Start: va, Pages: pages}
	if va%arch.PageSize != 0 {
		return vr, fmt.Errorf("%w: address %#x", kernel.ErrAlignmentViolation, va)
	}
	if pages == 0 || pages > maxMapPages || va >= vmm.UserTop || pages > (vmm.UserTop-va)/arch.PageSize {
		return vr, fmt.Errorf("%w: range of %d pages at %#x", kernel.ErrInvalidArgument, pages, va)
	}
	return vr, nil
}

func (h *handlers) userSpace() (*vmm.AddressSpace, error) {
	as := h.Sched.Current().Space
	if as == nil {
		return nil, fmt.Errorf("%w: thread has no user address space", kernel.ErrInvalidArgument)
	}
	return as, nil
}

// mmap backs [va, va+pages) with fresh frames, one reservation per page so
// any sub-range can be unmapped later.
func (h *handlers) mmap(req *Request) (uint64, error) {
	va, pages, mf := req.Args[0], req.Args[1], req.Args[2]
	vr, err := userRange(va, pages)
	if err != nil {
		return 0, err
	}
	as, err := h.userSpace()
	if err != nil {
		return 0, err
	}

	flags := vmm.FlagUser | vmm.FlagNoExecute
	if mf&MapWritable != 0 {
		flags |= vmm.FlagWritable
	}
	if mf&MapExecutable != 0 {
		flags &^= vmm.FlagNoExecute
	}
	if mf&MapUncached != 0 {
		flags = flags.WithCache(vmm.Uncached)
	}

	for i := uint64(0); i < pages; i++ {
		if _, _, err := as.Lookup(va + i*arch.PageSize); err == nil {
			return 0, fmt.Errorf("%w: %#x already mapped", kernel.ErrConflict, va+i*arch.PageSize)
		}
	}

	undo := func(n uint64) {
		for j := uint64(0); j < n; j++ {
			r, err := as.Unmap(vmm.VirtRange{Start: va + j*arch.PageSize, Pages: 1})
			if err != nil {
				kernel.Halt(h.logger, "syscalls", kernel.ErrInvariantViolation, "undo map of %#x: %v", va+j*arch.PageSize, err)
			}
			h.Frames.Release(r)
		}
	}
	for i := uint64(0); i < pages; i++ {
		r, err := h.Frames.ReserveFor(pmm.OwnerUser, 1, 1)
		if err != nil {
			undo(i)
			return 0, err
		}
		if err := as.Map(vmm.VirtRange{Start: va + i*arch.PageSize, Pages: 1}, r, flags); err != nil {
			h.Frames.Release(r)
			undo(i)
			return 0, err
		}
	}
	h.logger.Debug("user range mapped", "range", vr, "flags", fmt.Sprintf("%#x", uint64(flags)))
	return va, nil
}

// munmap removes a range created by map and frees its frames.
func (h *handlers) munmap(req *Request) (uint64, error) {
	va, pages := req.Args[0], req.Args[1]
	if _, err := userRange(va, pages); err != nil {
		return 0, err
	}
	as, err := h.userSpace()
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < pages; i++ {
		pa, flags, err := as.Lookup(va + i*arch.PageSize)
		if err != nil {
			return 0, fmt.Errorf("%w: %#x", kernel.ErrNotMapped, va+i*arch.PageSize)
		}
		_, owner, err := h.Frames.State(pmm.FrameFromAddress(pa))
		if err != nil {
			return 0, err
		}
		if flags&vmm.FlagUser == 0 || owner != pmm.OwnerUser {
			return 0, fmt.Errorf("%w: %#x was not mapped by map", kernel.ErrInvalidArgument, va+i*arch.PageSize)
		}
	}
	for i := uint64(0); i < pages; i++ {
		r, err := as.Unmap(vmm.VirtRange{Start: va + i*arch.PageSize, Pages: 1})
		if err != nil {
			kernel.Halt(h.logger, "syscalls", kernel.ErrInvariantViolation, "unmap of %#x: %v", va+i*arch.PageSize, err)
		}
		h.Frames.Release(r)
	}
	return 0, nil
}

// translate resolves a virtual address of the caller. A thread with a user
// address space only sees its own user pages.
func (h *handlers) translate(req *Request) (uint64, error) {
	va := req.Args[0]
	as := h.Sched.Current().Space
	if as == nil {
		return h.Mapper.Kernel().Translate(va)
	}
	if vmm.IsKernel(va) {
		return 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}
	if _, flags, err := as.Lookup(va); err != nil {
		return 0, err
	} else if flags&vmm.FlagUser == 0 {
		return 0, fmt.Errorf("%w: %#x", kernel.ErrUnmapped, va)
	}
	return as.Translate(va)
}

func (h *handlers) ticks(*Request) (uint64, error) {
	return h.IRQ.Ticks(), nil
}

func (h *handlers) abiVersion(*Request) (uint64, error) {
	return ABIVersion, nil
}

func (h *handlers) kill(req *Request) (uint64, error) {
	if req.Args[0] > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d", kernel.ErrNoSuchThread, req.Args[0])
	}
	return 0, h.Sched.Kill(sched.ThreadID(req.Args[0]))
}

// spawn starts a thread at entry with arg in the caller's address space.
// The tier defaults to the caller's and may not exceed it.
func (h *handlers) spawn(req *Request) (uint64, error) {
	if req.Args[2] >= sched.MaxTiers {
		return 0, fmt.Errorf("%w: tier %d", kernel.ErrInvalidArgument, req.Args[2])
	}
	entry, arg, tier := req.Args[0], req.Args[1], sched.Tier(req.Args[2])
	cur := h.Sched.Current()
	if req.Args[2] == 0 {
		tier = cur.Tier
	}
	if req.Args[2] > uint64(cur.Tier) && cur.ID != sched.IdleID {
		return 0, fmt.Errorf("%w: tier %d above the caller's %v", kernel.ErrInvalidArgument, req.Args[2], cur.Tier)
	}
	id, err := h.Sched.Spawn(sched.Spec{
		Name:  fmt.Sprintf("%s/%d", cur.Name, cur.ID),
		Tier:  tier,
		Entry: entry,
		Arg:   arg,
		Space: cur.Space,
	})
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (h *handlers) meminfo(req *Request) (uint64, error) {
	switch req.Args[0] {
	case MeminfoFree:
		return h.Frames.FreeCount(), nil
	case MeminfoUsed:
		return h.Frames.UsedCount(), nil
	case MeminfoTotal:
		return h.Frames.TotalFrames(), nil
	}
	return 0, fmt.Errorf("%w: meminfo selector %d", kernel.ErrInvalidArgument, req.Args[0])
}
