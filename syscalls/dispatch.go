package syscalls

import (
	"fmt"
	"log/slog"

	"github.com/iansmith/kcore/arch"
	"github.com/iansmith/kcore/kernel"
)

// Request is one decoded system call. It lives for the duration of the
// trap only.
type Request struct {
	Number Number
	Args   [6]uint64
}

// Decode reads a request out of the trapping thread's registers.
func Decode(regs *arch.Regs) Request {
	return Request{Number: Number(regs.RAX), Args: regs.SyscallArgs()}
}

// Handler implements one system call. Its result is returned to user
// space in RAX; an error is turned into a negative errno instead.
type Handler func(req *Request) (uint64, error)

type entry struct {
	name string
	fn   Handler
}

// Dispatcher owns the system call table. Handlers are registered before
// Arm; afterwards the table does not change.
type Dispatcher struct {
	table []entry
	armed bool

	logger *slog.Logger
}

// NewDispatcher returns a dispatcher with size empty slots.
func NewDispatcher(size int, logger *slog.Logger) (*Dispatcher, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: table of %d slots", kernel.ErrInvalidArgument, size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		table:  make([]entry, size),
		logger: logger.With("module", "syscalls"),
	}, nil
}

// Size returns the number of slots.
func (d *Dispatcher) Size() int {
	return len(d.table)
}

// Register installs h in slot n.
func (d *Dispatcher) Register(n Number, name string, h Handler) error {
	if d.armed {
		return fmt.Errorf("%w: register syscall %d", kernel.ErrSealed, n)
	}
	if h == nil || n >= Number(len(d.table)) {
		return fmt.Errorf("%w: syscall %d (%s)", kernel.ErrInvalidArgument, n, name)
	}
	if d.table[n].fn != nil {
		return fmt.Errorf("%w: syscall %d registered twice", kernel.ErrInvalidArgument, n)
	}
	d.table[n] = entry{name: name, fn: h}
	return nil
}

// Arm opens the table to user space.
func (d *Dispatcher) Arm() error {
	if d.armed {
		return fmt.Errorf("%w: dispatcher armed twice", kernel.ErrSealed)
	}
	d.armed = true
	n := 0
	for _, e := range d.table {
		if e.fn != nil {
			n++
		}
	}
	d.logger.Info("syscall table armed", "size", len(d.table), "handlers", n, "abi", ABIVersion)
	return nil
}

// Armed reports whether Arm was called.
func (d *Dispatcher) Armed() bool {
	return d.armed
}

// Dispatch runs the handler of req and returns the value for RAX. A number
// outside the table or naming an empty slot runs nothing and yields
// -ENOSYS with ErrInvalidSyscall. The error of a failed handler is
// returned next to its errno.
func (d *Dispatcher) Dispatch(req *Request) (uint64, error) {
	if !d.armed || req.Number >= Number(len(d.table)) || d.table[req.Number].fn == nil {
		return errnoResult(kernel.ErrInvalidSyscall), kernel.ErrInvalidSyscall
	}
	e := &d.table[req.Number]
	ret, err := e.fn(req)
	if err != nil {
		d.logger.Debug("syscall failed", "syscall", e.name, "error", err)
		return errnoResult(err), err
	}
	return ret, nil
}

func errnoResult(err error) uint64 {
	return uint64(-Errno(err))
}
