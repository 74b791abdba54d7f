// Package kernel holds the error taxonomy shared by every subsystem of the
// core and the fatal halt path.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// pointers so they can be compared with errors.Is after wrapping.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (err *Error) Error() string {
	return err.Module + ": " + err.Message
}

var (
	// ErrOutOfMemory is returned when the frame allocator cannot satisfy a
	// reservation.
	ErrOutOfMemory = &Error{Module: "pmm", Message: "out of memory"}

	// ErrAlignmentViolation is returned for alignments that are not a power
	// of two or addresses that are not page aligned.
	ErrAlignmentViolation = &Error{Module: "pmm", Message: "alignment violation"}

	// ErrConflict is returned when mapping over an already mapped page.
	ErrConflict = &Error{Module: "vmm", Message: "mapping conflict"}

	// ErrNotMapped is returned when unmapping a page that has no mapping.
	ErrNotMapped = &Error{Module: "vmm", Message: "range not mapped"}

	// ErrUnmapped is returned by address translation of an unmapped address.
	ErrUnmapped = &Error{Module: "vmm", Message: "address unmapped"}

	// ErrExhausted is returned when an object cache class cannot grow.
	ErrExhausted = &Error{Module: "kheap", Message: "object cache exhausted"}

	// ErrBootHeapSealed is returned by the boot allocator once the object
	// cache has taken over.
	ErrBootHeapSealed = &Error{Module: "kheap", Message: "boot heap sealed"}

	// ErrSealed is returned when registering into a table that is armed.
	ErrSealed = &Error{Module: "irq", Message: "table sealed"}

	// ErrUnhandledVector halts the kernel when an interrupt arrives on a
	// vector without a handler.
	ErrUnhandledVector = &Error{Module: "irq", Message: "unhandled interrupt vector"}

	// ErrNoSuchThread is returned for thread ids that do not name a live thread.
	ErrNoSuchThread = &Error{Module: "sched", Message: "no such thread"}

	// ErrInvalidSyscall is returned for syscall numbers outside the table or
	// naming an empty slot.
	ErrInvalidSyscall = &Error{Module: "syscalls", Message: "invalid syscall"}

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = &Error{Module: "kernel", Message: "invalid argument"}

	// ErrInvariantViolation marks detected structural corruption. It is never
	// returned; it is carried by a HaltError.
	ErrInvariantViolation = &Error{Module: "kernel", Message: "invariant violation"}
)
