// Package syscalls is the user to kernel entry path: a fixed,
// bounds-checked table of handlers and the numbered system call ABI.
//
// Calling convention: the number is passed in RAX, up to six arguments in
// RDI, RSI, RDX, R10, R8 and R9, and the result comes back in RAX. A
// negative result is an errno.
package syscalls

import (
	"errors"

	"github.com/iansmith/kcore/kernel"
)

// ABIVersion is the version of the numbering below. Numbers are only ever
// appended; an assigned number never changes meaning.
const ABIVersion = 1

// Number is a system call number.
type Number uint64

// ABI v1.
const (
	SysExit Number = iota
	SysGettid
	SysWait
	SysSignal
	SysBroadcast
	SysMap
	SysUnmap
	SysTranslate
	SysTicks
	SysABIVersion
	SysKill
	SysSpawn
	SysMeminfo

	numSyscalls
)

var names = [numSyscalls]string{
	"exit", "gettid", "wait", "signal", "broadcast", "map", "unmap",
	"translate", "ticks", "abi_version", "kill", "spawn", "meminfo",
}

func (n Number) String() string {
	if n < numSyscalls {
		return names[n]
	}
	return "unknown"
}

// DefaultTableSize is the number of slots of a dispatcher table.
const DefaultTableSize = 64

// Flags of the map call.
const (
	MapWritable = 1 << iota
	MapExecutable
	MapUncached
)

// Selectors of the meminfo call.
const (
	MeminfoFree = iota
	MeminfoUsed
	MeminfoTotal
)

// Errno values returned to user space.
const (
	ESRCH  = 3
	EIO    = 5
	EAGAIN = 11
	ENOMEM = 12
	EFAULT = 14
	EEXIST = 17
	EINVAL = 22
	ENOSYS = 38
)

// Errno maps a kernel error to the errno user space sees.
func Errno(err error) int64 {
	switch {
	case errors.Is(err, kernel.ErrInvalidSyscall):
		return ENOSYS
	case errors.Is(err, kernel.ErrExhausted):
		return EAGAIN
	case errors.Is(err, kernel.ErrOutOfMemory):
		return ENOMEM
	case errors.Is(err, kernel.ErrAlignmentViolation),
		errors.Is(err, kernel.ErrInvalidArgument):
		return EINVAL
	case errors.Is(err, kernel.ErrConflict):
		return EEXIST
	case errors.Is(err, kernel.ErrNotMapped),
		errors.Is(err, kernel.ErrUnmapped):
		return EFAULT
	case errors.Is(err, kernel.ErrNoSuchThread):
		return ESRCH
	}
	return EIO
}
