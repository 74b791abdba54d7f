package kernel

import (
	"fmt"
	"log/slog"
)

// HaltError is the panic value raised by Halt. Only the top level of the
// program may recover it; there is nothing to resume after a halt.
type HaltError struct {
	Err    error
	Module string
	Detail string
}

func (h *HaltError) Error() string {
	return fmt.Sprintf("kernel halted in %s: %v: %s", h.Module, h.Err, h.Detail)
}

func (h *HaltError) Unwrap() error {
	return h.Err
}

// Halt logs the diagnostic and stops the kernel. It does not return.
func Halt(logger *slog.Logger, module string, err error, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("kernel halt", "module", module, "error", err, "detail", detail)
	panic(&HaltError{Err: err, Module: module, Detail: detail})
}

// AsHalt reports whether a recovered panic value is a kernel halt.
func AsHalt(r any) (*HaltError, bool) {
	h, ok := r.(*HaltError)
	return h, ok
}
