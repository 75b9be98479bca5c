// Package umem stands in for the microkernel's copy-in/copy-out path: the
// validated boundary between a task's address space and kernel-owned
// buffer storage. There is no real user/kernel split in this module, so
// Mem implementations copy between Go byte slices, but they preserve the
// fault semantics the syscall surface depends on (spec.md §7's
// CodeFaultCopyin/CodeFaultCopyout).
package umem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mem copies payload bytes across the task/kernel boundary. CopyIn moves
// src (task memory) into dst (buffer storage); CopyOut moves src (buffer
// storage) into dst (task memory). Both return the number of bytes
// actually copied, which callers use to set ipc_buf_t.used.
type Mem interface {
	CopyIn(dst, src []byte) (int, error)
	CopyOut(dst, src []byte) (int, error)
}

// Real is the production Mem: a plain bounded copy. It never faults on
// its own; real copy-in/copy-out faults only exist when a hostile or
// stale user pointer is involved, which this standalone module has no
// way to reproduce without a real address space.
type Real struct{}

// CopyIn copies min(len(dst), len(src)) bytes from src into dst.
func (Real) CopyIn(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

// CopyOut copies min(len(dst), len(src)) bytes from src into dst.
func (Real) CopyOut(dst, src []byte) (int, error) {
	return copy(dst, src), nil
}

// FaultError reports a simulated copy-in/copy-out fault, carrying the
// unix errno the original kernel path would have raised.
type FaultError struct {
	Op    string // "copyin" or "copyout"
	Errno unix.Errno
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("umem: %s: %s", e.Op, e.Errno.Error())
}

// Unwrap exposes the underlying errno so callers using errors.Is against
// unix.EFAULT keep working regardless of wrapping.
func (e *FaultError) Unwrap() error {
	return e.Errno
}

// NewFaultError builds a FaultError for the given operation, defaulting
// to EFAULT the way a bad user pointer would in the original kernel.
func NewFaultError(op string) *FaultError {
	return &FaultError{Op: op, Errno: unix.EFAULT}
}
