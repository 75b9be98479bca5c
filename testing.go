package ipc2

import (
	"sync"

	"github.com/jermar/ipc2/internal/umem"
)

// FaultInjector is a test-only umem.Mem that counts copy-in/copy-out
// calls and fails whichever ones the caller has armed, the same
// call-counting-plus-programmable-failure idiom the teacher's
// MockBackend uses for I/O testing, adapted here to the copy-in/
// copy-out boundary instead of block reads/writes.
type FaultInjector struct {
	mu sync.Mutex

	copyInCalls  int
	copyOutCalls int

	failCopyInAt  map[int]bool
	failCopyOutAt map[int]bool
}

// NewFaultInjector creates a FaultInjector that passes every copy through
// to a plain copy() until told otherwise.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{
		failCopyInAt:  make(map[int]bool),
		failCopyOutAt: make(map[int]bool),
	}
}

// FailCopyInOnCall arms the nth (1-indexed) CopyIn call to fail with a
// simulated fault instead of copying.
func (f *FaultInjector) FailCopyInOnCall(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCopyInAt[n] = true
}

// FailCopyOutOnCall arms the nth (1-indexed) CopyOut call to fail with a
// simulated fault instead of copying.
func (f *FaultInjector) FailCopyOutOnCall(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCopyOutAt[n] = true
}

// CopyIn implements umem.Mem.
func (f *FaultInjector) CopyIn(dst, src []byte) (int, error) {
	f.mu.Lock()
	f.copyInCalls++
	fail := f.failCopyInAt[f.copyInCalls]
	f.mu.Unlock()

	if fail {
		return 0, umem.NewFaultError("copyin")
	}
	return copy(dst, src), nil
}

// CopyOut implements umem.Mem.
func (f *FaultInjector) CopyOut(dst, src []byte) (int, error) {
	f.mu.Lock()
	f.copyOutCalls++
	fail := f.failCopyOutAt[f.copyOutCalls]
	f.mu.Unlock()

	if fail {
		return 0, umem.NewFaultError("copyout")
	}
	return copy(dst, src), nil
}

// CopyInCalls reports how many times CopyIn has been called.
func (f *FaultInjector) CopyInCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyInCalls
}

// CopyOutCalls reports how many times CopyOut has been called.
func (f *FaultInjector) CopyOutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyOutCalls
}

var _ umem.Mem = (*FaultInjector)(nil)
