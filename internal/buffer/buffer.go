// Package buffer implements the IPC buffer: the fixed-size, three-state
// (Ready/Pending/Finished) payload carrier that Task.BufferSend,
// BufferReceive, BufferFinish, and BufferWait drive through its state
// machine. A Buffer never imports internal/endpoint or internal/caplist;
// it exposes the per-buffer checks and copy operations those syscall-
// surface methods need, while Task performs the actual cross-object
// locking and orchestration in the fixed order documented there.
package buffer

import (
	"context"
	"errors"

	"github.com/jermar/ipc2/internal/kobject"
	"github.com/jermar/ipc2/internal/synch"
	"github.com/jermar/ipc2/internal/umem"

	"sync"
)

// State is a buffer's position in its Ready -> Pending -> Finished ->
// Ready lifecycle.
type State int

const (
	StateReady State = iota
	StatePending
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePending:
		return "pending"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// QueuedOn records which direct queue, if any, a Pending buffer currently
// sits on. A buffer can be queued on at most one of these at a time
// (invariant I2/E2); membership in a buffer-caplist (tracked on the
// kobject header's Membership field instead) is orthogonal and may
// coexist with either.
type QueuedOn int

const (
	QueuedNone QueuedOn = iota
	QueuedEndpoint
	QueuedEndpointCaplist
)

var (
	// ErrBusy is returned when a buffer is in a state that forbids the
	// requested transition without an intervening wait/finish.
	ErrBusy = errors.New("buffer: busy")
	// ErrBadArg is returned for structurally invalid requests, such as
	// supplying a caplist alongside a Pending (forwarding) send.
	ErrBadArg = errors.New("buffer: bad argument")
	// ErrLimit is returned when a requested copy size exceeds the
	// buffer's fixed capacity.
	ErrLimit = errors.New("buffer: size exceeds buffer capacity")
	// ErrNotPending is returned by Finish when the buffer is not
	// currently Pending.
	ErrNotPending = errors.New("buffer: not pending")
)

// Buffer is a fixed-size IPC payload carrier.
type Buffer struct {
	obj *kobject.Object
	mem umem.Mem

	mu sync.Mutex
	cv *synch.WaitQueue

	state      State
	waitResult error
	size       uint32
	used       uint32
	data       []byte

	bufLabel uint64
	epLabel  uint64

	queuedOn QueuedOn
}

// New allocates a Ready buffer of the given fixed size, imprinted with
// bufLabel (the label a waiter sees back in WaitInfo). mem performs the
// copy-in/copy-out across the task/kernel boundary; pass umem.Real{} in
// production and a fault-injecting umem.Mem in tests.
func New(size uint32, bufLabel uint64, mem umem.Mem) *Buffer {
	b := &Buffer{
		mem:      mem,
		size:     size,
		data:     make([]byte, size),
		bufLabel: bufLabel,
	}
	b.cv = synch.NewWaitQueue(&b.mu)
	return b
}

// Bind attaches the kobject header the registry allocated for this
// buffer, so later caplist-membership checks see a consistent header.
func (b *Buffer) Bind(obj *kobject.Object) { b.obj = obj }

// Object returns the buffer's kobject header, satisfying
// internal/caplist.Member so a Buffer can join a wait-any caplist.
func (b *Buffer) Object() *kobject.Object { return b.obj }

// Lock acquires the buffer's data-level mutex, guarding State, Used,
// QueuedOn, and the payload itself. Callers orchestrating a multi-object
// operation take this after the endpoint and endpoint-caplist locks and
// before the buffer-caplist lock and the buffer's own kobject header
// lock, per the fixed lock order.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases the buffer's data-level mutex.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// State returns the buffer's current lifecycle state. The caller should
// hold Lock.
func (b *Buffer) State() State { return b.state }

// Size returns the buffer's fixed capacity in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// Used returns the number of valid bytes currently held, set by the most
// recent non-empty CopyIn. The caller should hold Lock.
func (b *Buffer) Used() uint32 { return b.used }

// BufLabel returns the label imprinted at allocation time.
func (b *Buffer) BufLabel() uint64 { return b.bufLabel }

// EPLabel returns the label of the endpoint this buffer was last sent
// to, imprinted by Send and reported to the receiver. The caller should
// hold Lock.
func (b *Buffer) EPLabel() uint64 { return b.epLabel }

// QueuedOn reports which direct queue, if any, the buffer is sitting on.
// The caller should hold Lock.
func (b *Buffer) QueuedOn() QueuedOn { return b.queuedOn }

// SetQueuedOn records which direct queue the buffer has just been placed
// on (or QueuedNone once it has been dequeued). The caller should hold
// Lock.
func (b *Buffer) SetQueuedOn(q QueuedOn) { b.queuedOn = q }

// CheckSend validates a Send against the buffer's current state, before
// any data is copied or any queue is touched. It implements the original
// kernel's ipc2_buf_send_check ordering exactly: a Finished buffer must
// first be waited on (Busy, not BadArg); a buffer already queued anywhere
// is Busy; supplying a caplist while the buffer is already a caplist
// member (Ready case) is Busy, and supplying one alongside a Pending
// (forwarding) send is BadArg. The caller must hold Lock.
func (b *Buffer) CheckSend(hasCaplist bool) error {
	if b.state == StateFinished {
		return ErrBusy
	}
	if b.queuedOn != QueuedNone {
		return ErrBusy
	}
	if hasCaplist {
		if b.state == StateReady && b.obj.Membership != nil {
			return ErrBusy
		}
		if b.state == StatePending {
			return ErrBadArg
		}
	}
	return nil
}

// CopyIn copies src into the buffer's storage, failing with ErrLimit if
// src is larger than the buffer's fixed size. A zero-length src leaves
// Used untouched, matching the original's "if (size) buf->used = size"
// (a zero-size send does not clear a previous payload's length). The
// caller must hold Lock.
func (b *Buffer) CopyIn(src []byte) error {
	if uint32(len(src)) > b.size {
		return ErrLimit
	}
	if len(src) == 0 {
		return nil
	}
	n, err := b.mem.CopyIn(b.data[:len(src)], src)
	if err != nil {
		return err
	}
	b.used = uint32(n)
	return nil
}

// CopyOut copies min(len(dst), Used) bytes of the buffer's storage into
// dst, matching the original's ipc2_copy_from_buf ("if (size > buf->used)
// size = buf->used"): a dst shorter than Used is filled completely, a dst
// longer than Used only has its first Used bytes written (never stale
// bytes past the watermark), and a dst longer than the buffer's capacity
// is not an error. The caller must hold Lock.
func (b *Buffer) CopyOut(dst []byte) error {
	n := uint32(len(dst))
	if n > b.used {
		n = b.used
	}
	if n == 0 {
		return nil
	}
	_, err := b.mem.CopyOut(dst[:n], b.data[:n])
	return err
}

// Send transitions the buffer into Pending and imprints epLabel, the
// label of the endpoint it is now addressed to (for a forwarding send,
// the label of the endpoint it is forwarded to). The caller must
// hold Lock and must have already called CheckSend/CopyIn successfully.
func (b *Buffer) Send(epLabel uint64) {
	b.state = StatePending
	b.epLabel = epLabel
}

// CheckFinish validates a Finish against the buffer's current state: it
// must be Pending and not currently queued anywhere (a buffer a receiver
// is actively draining from a queue cannot be finished out from under
// it). The caller must hold Lock.
func (b *Buffer) CheckFinish() error {
	if b.state != StatePending {
		return ErrNotPending
	}
	if b.queuedOn != QueuedNone {
		return ErrBusy
	}
	return nil
}

// Finish transitions the buffer to Finished and records rc as the result
// a waiter will observe. The caller must hold Lock.
func (b *Buffer) Finish(rc error) {
	b.state = StateFinished
	b.waitResult = rc
}

// SignalFinished wakes any waiter blocked directly on this buffer's own
// condition variable (the WaitInfo path when the buffer is waited on
// directly rather than through a caplist). The caller must hold Lock.
func (b *Buffer) SignalFinished() {
	b.cv.Broadcast()
}

// WaitFinished blocks, with Lock held on entry, until the buffer reaches
// Finished, the timeout elapses, or ctx is canceled. It returns with
// Lock held regardless of outcome.
func (b *Buffer) WaitFinished(ctx context.Context, timeout synch.Timeout) synch.WaitResult {
	return b.cv.Wait(ctx, timeout, func() bool { return b.state == StateFinished })
}

// Rearm transitions a Finished buffer back to Ready, clearing the
// previous wait result, after its data has been copied out to a waiter.
// The caller must hold Lock.
func (b *Buffer) Rearm() {
	b.state = StateReady
	b.waitResult = nil
}

// WaitResult returns the error recorded by the most recent Finish, valid
// once State is Finished. The caller must hold Lock.
func (b *Buffer) WaitResult() error { return b.waitResult }
