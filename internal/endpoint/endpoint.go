// Package endpoint implements the unidirectional many-to-one IPC
// endpoint: senders address buffers at an Endpoint's label, and a single
// receiver drains them in FIFO order, either directly or — if the
// endpoint has been made a member of a receive-any caplist — through
// that caplist's shared ready-queue instead of the endpoint's own queue.
//
// Endpoint imports internal/buffer (its pending queue holds *buffer.Buffer)
// but never internal/caplist, so the decision of whether a send lands on
// the endpoint's own queue or on a caplist's queue is made by the caller
// (Task), which can see both types.
package endpoint

import (
	"context"
	"sync"

	"github.com/jermar/ipc2/internal/buffer"
	"github.com/jermar/ipc2/internal/kobject"
	"github.com/jermar/ipc2/internal/synch"
)

// Endpoint is the receive side of a many-to-one IPC channel.
type Endpoint struct {
	obj *kobject.Object

	mu      sync.Mutex
	cv      *synch.WaitQueue
	label   uint64
	buffers []*buffer.Buffer
}

// New creates an endpoint imprinted with label, not yet published to any
// registry.
func New(label uint64) *Endpoint {
	ep := &Endpoint{label: label}
	ep.cv = synch.NewWaitQueue(&ep.mu)
	return ep
}

// Bind attaches the kobject header allocated for this endpoint by the
// registry, so later caplist-membership checks (Object().Membership) see
// a consistent header.
func (ep *Endpoint) Bind(obj *kobject.Object) { ep.obj = obj }

// Object returns the endpoint's kobject header, satisfying
// internal/caplist.Member so an Endpoint can join a receive-any caplist.
func (ep *Endpoint) Object() *kobject.Object { return ep.obj }

// Label returns the label imprinted on this endpoint at creation, copied
// into ReceiveInfo on every successful receive.
func (ep *Endpoint) Label() uint64 { return ep.label }

// Lock acquires the endpoint's mutex. Callers orchestrating a multi-
// object operation take this first, per the fixed lock order.
func (ep *Endpoint) Lock() { ep.mu.Lock() }

// Unlock releases the endpoint's mutex.
func (ep *Endpoint) Unlock() { ep.mu.Unlock() }

// EnqueuePending appends buf to the endpoint's own direct queue and wakes
// every waiter blocked on it (synch.WaitQueue.Signal is a broadcast). The
// caller must hold ep's lock, and must only call this
// when ep is not currently a member of a receive-any caplist (otherwise
// the buffer belongs on that caplist's queue instead — see Task.BufferSend).
func (ep *Endpoint) EnqueuePending(buf *buffer.Buffer) {
	ep.buffers = append(ep.buffers, buf)
	ep.cv.Signal()
}

// TryDequeue pops the head of the endpoint's direct queue, if non-empty.
// The caller must hold ep's lock.
func (ep *Endpoint) TryDequeue() (*buffer.Buffer, bool) {
	if len(ep.buffers) == 0 {
		return nil, false
	}
	buf := ep.buffers[0]
	ep.buffers = ep.buffers[1:]
	return buf, true
}

// PendingLen reports the endpoint's direct queue depth. The caller must
// hold ep's lock.
func (ep *Endpoint) PendingLen() int {
	return len(ep.buffers)
}

// WaitPending blocks, with ep's lock held on entry, until the direct
// queue is non-empty, timeout elapses, or ctx is canceled. It returns
// with ep's lock held regardless of outcome.
func (ep *Endpoint) WaitPending(ctx context.Context, timeout synch.Timeout) synch.WaitResult {
	return ep.cv.Wait(ctx, timeout, func() bool { return len(ep.buffers) > 0 })
}
