// Package ipc2 is the syscall surface of the fabric: Task exposes the
// eleven-odd entry points a real kernel would dispatch through a
// syscall table, each implemented by orchestrating the leaf packages'
// locking primitives in the fixed order the concurrency model requires.
package ipc2

import (
	"context"
	"errors"
	"time"

	"github.com/jermar/ipc2/internal/buffer"
	"github.com/jermar/ipc2/internal/caplist"
	"github.com/jermar/ipc2/internal/endpoint"
	"github.com/jermar/ipc2/internal/interfaces"
	"github.com/jermar/ipc2/internal/kobject"
	"github.com/jermar/ipc2/internal/logging"
	"github.com/jermar/ipc2/internal/synch"
	"github.com/jermar/ipc2/internal/umem"
)

// Task is a per-task ownership root: it owns a capability registry and
// issues every handle resolved by the methods below. Two Tasks never
// share handles, the same way two HelenOS tasks never share a capability
// space.
type Task struct {
	id       uint64
	registry *kobject.Registry
	logger   *logging.Logger
	observer interfaces.Observer
	mem      umem.Mem
}

// NewTask creates a Task with its own empty capability registry.
func NewTask(id uint64, opts *Options) *Task {
	o := opts.withDefaults()
	return &Task{
		id:       id,
		registry: kobject.NewRegistry(),
		logger:   o.Logger.WithTask(id),
		observer: o.Observer,
		mem:      o.Mem,
	}
}

// ID returns the task's identifier.
func (t *Task) ID() uint64 { return t.id }

// mapErr translates a leaf package's sentinel error into a structured
// *Error carrying the ErrorCode the syscall surface's contract promises.
func mapErr(op string, h Handle, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, kobject.ErrNotFound):
		return NewError(op, h, CodeNotFound, err.Error())
	case errors.Is(err, kobject.ErrBadArg),
		errors.Is(err, caplist.ErrWrongKind),
		errors.Is(err, buffer.ErrBadArg):
		return NewError(op, h, CodeBadArg, err.Error())
	case errors.Is(err, caplist.ErrAlreadyMember),
		errors.Is(err, caplist.ErrNotMember),
		errors.Is(err, buffer.ErrBusy),
		errors.Is(err, buffer.ErrNotPending):
		return NewError(op, h, CodeBusy, err.Error())
	case errors.Is(err, buffer.ErrLimit):
		return NewError(op, h, CodeLimit, err.Error())
	default:
		return WrapError(op, h, err)
	}
}

func waitErr(op string, h Handle, res synch.WaitResult) error {
	switch res {
	case synch.WaitTimeout:
		return NewError(op, h, CodeTimeout, "timed out waiting")
	case synch.WaitInterrupted:
		return NewError(op, h, CodeInterrupted, "wait was interrupted")
	case synch.WaitTryAgain:
		return NewError(op, h, CodeTryAgain, "would block")
	default:
		return NewError(op, h, CodeBadArg, "unexpected wait result")
	}
}

// finishLocked transitions buf to Finished and wakes whoever is entitled
// to see it next: if buf is a member of a buffer-caplist, the finished
// buffer joins that caplist's ready queue instead of signaling buf's own
// condition variable, mirroring the original's in_caplist branch in
// ipc2_buf_finish. The caller must already hold buf's lock.
func (t *Task) finishLocked(buf *buffer.Buffer, rc error) {
	buf.Finish(rc)

	obj := buf.Object()
	obj.Lock()
	cl, ok := obj.Membership.(*caplist.Caplist)
	obj.Unlock()

	if ok && cl != nil {
		cl.Lock()
		cl.Enqueue(buf)
		cl.Unlock()
		return
	}
	buf.SignalFinished()
}

// CaplistCreate creates an empty caplist whose members must be of
// memberKind (KindEndpoint for a receive-any caplist, KindBuffer for a
// wait-any caplist).
func (t *Task) CaplistCreate(memberKind Kind) (Handle, error) {
	cl := caplist.New(memberKind)
	h, _ := t.registry.Publish(KindCaplist, cl, nil)
	t.logger.WithOp("CaplistCreate").Debug("created", "handle", h, "member_kind", memberKind.String())
	return h, nil
}

// CaplistDestroy destroys a caplist. Members already added to it are not
// forcibly removed; their Membership back-reference simply becomes
// unreachable through any handle.
func (t *Task) CaplistDestroy(h Handle) error {
	if err := t.registry.Destroy(h, KindCaplist); err != nil {
		return mapErr("CaplistDestroy", h, err)
	}
	return nil
}

// CaplistAdd adds the capability identified by memberHandle to the
// caplist identified by clHandle. memberHandle must resolve to an object
// of the caplist's configured MemberKind.
func (t *Task) CaplistAdd(clHandle, memberHandle Handle) error {
	clObj, err := t.registry.Resolve(clHandle, KindCaplist)
	if err != nil {
		return mapErr("CaplistAdd", clHandle, err)
	}
	defer t.registry.Put(clObj)
	cl := clObj.Payload.(*caplist.Caplist)

	memberObj, err := t.registry.Resolve(memberHandle, cl.MemberKind)
	if err != nil {
		return mapErr("CaplistAdd", memberHandle, err)
	}
	defer t.registry.Put(memberObj)
	member, _ := memberObj.Payload.(caplist.Member)

	cl.Lock()
	defer cl.Unlock()
	memberObj.Lock()
	defer memberObj.Unlock()

	if err := cl.Add(member); err != nil {
		return mapErr("CaplistAdd", memberHandle, err)
	}
	return nil
}

// CaplistDel removes memberHandle from clHandle's membership set.
func (t *Task) CaplistDel(clHandle, memberHandle Handle) error {
	clObj, err := t.registry.Resolve(clHandle, KindCaplist)
	if err != nil {
		return mapErr("CaplistDel", clHandle, err)
	}
	defer t.registry.Put(clObj)
	cl := clObj.Payload.(*caplist.Caplist)

	memberObj, err := t.registry.Resolve(memberHandle, cl.MemberKind)
	if err != nil {
		return mapErr("CaplistDel", memberHandle, err)
	}
	defer t.registry.Put(memberObj)
	member, _ := memberObj.Payload.(caplist.Member)

	cl.Lock()
	memberObj.Lock()
	removed, delErr := cl.Del(member)
	memberObj.Unlock()
	cl.Unlock()
	if delErr != nil {
		return mapErr("CaplistDel", memberHandle, delErr)
	}
	t.registry.Put(removed.Object())
	return nil
}

// EndpointCreate creates an endpoint imprinted with label. If clHandle is
// not NilHandle, the new endpoint is immediately added to that caplist
// (making it a member of a receive-any set); if the add fails, the
// freshly created endpoint is destroyed and the error is returned rather
// than left dangling, matching the original sys_ipc2_ep_create's
// rollback.
func (t *Task) EndpointCreate(label uint64, clHandle Handle) (Handle, error) {
	ep := endpoint.New(label)
	epHandle, epObj := t.registry.Publish(KindEndpoint, ep, nil)
	ep.Bind(epObj)

	if clHandle == NilHandle {
		t.logger.WithOp("EndpointCreate").Debug("created", "handle", epHandle, "label", label)
		return epHandle, nil
	}

	clObj, err := t.registry.Resolve(clHandle, KindCaplist)
	if err != nil {
		t.registry.Destroy(epHandle, KindEndpoint)
		return NilHandle, mapErr("EndpointCreate", clHandle, err)
	}
	cl := clObj.Payload.(*caplist.Caplist)

	cl.Lock()
	epObj.Lock()
	addErr := cl.Add(ep)
	epObj.Unlock()
	cl.Unlock()
	t.registry.Put(clObj)

	if addErr != nil {
		t.registry.Destroy(epHandle, KindEndpoint)
		return NilHandle, mapErr("EndpointCreate", clHandle, addErr)
	}
	t.logger.WithOp("EndpointCreate").Debug("created", "handle", epHandle, "label", label, "caplist", clHandle)
	return epHandle, nil
}

// EndpointDestroy destroys an endpoint.
func (t *Task) EndpointDestroy(h Handle) error {
	if err := t.registry.Destroy(h, KindEndpoint); err != nil {
		return mapErr("EndpointDestroy", h, err)
	}
	return nil
}

// MaxBufferSize bounds a single BufferAlloc request, standing in for the
// original kernel's physical-memory exhaustion: this module has no real
// address space to run out of, so an allocation past this size is treated
// as the "impossibly large allocation" case instead.
const MaxBufferSize uint32 = 64 << 20

// BufferAlloc allocates a Ready buffer of the given fixed size, imprinted
// with label. A zero size is valid and supports zero-length Send/Finish.
func (t *Task) BufferAlloc(size uint32, label uint64) (Handle, error) {
	if size > MaxBufferSize {
		return NilHandle, NewError("BufferAlloc", NilHandle, CodeOutOfMemory, "requested size exceeds MaxBufferSize")
	}
	buf := buffer.New(size, label, t.mem)
	h, obj := t.registry.Publish(KindBuffer, buf, nil)
	buf.Bind(obj)
	return h, nil
}

// BufferFree destroys a buffer.
func (t *Task) BufferFree(h Handle) error {
	if err := t.registry.Destroy(h, KindBuffer); err != nil {
		return mapErr("BufferFree", h, err)
	}
	return nil
}

// BufferSend copies src into the buffer identified by bufHandle and
// addresses it at the endpoint identified by epHandle, optionally also
// registering it as a member of the buffer-caplist identified by
// clHandle (for a later wait-any). Lock order: endpoint mutex, endpoint
// kobject header lock, endpoint-caplist mutex (only if the endpoint is
// itself a receive-any member), buffer mutex, buffer-caplist mutex (only
// if clHandle given), buffer kobject header lock.
func (t *Task) BufferSend(src []byte, bufHandle, epHandle, clHandle Handle) (err error) {
	start := time.Now()
	defer func() {
		t.observer.ObserveBufSend(uint64(time.Since(start).Nanoseconds()), err == nil)
	}()

	bufObj, err := t.registry.Resolve(bufHandle, KindBuffer)
	if err != nil {
		return mapErr("BufferSend", bufHandle, err)
	}
	defer t.registry.Put(bufObj)
	buf := bufObj.Payload.(*buffer.Buffer)

	epObj, err := t.registry.Resolve(epHandle, KindEndpoint)
	if err != nil {
		return mapErr("BufferSend", epHandle, err)
	}
	defer t.registry.Put(epObj)
	ep := epObj.Payload.(*endpoint.Endpoint)

	var cl *caplist.Caplist
	if clHandle != NilHandle {
		clObj, cerr := t.registry.Resolve(clHandle, KindCaplist)
		if cerr != nil {
			return mapErr("BufferSend", clHandle, cerr)
		}
		defer t.registry.Put(clObj)
		cl = clObj.Payload.(*caplist.Caplist)
		if cl.MemberKind != KindBuffer {
			return NewError("BufferSend", clHandle, CodeBadArg, "caplist does not hold buffers")
		}
	}

	ep.Lock()
	defer ep.Unlock()
	epObj.Lock()
	defer epObj.Unlock()

	epCaplist, epIsMember := epObj.Membership.(*caplist.Caplist)
	if epIsMember {
		epCaplist.Lock()
		defer epCaplist.Unlock()
	}

	buf.Lock()
	defer buf.Unlock()

	if cl != nil {
		cl.Lock()
		defer cl.Unlock()
	}

	bufObj.Lock()
	defer bufObj.Unlock()

	if err = buf.CheckSend(cl != nil); err != nil {
		return mapErr("BufferSend", bufHandle, err)
	}

	wasPending := buf.State() == buffer.StatePending

	if err = buf.CopyIn(src); err != nil {
		if errors.Is(err, buffer.ErrLimit) {
			return mapErr("BufferSend", bufHandle, err)
		}
		return NewError("BufferSend", bufHandle, CodeFaultCopyin, err.Error())
	}

	if cl != nil {
		if err = cl.Add(buf); err != nil {
			return mapErr("BufferSend", bufHandle, err)
		}
	}

	if wasPending {
		// Forwarding send: bufHandle was the receiver's temporary
		// capability for a buffer it is now re-sending onward.
		// Unpublishing tolerates a racing double-use of the same handle.
		t.registry.Unpublish(bufHandle)
	}

	buf.Send(ep.Label())

	if epIsMember {
		epCaplist.Enqueue(buf)
		buf.SetQueuedOn(buffer.QueuedEndpointCaplist)
	} else {
		ep.EnqueuePending(buf)
		buf.SetQueuedOn(buffer.QueuedEndpoint)
		t.observer.ObserveQueueDepth(ep.Label(), uint32(ep.PendingLen()))
	}

	t.logger.WithOp("BufferSend").WithHandle(bufHandle).Debug("sent", "ep_label", ep.Label())
	return nil
}

// BufferReceive blocks until a buffer arrives on epHandle — which may
// name an endpoint directly, or a caplist of endpoints for receive-any —
// copies its payload into dst, and mints a fresh temporary capability
// handle for it so the receiver can later Finish or forward-Send it
// without touching the sender's original handle.
func (t *Task) BufferReceive(ctx context.Context, dst []byte, epHandle Handle, timeout Timeout) (newHandle Handle, info ReceiveInfo, err error) {
	start := time.Now()
	defer func() {
		t.observer.ObserveBufReceive(uint64(time.Since(start).Nanoseconds()), err == nil)
	}()

	epObj, err := t.registry.ResolveAny(epHandle)
	if err != nil {
		return NilHandle, ReceiveInfo{}, mapErr("BufferReceive", epHandle, err)
	}
	defer t.registry.Put(epObj)

	var srcBuf *buffer.Buffer
	switch epObj.Kind {
	case KindEndpoint:
		ep := epObj.Payload.(*endpoint.Endpoint)
		ep.Lock()
		res := ep.WaitPending(ctx, timeout)
		if res != synch.WaitOK {
			ep.Unlock()
			return NilHandle, ReceiveInfo{}, waitErr("BufferReceive", epHandle, res)
		}
		srcBuf, _ = ep.TryDequeue()
		ep.Unlock()
	case KindCaplist:
		cl := epObj.Payload.(*caplist.Caplist)
		if cl.MemberKind != KindEndpoint {
			return NilHandle, ReceiveInfo{}, NewError("BufferReceive", epHandle, CodeBadArg, "caplist does not hold endpoints")
		}
		cl.Lock()
		res := cl.WaitReady(ctx, timeout)
		if res != synch.WaitOK {
			cl.Unlock()
			return NilHandle, ReceiveInfo{}, waitErr("BufferReceive", epHandle, res)
		}
		item, _ := cl.TryDequeue()
		cl.Unlock()
		srcBuf = item.(*buffer.Buffer)
	default:
		return NilHandle, ReceiveInfo{}, NewError("BufferReceive", epHandle, CodeBadArg, "handle is neither an endpoint nor an endpoint caplist")
	}

	bufObj := srcBuf.Object()
	srcBuf.Lock()
	srcBuf.SetQueuedOn(buffer.QueuedNone)

	if copyErr := srcBuf.CopyOut(dst); copyErr != nil {
		// The one automatic error-forwarding path: a copy-out fault on
		// receive finishes the buffer with the fault instead of leaving
		// it stranded mid-transit.
		faultErr := NewError("BufferReceive", NilHandle, CodeFaultCopyout, copyErr.Error())
		t.finishLocked(srcBuf, faultErr)
		srcBuf.Unlock()
		return NilHandle, ReceiveInfo{}, faultErr
	}

	info = ReceiveInfo{EPLabel: srcBuf.EPLabel(), Used: srcBuf.Used(), Size: srcBuf.Size()}
	bufObj.AddRef()
	newHandle = t.registry.PublishExisting(bufObj)
	srcBuf.Unlock()

	t.logger.WithOp("BufferReceive").WithHandle(newHandle).Debug("received", "ep_label", info.EPLabel, "used", info.Used)
	return newHandle, info, nil
}

// BufferFinish copies src into the Pending buffer identified by
// bufHandle (a reply payload) and transitions it to Finished, consuming
// the temporary capability handle minted by BufferReceive.
func (t *Task) BufferFinish(src []byte, bufHandle Handle) (err error) {
	start := time.Now()
	defer func() {
		t.observer.ObserveBufFinish(uint64(time.Since(start).Nanoseconds()), err == nil)
	}()

	bufObj, err := t.registry.Resolve(bufHandle, KindBuffer)
	if err != nil {
		return mapErr("BufferFinish", bufHandle, err)
	}
	defer t.registry.Put(bufObj)
	buf := bufObj.Payload.(*buffer.Buffer)

	buf.Lock()
	defer buf.Unlock()

	if err = buf.CheckFinish(); err != nil {
		return mapErr("BufferFinish", bufHandle, err)
	}
	if err = buf.CopyIn(src); err != nil {
		if errors.Is(err, buffer.ErrLimit) {
			return mapErr("BufferFinish", bufHandle, err)
		}
		return NewError("BufferFinish", bufHandle, CodeFaultCopyin, err.Error())
	}

	t.registry.Unpublish(bufHandle)
	t.finishLocked(buf, nil)

	t.logger.WithOp("BufferFinish").WithHandle(bufHandle).Debug("finished")
	return nil
}

// BufferWait blocks until the buffer identified by bufHandle reaches
// Finished — bufHandle may name a buffer directly, or a caplist of
// buffers for wait-any — copies its payload into dst, reports the result
// a Finish call recorded, and rearms the buffer to Ready. If bufHandle
// names a caplist and delist is true, the buffer is also removed from
// that caplist's membership set; the original's delist step runs with
// the caplist's mutex still held from the dequeue, a deliberate carry-
// over from ipc2_block_on's unlock=false mode.
func (t *Task) BufferWait(ctx context.Context, dst []byte, bufHandle Handle, timeout Timeout, delist bool) (info WaitInfo, err error) {
	start := time.Now()
	defer func() {
		t.observer.ObserveBufWait(uint64(time.Since(start).Nanoseconds()), err == nil)
	}()

	bufObj, err := t.registry.ResolveAny(bufHandle)
	if err != nil {
		return WaitInfo{}, mapErr("BufferWait", bufHandle, err)
	}
	defer t.registry.Put(bufObj)

	var srcBuf *buffer.Buffer
	switch bufObj.Kind {
	case KindBuffer:
		buf := bufObj.Payload.(*buffer.Buffer)
		buf.Lock()
		res := buf.WaitFinished(ctx, timeout)
		if res != synch.WaitOK {
			buf.Unlock()
			return WaitInfo{}, waitErr("BufferWait", bufHandle, res)
		}
		srcBuf = buf
	case KindCaplist:
		cl := bufObj.Payload.(*caplist.Caplist)
		if cl.MemberKind != KindBuffer {
			return WaitInfo{}, NewError("BufferWait", bufHandle, CodeBadArg, "caplist does not hold buffers")
		}
		cl.Lock()
		res := cl.WaitReady(ctx, timeout)
		if res != synch.WaitOK {
			cl.Unlock()
			return WaitInfo{}, waitErr("BufferWait", bufHandle, res)
		}
		item, _ := cl.TryDequeue()
		srcBuf = item.(*buffer.Buffer)
		srcBuf.Lock()
		if delist {
			srcBuf.Object().Lock()
			if removed, derr := cl.Del(srcBuf); derr == nil {
				t.registry.Put(removed.Object())
			}
			srcBuf.Object().Unlock()
		}
		cl.Unlock()
	default:
		return WaitInfo{}, NewError("BufferWait", bufHandle, CodeBadArg, "handle is neither a buffer nor a buffer caplist")
	}

	bufLabel := srcBuf.BufLabel()
	used := srcBuf.Used()
	size := srcBuf.Size()
	result := srcBuf.WaitResult()

	copyErr := srcBuf.CopyOut(dst)
	srcBuf.Rearm()
	srcBuf.Unlock()

	if copyErr != nil {
		return WaitInfo{}, NewError("BufferWait", bufHandle, CodeFaultCopyout, copyErr.Error())
	}

	info = WaitInfo{BufLabel: bufLabel, Used: used, Size: size, Result: result}
	t.logger.WithOp("BufferWait").WithHandle(bufHandle).Debug("waited", "buf_label", bufLabel, "used", used)
	return info, nil
}
