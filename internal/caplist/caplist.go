// Package caplist implements the polymorphic caplist: a capability
// aggregate that is simultaneously a membership set (who belongs to this
// caplist) and a blocking multiplexer (a shared ready-queue that lets a
// receiver wait on many endpoints, or wait-any on many buffers, through
// one handle). It mirrors the original kernel's cap/caplist.c, which is
// deliberately generic over the kind of kobject it holds.
//
// Caplist never imports internal/buffer or internal/endpoint: Add/Del
// operate on anything that exposes a *kobject.Object via Member, and the
// ready queue holds arbitrary payloads. The syscall surface (Task) is
// what ties a Caplist to concrete Buffers and Endpoints, the same way
// ipc2/ipc.c manipulates a caplist_t's queue/cv fields directly while
// caplist.c itself stays ignorant of ipc2.
package caplist

import (
	"context"
	"errors"
	"sync"

	"github.com/jermar/ipc2/internal/kobject"
	"github.com/jermar/ipc2/internal/synch"
)

var (
	// ErrWrongKind is returned by Add when the member's kobject kind does
	// not match the caplist's configured MemberKind.
	ErrWrongKind = errors.New("caplist: member is of the wrong kind for this caplist")
	// ErrAlreadyMember is returned by Add when the member already belongs
	// to some caplist (this one or another).
	ErrAlreadyMember = errors.New("caplist: member already belongs to a caplist")
	// ErrNotMember is returned by Del when the member does not belong to
	// this particular caplist.
	ErrNotMember = errors.New("caplist: member does not belong to this caplist")
)

// Member is anything that can join a Caplist's membership set: an
// Endpoint (for a receive-any caplist) or a Buffer (for a wait-any
// caplist).
type Member interface {
	Object() *kobject.Object
}

// Caplist aggregates members of MemberKind and multiplexes a ready-queue
// of arbitrary payloads (always buffers, in this fabric's own usage) that
// receive/wait can block on.
type Caplist struct {
	MemberKind kobject.Kind

	mu      sync.Mutex
	cv      *synch.WaitQueue
	objects map[*kobject.Object]Member
	queue   []any
}

// New creates an empty caplist whose Add/Del accept only members of
// memberKind.
func New(memberKind kobject.Kind) *Caplist {
	cl := &Caplist{
		MemberKind: memberKind,
		objects:    make(map[*kobject.Object]Member),
	}
	cl.cv = synch.NewWaitQueue(&cl.mu)
	return cl
}

// Lock acquires the caplist's mutex. Callers orchestrating a multi-object
// operation (Task's Send/Receive/Finish/Wait) take this in the fixed lock
// order documented on Task.
func (cl *Caplist) Lock() { cl.mu.Lock() }

// Unlock releases the caplist's mutex.
func (cl *Caplist) Unlock() { cl.mu.Unlock() }

// Len reports the current membership count. Callers should hold Lock.
func (cl *Caplist) Len() int {
	return len(cl.objects)
}

// QueueLen reports the current ready-queue depth. Callers should hold Lock.
func (cl *Caplist) QueueLen() int {
	return len(cl.queue)
}

// Add registers member in the caplist's membership set. The caller must
// hold both cl's lock and member.Object()'s header lock, matching the
// original caplist_add's locking assertion. A member already belonging
// to any caplist (this one or another) is rejected with ErrAlreadyMember,
// and a member of the wrong kind is rejected with ErrWrongKind.
func (cl *Caplist) Add(member Member) error {
	obj := member.Object()
	if obj.Kind != cl.MemberKind {
		return ErrWrongKind
	}
	if obj.Membership != nil {
		return ErrAlreadyMember
	}
	obj.Membership = cl
	cl.objects[obj] = member
	obj.AddRef()
	return nil
}

// Del removes member from the caplist's membership set, returning it so
// the caller can drop the reference Add took (via the registry's Put).
// The caller must hold both cl's lock and member.Object()'s header lock.
func (cl *Caplist) Del(member Member) (Member, error) {
	obj := member.Object()
	if obj.Membership != cl {
		return nil, ErrNotMember
	}
	obj.Membership = nil
	delete(cl.objects, obj)
	return member, nil
}

// Enqueue appends item to the ready queue and wakes every waiter blocked
// on it (synch.WaitQueue.Signal is a broadcast). The caller must hold
// cl's lock.
func (cl *Caplist) Enqueue(item any) {
	cl.queue = append(cl.queue, item)
	cl.cv.Signal()
}

// TryDequeue pops the head of the ready queue if non-empty. The caller
// must hold cl's lock.
func (cl *Caplist) TryDequeue() (any, bool) {
	if len(cl.queue) == 0 {
		return nil, false
	}
	item := cl.queue[0]
	cl.queue = cl.queue[1:]
	return item, true
}

// WaitReady blocks, with cl's lock held on entry, until the ready queue
// is non-empty, timeout elapses, or ctx is canceled. It returns with cl's
// lock held regardless of outcome, so a caller can immediately
// TryDequeue after a synch.WaitOK result.
func (cl *Caplist) WaitReady(ctx context.Context, timeout synch.Timeout) synch.WaitResult {
	return cl.cv.Wait(ctx, timeout, func() bool { return len(cl.queue) > 0 })
}
