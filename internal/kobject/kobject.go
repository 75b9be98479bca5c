// Package kobject implements the fabric's capability registry: the
// reference-counted, type-tagged handle table that stands in for the
// microkernel's capability subsystem (spec.md §1's "capability registry"
// external collaborator). Callers reach a Buffer, Endpoint, or Caplist
// through a Handle resolved here. Reference counts decide when an
// object's DestroyFunc runs and its header returns to the pool; queues
// and caplists also hold direct pointers, and the payloads' memory is
// reclaimed by Go's garbage collector.
package kobject

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind tags what kind of object a Handle resolves to.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindEndpoint
	KindCaplist
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindEndpoint:
		return "endpoint"
	case KindCaplist:
		return "caplist"
	default:
		return "unknown"
	}
}

// Handle is an opaque capability handle, unique for the lifetime of the
// registry that issued it.
type Handle uint64

// NilHandle is never issued by Publish or PublishExisting and denotes
// "no capability".
const NilHandle Handle = 0

func (h Handle) String() string {
	if h == NilHandle {
		return "nil"
	}
	return fmt.Sprintf("0x%x", uint64(h))
}

// DestroyFunc releases whatever resources a payload holds once its last
// reference drops. It runs with no registry locks held.
type DestroyFunc func(payload any)

// Object is a kobject header: the reference count and membership lock
// that wrap every payload (Buffer, Endpoint, or Caplist) stored in the
// registry. The header's own Lock/Unlock correspond to the original
// kernel's per-kobject header lock, used to guard cross-cutting
// membership fields like a buffer's "which caplist am I in" back-pointer
// independent of the payload's own mutex.
type Object struct {
	Kind    Kind
	Payload any

	// Membership holds whatever caplist (if any) this object currently
	// belongs to, guarded by the header lock above. It is opaque to
	// kobject itself (Put only resets it to nil): internal/caplist sets
	// and clears it, and Task and internal/buffer read it. This lets
	// Buffer and Endpoint carry a "which caplist am I in" back-reference
	// without importing internal/caplist.
	Membership any

	lock     sync.Mutex
	refCount atomic.Int32
	destroy  DestroyFunc
}

// Lock acquires the kobject header lock.
func (o *Object) Lock() { o.lock.Lock() }

// Unlock releases the kobject header lock.
func (o *Object) Unlock() { o.lock.Unlock() }

// AddRef increments the object's reference count. Callers must already
// hold a reference (e.g. one returned by Resolve) before calling this.
func (o *Object) AddRef() {
	o.refCount.Add(1)
}

// shardCount governs how many independent locks guard the handle table,
// the same size-bucketed-pool idea the teacher applies to byte buffers
// applied here to concurrent handle churn instead.
const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	objects map[Handle]*Object
}

// Registry is a capability table. The fabric keeps one Registry per
// Task (spec.md's "per-task ownership root"), though nothing
// here prevents sharing one across tasks.
type Registry struct {
	shards     [shardCount]shard
	nextHandle atomic.Uint64
	objPool    sync.Pool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].objects = make(map[Handle]*Object)
	}
	r.objPool.New = func() any { return &Object{} }
	return r
}

func (r *Registry) shardFor(h Handle) *shard {
	return &r.shards[uint64(h)%shardCount]
}

// Publish allocates a fresh handle, stores payload under it with an
// initial reference count of one, and returns both the handle and its
// header. destroy is invoked, with no registry lock held, once the
// object's reference count reaches zero.
func (r *Registry) Publish(kind Kind, payload any, destroy DestroyFunc) (Handle, *Object) {
	obj := r.objPool.Get().(*Object)
	obj.Kind = kind
	obj.Payload = payload
	obj.destroy = destroy
	obj.refCount.Store(1)

	var h Handle
	for {
		h = Handle(r.nextHandle.Add(1))
		if h != NilHandle {
			break
		}
	}

	sh := r.shardFor(h)
	sh.mu.Lock()
	sh.objects[h] = obj
	sh.mu.Unlock()
	return h, obj
}

// Unpublish removes h from the table without touching the object's
// reference count, returning the object that was published under h, or
// (nil, false) if h is stale. This mirrors the original kernel's
// tolerance for unpublishing a capability that has already been removed
// by a racing forwarding send: callers that only want "best effort"
// removal (Task.BufferSend's and Task.BufferFinish's temporary-handle
// unpublish) ignore the second return value entirely.
func (r *Registry) Unpublish(h Handle) (*Object, bool) {
	sh := r.shardFor(h)
	sh.mu.Lock()
	obj, ok := sh.objects[h]
	if ok {
		delete(sh.objects, h)
	}
	sh.mu.Unlock()
	return obj, ok
}

// Resolve looks up h, verifies it is of kind, and returns its object with
// an extra reference taken on the caller's behalf. The caller must call
// Put exactly once when done with the reference.
func (r *Registry) Resolve(h Handle, kind Kind) (*Object, error) {
	if h == NilHandle {
		return nil, ErrNotFound
	}
	sh := r.shardFor(h)
	sh.mu.RLock()
	obj, ok := sh.objects[h]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if obj.Kind != kind {
		return nil, ErrBadArg
	}
	obj.AddRef()
	return obj, nil
}

// Put drops a reference taken by Resolve or held since Publish. When the
// count reaches zero the object's DestroyFunc runs and the header is
// returned to the pool.
func (r *Registry) Put(obj *Object) {
	if obj.refCount.Add(-1) > 0 {
		return
	}
	if obj.destroy != nil {
		obj.destroy(obj.Payload)
	}
	obj.Payload = nil
	obj.destroy = nil
	obj.Membership = nil
	r.objPool.Put(obj)
}

// ResolveAny looks up h without checking its kind, for call sites that
// accept either of two kinds and branch on obj.Kind themselves (receive
// and wait's endpoint-or-caplist / buffer-or-caplist arguments). The
// caller must call Put exactly once when done with the reference.
func (r *Registry) ResolveAny(h Handle) (*Object, error) {
	if h == NilHandle {
		return nil, ErrNotFound
	}
	sh := r.shardFor(h)
	sh.mu.RLock()
	obj, ok := sh.objects[h]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	obj.AddRef()
	return obj, nil
}

// PublishExisting mints a fresh handle for an object that already exists
// in the registry, without touching its reference count. It is how
// BufferReceive hands the caller a new temporary capability for a
// dequeued buffer: the caller takes the extra reference itself (AddRef)
// before calling this, the same two-step the original's cap_publish
// performs after ipc2_buf_receive's internal dequeue.
func (r *Registry) PublishExisting(obj *Object) Handle {
	var h Handle
	for {
		h = Handle(r.nextHandle.Add(1))
		if h != NilHandle {
			break
		}
	}
	sh := r.shardFor(h)
	sh.mu.Lock()
	sh.objects[h] = obj
	sh.mu.Unlock()
	return h
}

// Destroy unpublishes h and drops the reference that Publish created for
// it, running DestroyFunc if that was the last reference. It is a
// not-found error to call Destroy on a handle that was already
// unpublished or never existed. A handle of the wrong kind is left
// published: checking kind before removing it, the same order the
// original cap_unpublish(TASK, h, TYPE) uses, avoids leaking an object
// whose table entry was dropped without ever dropping its reference.
func (r *Registry) Destroy(h Handle, kind Kind) error {
	if h == NilHandle {
		return ErrNotFound
	}
	sh := r.shardFor(h)
	sh.mu.Lock()
	obj, ok := sh.objects[h]
	if !ok {
		sh.mu.Unlock()
		return ErrNotFound
	}
	if obj.Kind != kind {
		sh.mu.Unlock()
		return ErrBadArg
	}
	delete(sh.objects, h)
	sh.mu.Unlock()

	r.Put(obj)
	return nil
}
