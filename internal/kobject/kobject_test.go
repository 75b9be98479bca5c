package kobject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishResolvePut(t *testing.T) {
	r := NewRegistry()
	destroyed := false
	h, obj := r.Publish(KindBuffer, "payload", func(any) { destroyed = true })
	assert.NotEqual(t, NilHandle, h)
	assert.Equal(t, "payload", obj.Payload)

	got, err := r.Resolve(h, KindBuffer)
	require.NoError(t, err)
	assert.Same(t, obj, got)

	// Two references now: the one from Publish and the one from Resolve.
	r.Put(got)
	assert.False(t, destroyed)

	require.NoError(t, r.Destroy(h, KindBuffer))
	assert.True(t, destroyed)

	_, err = r.Resolve(h, KindBuffer)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveWrongKind(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Publish(KindEndpoint, nil, nil)
	_, err := r.Resolve(h, KindBuffer)
	assert.ErrorIs(t, err, ErrBadArg)
}

func TestResolveNilHandle(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(NilHandle, KindBuffer)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnpublishIsIdempotent(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Publish(KindCaplist, nil, nil)

	_, ok := r.Unpublish(h)
	assert.True(t, ok)

	_, ok = r.Unpublish(h)
	assert.False(t, ok, "unpublishing a stale handle must tolerate the miss")
}

func TestDestroyUnknownHandle(t *testing.T) {
	r := NewRegistry()
	err := r.Destroy(Handle(9999), KindBuffer)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Destroy on a handle of the wrong kind must leave it published: a
// mismatched kind is rejected before the table entry is removed, so the
// handle still resolves afterward instead of being silently leaked.
func TestDestroyWrongKindLeavesHandlePublished(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Publish(KindBuffer, "payload", nil)

	err := r.Destroy(h, KindEndpoint)
	assert.ErrorIs(t, err, ErrBadArg)

	obj, err := r.Resolve(h, KindBuffer)
	require.NoError(t, err)
	assert.Equal(t, "payload", obj.Payload)
	r.Put(obj)
}

func TestResolveAnyIgnoresKind(t *testing.T) {
	r := NewRegistry()
	h, obj := r.Publish(KindCaplist, "payload", nil)

	got, err := r.ResolveAny(h)
	require.NoError(t, err)
	assert.Same(t, obj, got)
	r.Put(got)
}

func TestResolveAnyNilHandle(t *testing.T) {
	r := NewRegistry()
	_, err := r.ResolveAny(NilHandle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishExistingMintsFreshHandleSameObject(t *testing.T) {
	r := NewRegistry()
	h1, obj := r.Publish(KindBuffer, "payload", nil)

	obj.AddRef()
	h2 := r.PublishExisting(obj)
	assert.NotEqual(t, h1, h2)

	got1, err := r.Resolve(h1, KindBuffer)
	require.NoError(t, err)
	got2, err := r.Resolve(h2, KindBuffer)
	require.NoError(t, err)
	assert.Same(t, got1, got2)
	r.Put(got1)
	r.Put(got2)
}
