// Package integration_test replays the fabric's capability round-trip
// scenarios end to end through the public Task API, the same way the
// original ipc2 round-trip suite exercised send/receive/finish/wait as
// one continuous flow rather than as isolated unit tests.
package integration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jermar/ipc2"
)

const (
	bufSmallSize = 16
	bufLabel     = 0x1abe1b
	epLabel      = 0x1abe1e
)

// fixture mirrors the original suite's per-test setup: one buffer, one
// endpoint, and an rxHandle field where a receive stores the temporary
// handle it freshly mints.
type fixture struct {
	t    *testing.T
	task *ipc2.Task

	bufHandle ipc2.Handle
	epHandle  ipc2.Handle

	bufClHandle ipc2.Handle
	epClHandle  ipc2.Handle

	rxHandle ipc2.Handle

	sendBuf []byte
	finiBuf []byte
}

func newFixture(t *testing.T) *fixture {
	task := ipc2.NewTask(1, ipc2.DefaultOptions())

	bufHandle, err := task.BufferAlloc(bufSmallSize, bufLabel)
	require.NoError(t, err)
	epHandle, err := task.EndpointCreate(epLabel, ipc2.NilHandle)
	require.NoError(t, err)

	// Deliberately shorter than bufSmallSize, so every round trip below
	// exercises the used < size copy-out path instead of always filling
	// the buffer to capacity.
	sendBuf := []byte("Hello world!")
	finiBuf := []byte("Bye")

	f := &fixture{
		t:           t,
		task:        task,
		bufHandle:   bufHandle,
		epHandle:    epHandle,
		bufClHandle: ipc2.NilHandle,
		epClHandle:  ipc2.NilHandle,
		sendBuf:     sendBuf,
		finiBuf:     finiBuf,
	}
	return f
}

func (f *fixture) send() error {
	return f.sendWith(f.bufHandle, ipc2.NilHandle)
}

func (f *fixture) sendWithCL() error {
	return f.sendWith(f.bufHandle, f.bufClHandle)
}

func (f *fixture) sendWith(bufHandle, clHandle ipc2.Handle) error {
	return f.task.BufferSend(f.sendBuf, bufHandle, f.epHandle, clHandle)
}

func (f *fixture) receiveFrom(handle ipc2.Handle) {
	dst := make([]byte, bufSmallSize)
	rxHandle, info, err := f.task.BufferReceive(context.Background(), dst, handle, ipc2.Timeout{Flags: ipc2.FlagInfinite})
	require.NoError(f.t, err)
	assert.EqualValues(f.t, epLabel, info.EPLabel)
	assert.EqualValues(f.t, len(f.sendBuf), info.Used)
	assert.EqualValues(f.t, bufSmallSize, info.Size)
	assert.Equal(f.t, string(f.sendBuf), string(dst[:info.Used]))
	f.rxHandle = rxHandle
}

func (f *fixture) receive() { f.receiveFrom(f.epHandle) }

func (f *fixture) receiveFromCL() { f.receiveFrom(f.epClHandle) }

func (f *fixture) finish() {
	require.NoError(f.t, f.task.BufferFinish(f.finiBuf, f.rxHandle))
}

func (f *fixture) waitHandle(handle ipc2.Handle, delist bool) {
	dst := make([]byte, bufSmallSize)
	info, err := f.task.BufferWait(context.Background(), dst, handle, ipc2.Timeout{Flags: ipc2.FlagInfinite}, delist)
	require.NoError(f.t, err)
	assert.EqualValues(f.t, bufLabel, info.BufLabel)
	assert.EqualValues(f.t, len(f.finiBuf), info.Used)
	assert.EqualValues(f.t, bufSmallSize, info.Size)
	assert.Equal(f.t, string(f.finiBuf), string(dst[:info.Used]))
}

func (f *fixture) wait() { f.waitHandle(f.bufHandle, false) }

func (f *fixture) waitOnCL(delist bool) { f.waitHandle(f.bufClHandle, delist) }

func (f *fixture) createBufCaplist() {
	h, err := f.task.CaplistCreate(ipc2.KindBuffer)
	require.NoError(f.t, err)
	f.bufClHandle = h
}

func (f *fixture) createEPCaplist() {
	h, err := f.task.CaplistCreate(ipc2.KindEndpoint)
	require.NoError(f.t, err)
	f.epClHandle = h
}

// IPC buffer round-trip can be made using plain IPC buffer handles.
func TestSingle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send())
	f.receive()
	f.finish()
	f.wait()
}

// IPC buffer round-trip can be repeated with the same buffer.
func TestMultiple(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.send())
		f.receive()
		f.finish()
		f.wait()
	}
}

// IPC buffer cannot be sent while pending.
func TestSendWhilePending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send())

	err := f.send()
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeBusy))
}

// IPC buffer cannot be sent while finished.
func TestSendWhileFinished(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send())
	f.receive()
	f.finish()

	err := f.send()
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeBusy))
}

// IPC buffer can be forwarded; the forwarding send unpublishes the
// temporary capability handle it was received with.
func TestForwardingSend(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send())
	f.receive()

	require.NoError(t, f.task.BufferSend(f.sendBuf, f.rxHandle, f.epHandle, ipc2.NilHandle))

	err := f.task.BufferSend(f.sendBuf, f.rxHandle, f.epHandle, ipc2.NilHandle)
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeNotFound))
}

// IPC buffer can be finished just once; the finish unpublishes the
// temporary capability handle it was received with.
func TestDoubleFinish(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.send())
	f.receive()
	f.finish()

	err := f.task.BufferFinish(f.finiBuf, f.rxHandle)
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeNotFound))
}

// IPC buffer can be put into a caplist on send.
func TestInsertingSend(t *testing.T) {
	f := newFixture(t)
	f.createBufCaplist()
	require.NoError(t, f.sendWithCL())
}

// IPC buffer cannot be put into a caplist on send if it is already a
// member of that caplist.
func TestInsertingSendAlreadyIn(t *testing.T) {
	f := newFixture(t)
	f.createBufCaplist()
	require.NoError(t, f.task.CaplistAdd(f.bufClHandle, f.bufHandle))

	err := f.sendWithCL()
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeBusy))
}

// A non-inserting send of a buffer already in a caplist behaves like an
// inserting send of a buffer not yet in any caplist.
func TestNonInsertingRoundtripMember(t *testing.T) {
	f := newFixture(t)
	f.createBufCaplist()
	require.NoError(t, f.task.CaplistAdd(f.bufClHandle, f.bufHandle))

	require.NoError(t, f.send())
	f.receive()
	f.finish()
	f.waitOnCL(true)
}

func (f *fixture) insertingRoundtrip() {
	f.createBufCaplist()
	require.NoError(f.t, f.sendWithCL())
	f.receive()
	f.finish()
}

// A delisting wait on a caplist member lets the buffer be sent with
// insertion again afterward.
func TestWaitOnCLWithDelist(t *testing.T) {
	f := newFixture(t)
	f.insertingRoundtrip()
	f.waitOnCL(true)

	require.NoError(t, f.sendWithCL())
}

// A non-delisting wait on a caplist member leaves the buffer a member, so
// a second send with insertion fails.
func TestWaitOnCLWithoutDelist(t *testing.T) {
	f := newFixture(t)
	f.insertingRoundtrip()
	f.waitOnCL(false)

	err := f.sendWithCL()
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeBusy))
}

// An IPC buffer can be received from a caplist of endpoints.
func TestReceiveFromCL(t *testing.T) {
	f := newFixture(t)
	f.createEPCaplist()
	require.NoError(t, f.task.CaplistAdd(f.epClHandle, f.epHandle))

	require.NoError(t, f.send())
	f.receiveFromCL()
}

// A buffer cannot be received directly from its endpoint once that
// endpoint is a member of a receive-any caplist.
func TestReceiveFromEndpointMember(t *testing.T) {
	f := newFixture(t)
	f.createEPCaplist()
	require.NoError(t, f.task.CaplistAdd(f.epClHandle, f.epHandle))
	require.NoError(t, f.send())

	_, _, err := f.task.BufferReceive(context.Background(), make([]byte, bufSmallSize), f.epHandle, ipc2.Timeout{Flags: ipc2.FlagNonBlocking})
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeTryAgain))
}

// A buffer cannot be received from a caplist its endpoint never joined.
func TestReceiveFromCLNonMember(t *testing.T) {
	f := newFixture(t)
	f.createEPCaplist()
	require.NoError(t, f.send())

	_, _, err := f.task.BufferReceive(context.Background(), make([]byte, bufSmallSize), f.epClHandle, ipc2.Timeout{Flags: ipc2.FlagNonBlocking})
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeTryAgain))
}

// An impossibly large allocation fails with OutOfMemory; a zero-size
// allocation succeeds and supports a zero-length send/finish round trip.
func TestAllocationLimits(t *testing.T) {
	task := ipc2.NewTask(1, ipc2.DefaultOptions())

	_, err := task.BufferAlloc(ipc2.MaxBufferSize+1, bufLabel)
	require.Error(t, err)
	assert.True(t, ipc2.IsCode(err, ipc2.CodeOutOfMemory))

	epHandle, err := task.EndpointCreate(epLabel, ipc2.NilHandle)
	require.NoError(t, err)
	bufHandle, err := task.BufferAlloc(0, bufLabel)
	require.NoError(t, err)

	require.NoError(t, task.BufferSend(nil, bufHandle, epHandle, ipc2.NilHandle))
	rxHandle, info, err := task.BufferReceive(context.Background(), nil, epHandle, ipc2.Timeout{Flags: ipc2.FlagInfinite})
	require.NoError(t, err)
	assert.EqualValues(t, 0, info.Size)

	require.NoError(t, task.BufferFinish(nil, rxHandle))
	waitInfo, err := task.BufferWait(context.Background(), nil, bufHandle, ipc2.Timeout{Flags: ipc2.FlagInfinite}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, waitInfo.Size)
}
