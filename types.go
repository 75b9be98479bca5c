package ipc2

import "github.com/jermar/ipc2/internal/synch"

// Timeout is the (Usec, Flags) pair controlling how long
// BufferReceive/BufferWait block. Flags is internal/synch.Flags so
// callers can compose FlagNonBlocking/FlagInfinite directly.
type Timeout = synch.Timeout

// Re-export synch's flag constants so callers never need to import
// internal/synch directly.
const (
	FlagNonBlocking = synch.FlagNonBlocking
	FlagInfinite    = synch.FlagInfinite
)

// ReceiveInfo is filled in by BufferReceive on success.
type ReceiveInfo struct {
	// EPLabel is the label of the endpoint (or, for a forwarded buffer,
	// the label most recently imprinted by Send) the buffer arrived on.
	EPLabel uint64
	// Used is the number of valid payload bytes the sender wrote.
	Used uint32
	// Size is the buffer's fixed capacity.
	Size uint32
}

// WaitInfo is filled in by BufferWait on success.
type WaitInfo struct {
	// BufLabel is the label imprinted on the buffer at allocation time.
	BufLabel uint64
	// Used is the number of valid payload bytes copied out.
	Used uint32
	// Size is the buffer's fixed capacity.
	Size uint32
	// Result is the error a Finish call recorded for this buffer, nil on
	// a clean finish.
	Result error
}
