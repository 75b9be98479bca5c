// Package interfaces provides internal interface definitions for the ipc2
// fabric. These are separate from the root package to avoid circular
// imports between Task and the leaf packages it wires together.
package interfaces

// Observer receives per-operation counters and latencies from the
// syscall surface. Implementations must be thread-safe: methods are
// called from whichever goroutine happens to be completing a Task
// operation, with no serialization between them.
type Observer interface {
	ObserveBufSend(latencyNs uint64, success bool)
	ObserveBufReceive(latencyNs uint64, success bool)
	ObserveBufFinish(latencyNs uint64, success bool)
	ObserveBufWait(latencyNs uint64, success bool)
	ObserveQueueDepth(endpointLabel uint64, depth uint32)
}
