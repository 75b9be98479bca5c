package ipc2

import (
	"github.com/jermar/ipc2/internal/interfaces"
	"github.com/jermar/ipc2/internal/logging"
	"github.com/jermar/ipc2/internal/umem"
)

// Options configures a Task the way ublk.Options configures a Device:
// optional dependency injection for logging, observability, and (here)
// the copy-in/copy-out implementation, all defaulted if left zero.
type Options struct {
	// Logger receives per-operation debug/warn/error messages. Defaults
	// to logging.Default().
	Logger *logging.Logger
	// Observer receives per-operation counters and latencies. Defaults
	// to a no-op observer if nil.
	Observer interfaces.Observer
	// Mem performs the copy-in/copy-out across the task/kernel boundary.
	// Defaults to umem.Real{}; tests substitute a fault-injecting Mem.
	Mem umem.Mem
}

// DefaultOptions returns the zero-configuration Options a production
// Task is created with.
func DefaultOptions() *Options {
	return &Options{
		Logger:   logging.Default(),
		Observer: noopObserver{},
		Mem:      umem.Real{},
	}
}

func (o *Options) withDefaults() *Options {
	def := DefaultOptions()
	if o == nil {
		return def
	}
	filled := *o
	if filled.Logger == nil {
		filled.Logger = def.Logger
	}
	if filled.Observer == nil {
		filled.Observer = def.Observer
	}
	if filled.Mem == nil {
		filled.Mem = def.Mem
	}
	return &filled
}

type noopObserver struct{}

func (noopObserver) ObserveBufSend(uint64, bool)              {}
func (noopObserver) ObserveBufReceive(uint64, bool)            {}
func (noopObserver) ObserveBufFinish(uint64, bool)             {}
func (noopObserver) ObserveBufWait(uint64, bool)               {}
func (noopObserver) ObserveQueueDepth(endpointLabel uint64, depth uint32) {}
