package ipc2

import "github.com/jermar/ipc2/internal/kobject"

// Handle is an opaque capability handle addressing a Buffer, Endpoint, or
// Caplist in a Task's registry. The underlying representation lives in
// internal/kobject so the leaf packages (buffer, endpoint, caplist) can
// resolve handles without importing the root package.
type Handle = kobject.Handle

// NilHandle denotes "no capability" and is never returned by a
// successful allocation.
const NilHandle = kobject.NilHandle

// Kind tags what a Handle resolves to.
type Kind = kobject.Kind

const (
	KindBuffer   = kobject.KindBuffer
	KindEndpoint = kobject.KindEndpoint
	KindCaplist  = kobject.KindCaplist
)
