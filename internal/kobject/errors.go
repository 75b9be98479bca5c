package kobject

import "errors"

// Sentinel errors returned by Registry lookups. The root package's Error
// type wraps these with an ErrorCode and operation name; leaf packages
// only need to distinguish the cases, not format them.
var (
	ErrNotFound = errors.New("kobject: handle not found")
	ErrBadArg   = errors.New("kobject: handle is of the wrong kind")
)
