package hostadapter

import "errors"

// ErrContainerNotFound is returned by Engine.Inspect when the engine has no
// record of the container; the lifecycle controller reports such an instance
// with status `exited`.
var ErrContainerNotFound = errors.New("hostadapter: container not found")

// ErrReadinessFailed is returned by SystemReady when any readiness condition
// is not met (spec.md §4.4).
var ErrReadinessFailed = errors.New("hostadapter: system not ready")
