// Package threadid reports the identity of the calling OS thread.
//
// Callers must pin their goroutine with runtime.LockOSThread for the
// result to stay meaningful across calls.
package threadid

// Current returns a non-zero id for the calling OS thread, or 0 when the
// platform offers no thread identity.
func Current() int64 { return current() }
