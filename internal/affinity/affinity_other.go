//go:build !linux

// Package affinity pins goroutine workers to OS threads and, where the
// platform allows it, to a CPU core.
package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread. Core pinning is not
// available here, so only the thread lock applies.
func Pin(workerID int) (release func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}

// Supported reports whether Pin binds to a core on this platform.
func Supported() bool { return false }
