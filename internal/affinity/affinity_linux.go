//go:build linux

// Package affinity pins goroutine workers to OS threads and, where the
// platform allows it, to a CPU core.
package affinity

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// core workerID modulo the number of CPUs. The returned func undoes the lock;
// callers defer it.
func Pin(workerID int) (release func(), err error) {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(core(workerID))

	// 0 = calling thread
	err = unix.SchedSetaffinity(0, &mask)
	return runtime.UnlockOSThread, err
}

// Supported reports whether Pin binds to a core on this platform.
func Supported() bool { return true }

func core(workerID int) int {
	n := runtime.NumCPU()
	if workerID < 0 {
		workerID = -workerID
	}
	return workerID % n
}
