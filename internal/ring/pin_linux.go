//go:build linux

package ring

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCore locks the calling goroutine to its OS thread and restricts that
// thread to the given CPU core. It must be called from the goroutine that
// will poll the ring. On failure the thread lock is released and the error
// returned; pinning is a latency hint and correctness never depends on it.
func PinToCore(core int) error {
	if core < 0 || core >= runtime.NumCPU() {
		return fmt.Errorf("%w: core %d of %d", ErrInvalidCore, core, runtime.NumCPU())
	}

	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("pin to core %d: %w", core, err)
	}
	return nil
}
