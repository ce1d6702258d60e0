package ring

import (
	"errors"
	"runtime"
)

var (
	ErrPinUnsupported = errors.New("ring: cpu pinning unsupported on this platform")
	ErrInvalidCore    = errors.New("ring: invalid cpu core")
)

// CPUCount returns the number of usable CPUs.
func CPUCount() int {
	return runtime.NumCPU()
}
