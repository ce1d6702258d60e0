//go:build !linux

package ring

// PinToCore is not supported on this platform.
func PinToCore(core int) error {
	return ErrPinUnsupported
}
