//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// zeroing via memguard still applies, swapping cannot be prevented
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
