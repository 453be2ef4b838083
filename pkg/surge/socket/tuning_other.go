//go:build unix && !linux

package socket

// applyPlatformOptions is a no-op on platforms without keepalive tuning.
func applyPlatformOptions(fd int, cfg Config) {}
