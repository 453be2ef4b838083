//go:build !unix

package socket

// Apply is a no-op on platforms without socket option support.
func Apply(fd int, cfg Config) {}
