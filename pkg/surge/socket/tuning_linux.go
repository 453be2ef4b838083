//go:build linux

package socket

import "golang.org/x/sys/unix"

// applyPlatformOptions fine-tunes keepalive probing on Linux.
func applyPlatformOptions(fd int, cfg Config) {
	if cfg.KeepAlive {
		// First probe after 60s idle, then every 10s, give up after 3.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	}
}
