// Package socket applies tuning options to accepted descriptors and the
// listener. Platform-specific options live in tuning_linux.go; other
// platforms get the portable subset.
package socket

// Config selects the socket options the engine applies. Zero values mean
// "use system defaults".
type Config struct {
	// TCP_NODELAY - disable Nagle's algorithm
	NoDelay bool

	// SO_KEEPALIVE - probe long-lived connections
	KeepAlive bool

	// SO_RCVBUF / SO_SNDBUF in bytes; 0 keeps the system default
	RecvBuffer int
	SendBuffer int
}

// DefaultConfig returns the recommended configuration for HTTP workloads.
func DefaultConfig() Config {
	return Config{
		NoDelay:   true,
		KeepAlive: true,
	}
}
