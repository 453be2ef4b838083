// Package surge is an embeddable HTTP server engine speaking HTTP/1.1 and
// cleartext HTTP/2 over a single listening endpoint. A single reactor
// thread drives non-blocking per-connection state machines; matched routes
// run on a separate executor.
package surge

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Config errors
var (
	ErrRequestSizeTooSmall = errors.New("surge: max request size must be at least 128 bytes")
	ErrInvalidPort         = errors.New("surge: invalid port")
)

// Config is the engine configuration surface. Zero values take defaults in
// Validate.
type Config struct {
	// Host and Port select the bind address; port 0 requests an ephemeral
	// port.
	Host string
	Port int

	// Backlog is the TCP listen backlog.
	Backlog int

	// NoDelay sets TCP_NODELAY on accepted sockets.
	NoDelay bool

	// MaxIdleConnections caps live connections.
	MaxIdleConnections int

	// MaxRequestSize caps the bytes buffered for one HTTP/1.1 request.
	// Must be at least 128.
	MaxRequestSize int

	// MaxConcurrentStreamsPerConnection is advertised in the server
	// SETTINGS frame.
	MaxConcurrentStreamsPerConnection uint32

	// MaxHeaderListSize and MaxHeaderTableSize bound the HPACK surfaces.
	MaxHeaderListSize  uint32
	MaxHeaderTableSize uint32

	// OutputBufferSize is the capacity of each output buffer slot.
	OutputBufferSize int

	// PatienceThreshold caps tolerated HTTP/2 infractions before an
	// aggressive close.
	PatienceThreshold int

	// MaxRequestsPerConnection caps keep-alive reuse; 0 is unlimited.
	MaxRequestsPerConnection int

	// PollTimeout bounds one reactor readiness wait.
	PollTimeout time.Duration

	// Executor runs dispatched handlers. When nil a single-worker executor
	// is created and owned by the engine.
	Executor Executor

	// Log is the engine logger. Defaults to the logrus standard logger.
	Log *logrus.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Host:                              "0.0.0.0",
		Port:                              0,
		Backlog:                           128,
		NoDelay:                           true,
		MaxIdleConnections:                200,
		MaxRequestSize:                    16*1024 + 128,
		MaxConcurrentStreamsPerConnection: 100,
		MaxHeaderTableSize:                4096,
		OutputBufferSize:                  8192,
		PatienceThreshold:                 100,
		PollTimeout:                       500 * time.Millisecond,
	}
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Backlog <= 0 {
		c.Backlog = 128
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = 200
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 16*1024 + 128
	}
	if c.MaxRequestSize < 128 {
		return ErrRequestSizeTooSmall
	}
	if c.MaxConcurrentStreamsPerConnection == 0 {
		c.MaxConcurrentStreamsPerConnection = 100
	}
	if c.MaxHeaderTableSize == 0 {
		c.MaxHeaderTableSize = 4096
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 8192
	}
	if c.PatienceThreshold <= 0 {
		c.PatienceThreshold = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}
