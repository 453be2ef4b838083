// Package reactor implements the single-threaded readiness loop that owns
// every live connection: it accepts new TCP connections, watches existing
// ones for readability and writability, drains outgoing queues, and evicts
// terminated contexts.
package reactor

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/surge/pkg/surge/buffer"
)

// MaxConnectionsToCheckPerLoop bounds the eviction scan per loop pass. The
// scan cursor persists across passes so every context is visited.
const MaxConnectionsToCheckPerLoop = 10

// DefaultPollTimeout bounds a single blocking wait for readiness events.
const DefaultPollTimeout = 500 * time.Millisecond

// Reactor errors
var (
	ErrReactorClosed = errors.New("reactor: closed")
	ErrUnsupported   = errors.New("reactor: unsupported platform")
)

// Context is a per-connection state machine driven by the reactor. At most
// one state-machine step runs at a time on a given context; all calls
// except Abort happen on the reactor thread.
type Context interface {
	// OnReadable consumes newly readable channel bytes. It returns the
	// context that should remain registered for this channel — itself in
	// the common case, or a replacement after a protocol upgrade — and an
	// error only when the channel is unusable.
	OnReadable() (Context, error)

	// OutQueue returns the outgoing queue the reactor drains on
	// writability.
	OutQueue() *buffer.OutQueue

	// Resumable reports buffered work that needs a state-machine step even
	// without new channel bytes (e.g. a pipelined request parked behind a
	// response that just completed).
	Resumable() bool

	// WantsRead reports whether the context is ready to consume input.
	// Read interest is parked while it reports false.
	WantsRead() bool

	// Closing reports that no further input is consumed; the reactor
	// terminates the connection once the outgoing queue drains.
	Closing() bool

	// Terminated reports the context must be evicted immediately.
	Terminated() bool

	// Abort marks the context unusable after a channel I/O error.
	Abort()
}

// Accepter builds a connection context for a freshly accepted descriptor.
// Returning an error closes the descriptor; the reactor keeps running.
type Accepter func(fd int) (Context, error)

// Config controls reactor behaviour.
type Config struct {
	// Log is the reactor logger. Defaults to the standard logger.
	Log *logrus.Entry

	// PollTimeout bounds one blocking readiness wait.
	PollTimeout time.Duration

	// MaxConnections caps live connections; the acceptor is parked while
	// the registry is at capacity.
	MaxConnections int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 200
	}
	return cfg
}
