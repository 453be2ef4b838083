//go:build unix

package reactor

import (
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/yourusername/surge/pkg/surge/buffer"
)

// Reactor is the single-threaded selector loop. It uniquely owns every
// registered context while the connection is live; the only cross-thread
// entry points are Wakeup and Close.
type Reactor struct {
	cfg      Config
	listenFD int
	accept   Accepter

	conns  map[int]Context
	order  []int // eviction scan order; -1 marks removed slots
	cursor int

	wakeR, wakeW int
	shutdown     atomic.Bool
}

// New creates a reactor for an already-listening descriptor. The
// descriptor is switched to non-blocking mode.
func New(listenFD int, accept Accepter, cfg Config) (*Reactor, error) {
	if err := unix.SetNonblock(listenFD, true); err != nil {
		return nil, err
	}
	var pipefds [2]int
	if err := unix.Pipe(pipefds[:]); err != nil {
		return nil, err
	}
	unix.SetNonblock(pipefds[0], true)
	unix.SetNonblock(pipefds[1], true)

	return &Reactor{
		cfg:      cfg.withDefaults(),
		listenFD: listenFD,
		accept:   accept,
		conns:    make(map[int]Context, 64),
		wakeR:    pipefds[0],
		wakeW:    pipefds[1],
	}, nil
}

// Register associates an accepted descriptor with a context and subscribes
// it to readiness events. Reactor thread only (the acceptor path).
func (r *Reactor) Register(fd int, ctx Context) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	r.conns[fd] = ctx
	r.order = append(r.order, fd)
	return nil
}

// NumConnections returns the live connection count. Reactor thread only.
func (r *Reactor) NumConnections() int { return len(r.conns) }

// Wakeup interrupts a blocking wait. Safe from any goroutine; used after
// cross-thread enqueues so responses flush promptly.
func (r *Reactor) Wakeup() {
	var b [1]byte
	unix.Write(r.wakeW, b[:])
}

// Close requests shutdown; the next wait unwinds and Run returns. Only the
// first call touches the wake pipe, which Run closes on exit.
func (r *Reactor) Close() {
	if !r.shutdown.Swap(true) {
		r.Wakeup()
	}
}

// Run drives the loop until Close. Per-connection I/O errors terminate
// only that connection; an error on the acceptor channel is fatal.
func (r *Reactor) Run() error {
	defer r.cleanup()

	timeoutMs := int(r.cfg.PollTimeout.Milliseconds())
	for !r.shutdown.Load() {
		fds := r.pollSet()
		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			r.dispatch(fds)
		}
		r.resumePass()
		r.evictionScan()
	}
	return nil
}

// pollSet builds the interest list: the wake pipe, the acceptor (only
// below the connection cap), and every live connection. Write interest is
// armed only while the outgoing queue holds bytes.
func (r *Reactor) pollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(r.conns)+2)
	fds = append(fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	if len(r.conns) < r.cfg.MaxConnections {
		fds = append(fds, unix.PollFd{Fd: int32(r.listenFD), Events: unix.POLLIN})
	}
	for fd, ctx := range r.conns {
		var events int16
		if !ctx.Closing() && ctx.WantsRead() {
			events |= unix.POLLIN
		}
		if !ctx.OutQueue().Empty() {
			events |= unix.POLLOUT
		}
		if events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	return fds
}

func (r *Reactor) dispatch(fds []unix.PollFd) {
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		switch fd {
		case r.wakeR:
			r.drainWakePipe()
		case r.listenFD:
			r.acceptPass()
		default:
			r.connEvent(fd, pfd.Revents)
		}
	}
}

func (r *Reactor) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// acceptPass accepts until EAGAIN or the connection cap. Accept errors are
// logged and skipped; they never stop the reactor.
func (r *Reactor) acceptPass() {
	for len(r.conns) < r.cfg.MaxConnections {
		fd, _, err := unix.Accept(r.listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			r.cfg.Log.WithError(err).Warn("accept failed")
			return
		}
		ctx, err := r.accept(fd)
		if err != nil {
			r.cfg.Log.WithError(err).Warn("rejecting connection")
			unix.Close(fd)
			continue
		}
		if err := r.Register(fd, ctx); err != nil {
			r.cfg.Log.WithError(err).Warn("register failed")
			unix.Close(fd)
		}
	}
}

// connEvent handles readiness on one connection: flush first so queued
// responses leave before new input is consumed, then read.
func (r *Reactor) connEvent(fd int, revents int16) {
	ctx, ok := r.conns[fd]
	if !ok {
		return
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		r.terminate(fd, ctx)
		return
	}
	if revents&unix.POLLOUT != 0 {
		if !r.drainQueue(fd, ctx) {
			return
		}
	}
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 && !ctx.Closing() {
		r.readable(fd, ctx)
	}
}

// drainQueue writes as much of the head output buffer as the channel
// accepts. Returns false when the connection was terminated.
func (r *Reactor) drainQueue(fd int, ctx Context) bool {
	q := ctx.OutQueue()
	for {
		head := q.Head()
		if head == nil {
			return true
		}
		pending := head.Pending()
		if len(pending) == 0 {
			q.Consumed(0)
			continue
		}
		n, err := unix.Write(fd, pending)
		if n > 0 {
			q.Consumed(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true // stay at the head for the next writable event
			}
			if err == unix.EINTR {
				continue
			}
			r.cfg.Log.WithError(err).Debug("write failed; terminating connection")
			r.terminate(fd, ctx)
			return false
		}
		if n < len(pending) {
			return true
		}
	}
}

func (r *Reactor) readable(fd int, ctx Context) {
	next, err := ctx.OnReadable()
	if err != nil {
		r.cfg.Log.WithError(err).Debug("read failed; terminating connection")
		r.terminate(fd, ctx)
		return
	}
	if next != nil && next != ctx {
		// Protocol upgrade: the replacement context takes over the channel
		// and immediately consumes whatever input it inherited.
		r.conns[fd] = next
		r.readable(fd, next)
	}
}

// resumePass gives contexts with parked work a state-machine step.
func (r *Reactor) resumePass() {
	for fd, ctx := range r.conns {
		if ctx.Terminated() || ctx.Closing() {
			continue
		}
		if ctx.Resumable() {
			r.readable(fd, ctx)
		}
	}
}

// evictionScan visits up to MaxConnectionsToCheckPerLoop entries from the
// cursored list, evicting terminated contexts and contexts whose close has
// fully drained.
func (r *Reactor) evictionScan() {
	checked := 0
	for checked < MaxConnectionsToCheckPerLoop && len(r.order) > 0 {
		if r.cursor >= len(r.order) {
			r.cursor = 0
			r.compactOrder()
			if len(r.order) == 0 {
				return
			}
		}
		fd := r.order[r.cursor]
		if fd >= 0 {
			if ctx, ok := r.conns[fd]; ok {
				if ctx.Terminated() || (ctx.Closing() && ctx.OutQueue().Empty()) {
					r.terminate(fd, ctx)
				}
			} else {
				r.order[r.cursor] = -1
			}
		}
		r.cursor++
		checked++
	}
}

func (r *Reactor) compactOrder() {
	live := r.order[:0]
	for _, fd := range r.order {
		if fd >= 0 {
			live = append(live, fd)
		}
	}
	r.order = live
}

// terminate closes the channel and forgets the context.
func (r *Reactor) terminate(fd int, ctx Context) {
	ctx.Abort()
	delete(r.conns, fd)
	for i, ofd := range r.order {
		if ofd == fd {
			r.order[i] = -1
			break
		}
	}
	unix.Close(fd)
}

func (r *Reactor) cleanup() {
	for fd, ctx := range r.conns {
		ctx.Abort()
		unix.Close(fd)
		delete(r.conns, fd)
	}
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	unix.Close(r.listenFD)
}

// FDReader adapts a non-blocking descriptor to io.Reader for the input
// buffer's AddData. EAGAIN maps to buffer.ErrWouldBlock; a zero-byte read
// maps to io.EOF.
type FDReader int

func (fd FDReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, buffer.ErrWouldBlock
			}
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}
