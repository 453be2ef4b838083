package http11

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/surge/pkg/surge/buffer"
	"github.com/yourusername/surge/pkg/surge/reactor"
	"github.com/yourusername/surge/pkg/surge/web"
)

// connPhase tracks request assembly:
// REQUEST_LINE -> HEADERS -> BODY -> RESPONDING -> back to REQUEST_LINE
// (keep-alive) or closing.
type connPhase uint8

const (
	phaseRequestLine connPhase = iota
	phaseHeaders
	phaseBody
	phaseResponding
	phaseUpgraded
)

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
)

// Close progression for the transport side.
const (
	closeOpen int32 = iota
	closeClosing
	closeTerminated
)

// UpgradeFunc builds the HTTP/2 context that takes over the channel after
// an h2c handshake. The callback owns the whole switch: it validates the
// HTTP2-Settings payload, emits the 101 response followed by the HTTP/2
// server preface on out (preserving write order), and adopts the residual
// unread input. A non-nil error keeps the request on HTTP/1.1.
type UpgradeFunc func(settingsHeader string, req *web.Request, residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error)

// PriorKnowledgeFunc builds the HTTP/2 context for a connection that opens
// with the HTTP/2 client preface instead of an HTTP/1.1 request line. The
// residual input still contains the full preface.
type PriorKnowledgeFunc func(residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error)

// h2PrefacePrefix is enough of the client preface to rule out every legal
// HTTP/1.1 request line.
var h2PrefacePrefix = []byte("PRI * HTTP/2.0\r\n")

// Options configures an HTTP/1.1 connection context.
type Options struct {
	// Log is the connection-scoped logger entry.
	Log *logrus.Entry

	// Dispatch receives assembled requests. Required.
	Dispatch func(req *web.Request, res web.ResponseHandle)

	// Wake nudges the reactor after a cross-thread enqueue. Optional.
	Wake func()

	// Upgrade enables the h2c handshake when non-nil.
	Upgrade UpgradeFunc

	// PriorKnowledge enables direct HTTP/2 connections when non-nil.
	PriorKnowledge PriorKnowledgeFunc

	// MaxRequestSize caps the bytes buffered for one request.
	MaxRequestSize int

	// MaxRequests caps requests served per connection; 0 is unlimited.
	MaxRequests int

	// OutputSlotSize is the capacity of each outgoing buffer slot.
	OutputSlotSize int

	// OnRelease runs once when the context leaves the reactor (eviction or
	// upgrade), letting the owner recycle pooled resources.
	OnRelease func()
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.MaxRequestSize == 0 {
		opts.MaxRequestSize = 16*1024 + 128
	}
	if opts.OutputSlotSize == 0 {
		opts.OutputSlotSize = 8192
	}
	return opts
}

// Conn is one HTTP/1.1 connection context. Parsing runs on the reactor
// thread; the in-flight responder reaches the connection only through the
// outgoing queue and atomic completion flags.
type Conn struct {
	opts Options
	log  *logrus.Entry

	in  *buffer.Input
	out *buffer.OutQueue
	src io.Reader

	phase connPhase

	// current request assembly
	method  string
	target  string
	proto   string
	headers *web.Headers
	nHdrs   int
	reqSize int
	mode    bodyMode
	remain  int
	body    []byte
	chunked chunkedDecoder

	served     int
	closeAfter bool
	upgradeCtx reactor.Context

	wMu sync.Mutex // serializes enqueues from conn and responder

	responseDone atomic.Bool
	resume       atomic.Bool
	closeState   atomic.Int32
	released     sync.Once
}

// NewConn creates an HTTP/1.1 connection context reading from src.
func NewConn(in *buffer.Input, out *buffer.OutQueue, src io.Reader, opts Options) *Conn {
	o := opts.withDefaults()
	return &Conn{
		opts:  o,
		log:   o.Log,
		in:    in,
		out:   out,
		src:   src,
		phase: phaseRequestLine,
	}
}

// OutQueue returns the connection's outgoing queue.
func (c *Conn) OutQueue() *buffer.OutQueue { return c.out }

// Input returns the connection's input buffer.
func (c *Conn) Input() *buffer.Input { return c.in }

// Closing reports that no more input is consumed.
func (c *Conn) Closing() bool { return c.closeState.Load() >= closeClosing }

// Terminated reports the context must be evicted immediately.
func (c *Conn) Terminated() bool { return c.closeState.Load() == closeTerminated }

// WantsRead parks read interest while a response is in flight.
func (c *Conn) WantsRead() bool { return c.phase != phaseResponding }

// Resumable reports a completed response with possibly-buffered input
// behind it.
func (c *Conn) Resumable() bool { return c.resume.Load() }

// Abort marks the connection unusable, discarding queued output.
func (c *Conn) Abort() {
	c.closeState.Store(closeTerminated)
	c.out.Discard()
	c.release()
}

// Shutdown closes the connection after the in-flight response, if any,
// finishes draining. Safe from any goroutine.
func (c *Conn) Shutdown() {
	c.beginClose()
}

func (c *Conn) release() {
	c.released.Do(func() {
		if c.opts.OnRelease != nil {
			c.opts.OnRelease()
		}
	})
}

// Served returns the number of requests completed on this connection.
func (c *Conn) Served() int { return c.served }

// OnReadable fills the input buffer and advances the request state
// machine. On h2c upgrade the replacement HTTP/2 context is returned.
func (c *Conn) OnReadable() (reactor.Context, error) {
	c.resume.Store(false)
	if c.Closing() {
		return c, nil
	}

	// A response completing re-arms parsing before new bytes are read so
	// a pipelined request already in the buffer is picked up.
	c.checkResponseDone()

	for {
		var rerr error
		var full bool
		if c.phase != phaseResponding {
			full, rerr = c.in.AddData(c.src)
		}

		if err := c.process(); err != nil {
			var pe *parseError
			if errors.As(err, &pe) {
				c.failRequest(pe.status, pe.err)
				return c, nil
			}
			return c, err
		}
		if c.phase == phaseUpgraded {
			next := c.upgradeCtx
			c.upgradeCtx = nil
			return next, nil
		}

		if rerr != nil {
			if errors.Is(rerr, buffer.ErrWouldBlock) {
				return c, nil
			}
			if errors.Is(rerr, io.EOF) {
				// Peer closed its write side. Finish the in-flight
				// response if any; otherwise just go away.
				if c.phase != phaseResponding {
					c.closeState.CompareAndSwap(closeOpen, closeClosing)
					c.out.Close()
				}
				return c, nil
			}
			return c, rerr
		}
		if !full || c.phase == phaseResponding {
			return c, nil
		}
	}
}

// checkResponseDone transitions RESPONDING back to REQUEST_LINE once the
// in-flight responder has finished.
func (c *Conn) checkResponseDone() {
	if c.phase == phaseResponding && c.responseDone.Swap(false) {
		c.resetRequest()
		c.phase = phaseRequestLine
	}
}

func (c *Conn) resetRequest() {
	c.method = ""
	c.target = ""
	c.proto = ""
	c.headers = nil
	c.nHdrs = 0
	c.reqSize = 0
	c.mode = bodyNone
	c.remain = 0
	c.body = nil
	c.chunked.reset()
}

// process consumes complete records until the buffer runs dry, a response
// starts, or a parse error surfaces.
func (c *Conn) process() error {
	for {
		switch c.phase {
		case phaseRequestLine:
			ok, err := c.readRequestLine()
			if err != nil || !ok {
				return err
			}
		case phaseHeaders:
			ok, err := c.readHeaderLine()
			if err != nil || !ok {
				return err
			}
		case phaseBody:
			ok, err := c.readBody()
			if err != nil || !ok {
				return err
			}
		case phaseResponding, phaseUpgraded:
			return nil
		}
	}
}

// readRequestLine parses METHOD SP request-target SP HTTP-version CRLF.
// A first read opening with the HTTP/2 client preface switches the channel
// to a prior-knowledge HTTP/2 context instead.
func (c *Conn) readRequestLine() (bool, error) {
	if c.served == 0 && c.opts.PriorKnowledge != nil && c.in.Len() > 0 {
		n := c.in.Len()
		if n > len(h2PrefacePrefix) {
			n = len(h2PrefacePrefix)
		}
		if c.in.PrefixMatch(h2PrefacePrefix[:n]) {
			if n < len(h2PrefacePrefix) {
				return false, nil // need more bytes to decide
			}
			next, err := c.opts.PriorKnowledge(c.in, c.out, c.src)
			if err != nil {
				return false, badRequest(ErrInvalidProtocol)
			}
			c.upgradeCtx = next
			c.phase = phaseUpgraded
			c.release()
			return false, nil
		}
	}

	idx := c.in.IndexCRLF()
	if idx < 0 {
		if c.in.Len() > MaxRequestLineSize {
			return false, &parseError{status: 414, err: ErrURITooLong}
		}
		return false, nil
	}
	if idx == 0 {
		// Tolerate leading empty lines between pipelined requests.
		if err := c.in.Skip(2); err != nil {
			return false, err
		}
		return true, nil
	}
	if idx > MaxRequestLineSize {
		return false, &parseError{status: 414, err: ErrURITooLong}
	}

	line, err := c.in.ReadString(idx)
	if err != nil {
		return false, err
	}
	if err := c.in.Skip(2); err != nil {
		return false, err
	}
	c.reqSize = idx + 2

	sp1 := strings.IndexByte(line, ' ')
	if sp1 <= 0 {
		return false, badRequest(ErrInvalidRequestLine)
	}
	sp2 := strings.LastIndexByte(line, ' ')
	if sp2 <= sp1 {
		return false, badRequest(ErrInvalidRequestLine)
	}
	method, target, proto := line[:sp1], line[sp1+1:sp2], line[sp2+1:]

	if !isMethod(method) {
		return false, badRequest(ErrInvalidMethod)
	}
	if target == "" || strings.IndexByte(target, ' ') >= 0 {
		return false, badRequest(ErrInvalidRequestLine)
	}
	switch proto {
	case "HTTP/1.0", "HTTP/1.1", "HTTP/2":
		// HTTP/2 here is the prior-knowledge version token; tolerated.
	default:
		return false, badRequest(ErrInvalidProtocol)
	}

	c.method = method
	c.target = target
	c.proto = proto
	c.headers = web.NewHeaders()
	c.phase = phaseHeaders
	return true, nil
}

// readHeaderLine parses one field line; the empty line ends the section.
// Names are lowercased on insertion; folded continuations are rejected.
func (c *Conn) readHeaderLine() (bool, error) {
	idx := c.in.IndexCRLF()
	if idx < 0 {
		if c.reqSize+c.in.Len() > c.opts.MaxRequestSize {
			return false, &parseError{status: 431, err: ErrRequestTooLarge}
		}
		return false, nil
	}
	line, err := c.in.ReadString(idx)
	if err != nil {
		return false, err
	}
	if err := c.in.Skip(2); err != nil {
		return false, err
	}
	c.reqSize += idx + 2
	if c.reqSize > c.opts.MaxRequestSize {
		return false, &parseError{status: 431, err: ErrRequestTooLarge}
	}

	if line == "" {
		return true, c.finishHeaders()
	}
	if line[0] == ' ' || line[0] == '\t' {
		return false, badRequest(ErrFoldedHeader)
	}
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return false, badRequest(ErrInvalidHeader)
	}
	name := line[:colon]
	if !isToken(name) {
		return false, badRequest(ErrInvalidHeader)
	}
	if len(name) > MaxHeaderNameSize {
		return false, &parseError{status: 431, err: ErrHeaderTooLarge}
	}
	value := strings.Trim(line[colon+1:], " \t")
	if len(value) > MaxHeaderValueSize {
		return false, &parseError{status: 431, err: ErrHeaderTooLarge}
	}
	c.nHdrs++
	if c.nHdrs > MaxHeaderCount {
		return false, &parseError{status: 431, err: ErrTooManyHeaders}
	}
	c.headers.Add(name, value)
	return true, nil
}

// finishHeaders decides how the body arrives and moves to BODY (or, for
// bodiless requests, straight to dispatch).
func (c *Conn) finishHeaders() error {
	te := c.headers.Get(web.HeaderTransferEncoding)
	chunked := te != "" && web.TokenListContains(te, "chunked")

	if chunked {
		// Reject ambiguous framing outright (request smuggling defence).
		if c.headers.Get(web.HeaderContentLength) != "" {
			return badRequest(ErrInvalidContentLen)
		}
		c.mode = bodyChunked
		c.chunked.reset()
		c.phase = phaseBody
		return nil
	}

	cl, err := c.headers.ContentLength()
	if err != nil {
		return badRequest(ErrInvalidContentLen)
	}
	if cl > 0 {
		if c.reqSize+int(cl) > c.opts.MaxRequestSize {
			return &parseError{status: 413, err: ErrBodyTooLarge}
		}
		c.mode = bodyLength
		c.remain = int(cl)
		c.phase = phaseBody
		return nil
	}
	return c.finishRequest()
}

// readBody ingests identity or chunked body bytes incrementally.
func (c *Conn) readBody() (bool, error) {
	switch c.mode {
	case bodyLength:
		avail := c.in.Len()
		if avail == 0 {
			return false, nil
		}
		n := c.remain
		if avail < n {
			n = avail
		}
		data, err := c.in.ReadString(n)
		if err != nil {
			return false, err
		}
		c.body = append(c.body, data...)
		c.remain -= n
		if c.remain > 0 {
			return false, nil
		}
		return true, c.finishRequest()

	case bodyChunked:
		done, err := c.chunked.step(c.in, &c.body, c.opts.MaxRequestSize-c.reqSize)
		if err != nil {
			if errors.Is(err, ErrBodyTooLarge) {
				return false, &parseError{status: 413, err: err}
			}
			return false, badRequest(err)
		}
		if !done {
			return false, nil
		}
		return true, c.finishRequest()
	}
	return true, c.finishRequest()
}

// finishRequest hands the assembled request off: to the h2c upgrade path
// when the handshake headers are present, otherwise to the dispatcher.
func (c *Conn) finishRequest() error {
	c.served++

	req := web.NewRequest(c.method, c.target, c.proto, c.headers, c.body)

	if c.wantsUpgrade() {
		if err := c.performUpgrade(req); err == nil {
			return nil
		}
		// A broken HTTP2-Settings payload rejects the upgrade; the request
		// is still served over HTTP/1.1 per the tolerant reading of the
		// handshake.
	}

	c.closeAfter = c.shouldClose()
	res := newResponder(c, c.closeAfter, c.method == "HEAD")
	c.phase = phaseResponding
	c.opts.Dispatch(req, res)
	return nil
}

// wantsUpgrade detects the h2c handshake: Upgrade: h2c plus a Connection
// header naming both upgrade and HTTP2-Settings, plus the settings payload.
func (c *Conn) wantsUpgrade() bool {
	if c.opts.Upgrade == nil {
		return false
	}
	conn := c.headers.Get(web.HeaderConnection)
	if conn == "" || !web.TokenListContains(conn, "upgrade") || !web.TokenListContains(conn, "http2-settings") {
		return false
	}
	if !web.TokenListContains(c.headers.Get(web.HeaderUpgrade), "h2c") {
		return false
	}
	return c.headers.Has(web.HeaderHTTP2Settings)
}

// performUpgrade runs the h2c handshake. The upgrade callback emits the
// 101 response and server preface and hands back the HTTP/2 context that
// adopts the unread input suffix. This context is done afterwards.
func (c *Conn) performUpgrade(req *web.Request) error {
	settings := c.headers.Get(web.HeaderHTTP2Settings)

	next, err := c.opts.Upgrade(settings, req, c.in, c.out, c.src)
	if err != nil {
		c.log.WithError(err).Debug("h2c upgrade rejected")
		return err
	}

	c.upgradeCtx = next
	c.phase = phaseUpgraded
	c.release()
	c.wake()
	return nil
}

// shouldClose applies the keep-alive policy: 1.1 defaults to keep-alive,
// 1.0 to close, Connection overrides both, and the request cap forces the
// last response to close.
func (c *Conn) shouldClose() bool {
	conn := c.headers.Get(web.HeaderConnection)
	if conn != "" {
		if web.TokenListContains(conn, "close") {
			return true
		}
		if web.TokenListContains(conn, "keep-alive") {
			return c.opts.MaxRequests > 0 && c.served >= c.opts.MaxRequests
		}
	}
	if c.proto == "HTTP/1.0" {
		return true
	}
	return c.opts.MaxRequests > 0 && c.served >= c.opts.MaxRequests
}

// failRequest emits the error status when the channel is still usable and
// closes the connection.
func (c *Conn) failRequest(status int, err error) {
	c.log.WithError(err).WithField("status", status).Debug("malformed request")
	body := web.StatusText(status)
	c.enqueue(appendSimpleResponse(nil, status, body, true))
	c.beginClose()
}

// requestDone is invoked by the responder when the response has been fully
// enqueued. Runs on handler goroutines.
func (c *Conn) requestDone(closeAfter bool) {
	if closeAfter {
		c.beginClose()
	} else {
		c.responseDone.Store(true)
		c.resume.Store(true)
	}
	c.wake()
}

func (c *Conn) beginClose() {
	c.closeState.CompareAndSwap(closeOpen, closeClosing)
	c.out.Close()
	c.wake()
}

// enqueue splits b across output slots onto the outgoing queue.
func (c *Conn) enqueue(b []byte) error {
	c.wMu.Lock()
	defer c.wMu.Unlock()
	return buffer.EnqueueBytes(c.out, c.opts.OutputSlotSize, b)
}

func (c *Conn) wake() {
	if c.opts.Wake != nil {
		c.opts.Wake()
	}
}

// isMethod reports whether s is a non-empty token of uppercase ASCII
// letters, the only method shape the engine accepts.
func isMethod(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// isToken reports whether s is a non-empty HTTP field-name token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '!' || c == '~' || c == '*' || c == '\'' || c == '`' ||
			c == '#' || c == '$' || c == '%' || c == '&' || c == '+' || c == '^' || c == '|':
		default:
			return false
		}
	}
	return true
}
