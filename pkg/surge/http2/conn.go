package http2

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2/hpack"

	"github.com/yourusername/surge/pkg/surge/buffer"
	"github.com/yourusername/surge/pkg/surge/reactor"
	"github.com/yourusername/surge/pkg/surge/web"
)

// ConnState is the connection-level protocol state.
type ConnState uint8

const (
	// ConnStateStart expects the 24-byte client preface
	ConnStateStart ConnState = iota

	// ConnStateAwaitingSettings expects the client's first SETTINGS frame
	ConnStateAwaitingSettings

	// ConnStateOpen accepts any valid frame
	ConnStateOpen

	// ConnStateContinuation accepts only CONTINUATION on the pending stream
	ConnStateContinuation

	// ConnStateClosing processes frames for accounting after GOAWAY
	ConnStateClosing

	// ConnStateClosed stops frame processing
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateStart:
		return "start"
	case ConnStateAwaitingSettings:
		return "awaiting-settings"
	case ConnStateOpen:
		return "open"
	case ConnStateContinuation:
		return "continuation"
	case ConnStateClosing:
		return "closing"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close progression for the transport side of the connection.
const (
	closeOpen int32 = iota
	closeClosing
	closeTerminated
)

// DispatchFunc hands a fully-assembled request and its response handle to
// the engine's dispatcher.
type DispatchFunc func(req *web.Request, res web.ResponseHandle)

// Options configures an HTTP/2 connection context.
type Options struct {
	// Log is the connection-scoped logger entry.
	Log *logrus.Entry

	// Dispatch receives assembled requests. Required.
	Dispatch DispatchFunc

	// Wake nudges the reactor after a cross-thread enqueue. Optional.
	Wake func()

	// MaxConcurrentStreams is advertised in the server SETTINGS.
	MaxConcurrentStreams uint32

	// MaxHeaderListSize bounds a decoded header list; advertised in SETTINGS.
	MaxHeaderListSize uint32

	// MaxHeaderTableSize caps the HPACK dynamic table regardless of what
	// the peer advertises.
	MaxHeaderTableSize uint32

	// PatienceThreshold is the tolerated protocol-infraction count before
	// the connection is dropped without a GOAWAY.
	PatienceThreshold int

	// OutputSlotSize is the capacity of each outgoing buffer slot.
	OutputSlotSize int

	// OnRelease runs once when the context leaves the reactor, letting the
	// owner recycle pooled resources.
	OnRelease func()
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.MaxConcurrentStreams == 0 {
		opts.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if opts.MaxHeaderTableSize == 0 {
		opts.MaxHeaderTableSize = DefaultHeaderTableSize
	}
	if opts.PatienceThreshold == 0 {
		opts.PatienceThreshold = 100
	}
	if opts.OutputSlotSize == 0 {
		opts.OutputSlotSize = 8192
	}
	return opts
}

// ConnStats counts connection activity.
type ConnStats struct {
	FramesReceived uint64
	FramesSent     uint64
	BytesReceived  uint64
	BytesSent      uint64
	StreamsOpened  uint64
	StreamsClosed  uint64
	Infractions    uint64
}

// Conn is one HTTP/2 connection context. The receive path (input buffer,
// frame dispatch, stream table growth) runs on the reactor thread; handler
// goroutines reach the connection only through the outgoing queue and the
// flow-control windows, both guarded here.
type Conn struct {
	opts Options
	log  *logrus.Entry

	in  *buffer.Input
	out *buffer.OutQueue
	src io.Reader

	state               ConnState
	local               Settings
	peer                Settings
	highestClientStream uint32
	continuationStream  uint32
	penalty             int
	prefaceOptional     bool
	goAwayReceived      bool
	goAwaySent          bool

	streamsMu sync.RWMutex
	streams   map[uint32]*Stream

	// Connection-level flow control. Multi-field updates (initial window
	// size changes) must observe a consistent snapshot, hence the mutex.
	windowMu       sync.Mutex
	connSendWindow int32
	connRecvWindow int32

	// writeMu serializes HPACK encoding with enqueueing so HEADERS and
	// CONTINUATION stay contiguous on the wire.
	writeMu sync.Mutex
	henc    *hpack.Encoder
	hencBuf bytes.Buffer
	hdec    *hpack.Decoder

	closeState atomic.Int32
	released   sync.Once

	upgradedRequest *web.Request

	statsMu sync.Mutex
	stats   ConnStats
}

// NewConn creates a prior-knowledge HTTP/2 connection context reading from
// src. Call Start before handing it to the reactor.
func NewConn(in *buffer.Input, out *buffer.OutQueue, src io.Reader, opts Options) *Conn {
	o := opts.withDefaults()
	local := DefaultSettings()
	local.EnablePush = false
	local.MaxConcurrentStreams = o.MaxConcurrentStreams
	local.MaxHeaderListSize = o.MaxHeaderListSize

	c := &Conn{
		opts:           o,
		log:            o.Log,
		in:             in,
		out:            out,
		src:            src,
		state:          ConnStateStart,
		local:          local,
		peer:           DefaultSettings(),
		streams:        make(map[uint32]*Stream, 8),
		connSendWindow: DefaultWindowSize,
		connRecvWindow: DefaultWindowSize,
	}
	c.henc = hpack.NewEncoder(&c.hencBuf)
	c.hdec = hpack.NewDecoder(min32(local.HeaderTableSize, o.MaxHeaderTableSize), nil)
	return c
}

// NewUpgradedConn creates a connection context spawned by an h2c upgrade.
// The peer settings decoded from the HTTP2-Settings header are applied, and
// stream 1 is created in half-closed(remote) carrying the original
// request. The residual unread input of the HTTP/1.1 context must be
// adopted into in by the caller beforehand.
func NewUpgradedConn(in *buffer.Input, out *buffer.OutQueue, src io.Reader, opts Options, peerSettings []Setting, req *web.Request) (*Conn, error) {
	c := NewConn(in, out, src, opts)
	c.state = ConnStateAwaitingSettings
	c.prefaceOptional = true
	if err := c.peer.Apply(peerSettings); err != nil {
		return nil, err
	}
	c.applyPeerTableSize()

	s := newStream(c, 1)
	s.state = StateHalfClosedRemote
	s.endStreamSeen = true
	s.dispatched = true // dispatched explicitly in Start
	s.method = req.Method
	s.path = req.Path
	s.headers = req.Headers
	s.body = req.BodyBytes()
	c.streams[1] = s
	c.highestClientStream = 1
	c.noteStreamOpened()

	c.upgradedRequest = req
	return c, nil
}

// Start enqueues the server preface (the initial SETTINGS frame) and, for
// upgraded connections, dispatches the stream-1 request. The first frame
// this connection writes is always SETTINGS.
func (c *Conn) Start() {
	settings := []Setting{
		{ID: SettingEnablePush, Value: 0},
		{ID: SettingMaxConcurrentStreams, Value: c.local.MaxConcurrentStreams},
		{ID: SettingInitialWindowSize, Value: c.local.InitialWindowSize},
		{ID: SettingMaxFrameSize, Value: c.local.MaxFrameSize},
	}
	if c.local.MaxHeaderListSize > 0 {
		settings = append(settings, Setting{ID: SettingMaxHeaderListSize, Value: c.local.MaxHeaderListSize})
	}
	c.writeMu.Lock()
	c.enqueueLocked(AppendSettingsFrame(nil, settings))
	c.writeMu.Unlock()

	if c.upgradedRequest != nil {
		req := c.upgradedRequest
		c.upgradedRequest = nil
		c.streamsMu.RLock()
		s := c.streams[1]
		c.streamsMu.RUnlock()
		c.dispatch(req, &streamResponder{stream: s})
	}
}

// OutQueue returns the connection's outgoing queue.
func (c *Conn) OutQueue() *buffer.OutQueue { return c.out }

// Input returns the connection's input buffer.
func (c *Conn) Input() *buffer.Input { return c.in }

// State returns the protocol state. Reactor thread only.
func (c *Conn) State() ConnState { return c.state }

// Closing reports that no more input will be consumed; the connection
// terminates once the outgoing queue drains.
func (c *Conn) Closing() bool { return c.closeState.Load() >= closeClosing }

// Terminated reports the connection is unusable and must be evicted now.
func (c *Conn) Terminated() bool { return c.closeState.Load() == closeTerminated }

// Abort marks the connection unusable, discarding queued output. Called by
// the reactor on channel I/O errors.
func (c *Conn) Abort() {
	c.closeState.Store(closeTerminated)
	c.out.Discard()
	c.closeAllStreams()
	c.released.Do(func() {
		if c.opts.OnRelease != nil {
			c.opts.OnRelease()
		}
	})
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Resumable is always false: HTTP/2 never parks input behind a response.
func (c *Conn) Resumable() bool { return false }

// WantsRead reports whether the context still consumes input.
func (c *Conn) WantsRead() bool { return c.state != ConnStateClosed }

// OnReadable fills the input buffer from the channel and runs the state
// machine over every complete record. It returns itself as the context to
// keep (HTTP/2 never re-upgrades) and a fatal error only when the channel
// is unusable.
func (c *Conn) OnReadable() (reactor.Context, error) {
	if c.Closing() {
		return c, nil
	}
	for {
		full, rerr := c.in.AddData(c.src)

		if perr := c.process(); perr != nil {
			c.fail(perr)
			return c, nil
		}

		if rerr != nil {
			if errors.Is(rerr, buffer.ErrWouldBlock) {
				return c, nil
			}
			if errors.Is(rerr, io.EOF) {
				// Peer closed its write side; flush what is queued.
				c.closeState.CompareAndSwap(closeOpen, closeClosing)
				c.closeAllStreams()
				return c, nil
			}
			return c, rerr
		}
		if !full {
			return c, nil
		}
	}
}

// Shutdown begins a graceful close: GOAWAY(NO_ERROR) with the highest
// processed stream id, then the CLOSING state where late frames are still
// accounted. Safe to call from any goroutine.
func (c *Conn) Shutdown() {
	c.writeMu.Lock()
	if !c.goAwaySent {
		c.goAwaySent = true
		c.enqueueLocked(AppendGoAwayFrame(nil, c.highestClientStream, ErrCodeNo, nil))
	}
	c.writeMu.Unlock()
	if c.state != ConnStateClosed {
		c.state = ConnStateClosing
	}
	c.wake()
}

// fail converts a protocol error into the mandated goodbye. Connection
// errors emit GOAWAY, flush, and terminate; patience exhaustion terminates
// with no goodbye at all.
func (c *Conn) fail(err error) {
	var ce ConnectionError
	if errors.Is(err, ErrPatienceExhausted) {
		c.log.WithError(err).Warn("dropping impatient peer")
		c.Abort()
		return
	}
	code := ErrCodeInternal
	if errors.As(err, &ce) {
		code = ce.Code
	}
	c.log.WithError(err).WithField("error_code", code.String()).Debug("connection error")

	c.writeMu.Lock()
	if !c.goAwaySent {
		c.goAwaySent = true
		c.enqueueLocked(AppendGoAwayFrame(nil, c.highestClientStream, code, nil))
	}
	c.writeMu.Unlock()

	c.state = ConnStateClosed
	c.out.Close()
	c.closeState.CompareAndSwap(closeOpen, closeClosing)
	c.closeAllStreams()
	c.wake()
}

// process consumes complete records from the input buffer until it runs
// dry or a connection error surfaces.
func (c *Conn) process() error {
	for {
		switch c.state {
		case ConnStateStart:
			ok, err := c.readPreface(false)
			if err != nil || !ok {
				return err
			}
			c.state = ConnStateAwaitingSettings

		case ConnStateClosed:
			// Drain and ignore any further input.
			c.in.Reset()
			return nil

		default:
			if c.prefaceOptional {
				ok, err := c.readPreface(true)
				if err != nil {
					return err
				}
				if !ok {
					// Not enough bytes to rule the preface in or out yet.
					return nil
				}
			}
			advanced, err := c.readFrame()
			if err != nil || !advanced {
				return err
			}
		}
	}
}

// readPreface consumes the 24-byte client preface. When optional (h2c
// upgrade), a divergent prefix simply means the peer skipped it. Returns
// ok=false when more bytes are needed.
func (c *Conn) readPreface(optional bool) (bool, error) {
	avail := c.in.Len()
	if avail < len(ClientPreface) {
		// Early mismatch detection on the partial prefix.
		prefix := ClientPreface[:avail]
		if !c.in.PrefixMatch(prefix) {
			if optional {
				c.prefaceOptional = false
				return true, nil
			}
			return false, connError(ErrCodeProtocol, ErrInvalidPreface)
		}
		return false, nil
	}
	if !c.in.PrefixMatch(ClientPreface) {
		if optional {
			c.prefaceOptional = false
			return true, nil
		}
		return false, connError(ErrCodeProtocol, ErrInvalidPreface)
	}
	c.prefaceOptional = false
	return true, c.in.Skip(len(ClientPreface))
}

// readFrame consumes one complete frame if buffered. The length field is
// checked against our max frame size before waiting for the payload, so an
// oversized frame fails fast.
func (c *Conn) readFrame() (bool, error) {
	if !c.in.Available(FrameHeaderLen) {
		return false, nil
	}
	b0, _ := c.in.PeekByte(0)
	b1, _ := c.in.PeekByte(1)
	b2, _ := c.in.PeekByte(2)
	length := uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2)
	if length > c.local.MaxFrameSize {
		return false, connError(ErrCodeFrameSize, ErrFrameTooLarge)
	}
	if !c.in.Available(FrameHeaderLen + int(length)) {
		return false, nil
	}

	var hdr [FrameHeaderLen]byte
	if err := c.in.ReadBytes(hdr[:], 0, FrameHeaderLen); err != nil {
		return false, err
	}
	fh := ParseFrameHeader(hdr[:])
	payload := make([]byte, length)
	if err := c.in.ReadBytes(payload, 0, int(length)); err != nil {
		return false, err
	}

	c.statsMu.Lock()
	c.stats.FramesReceived++
	c.stats.BytesReceived += uint64(FrameHeaderLen + length)
	c.statsMu.Unlock()

	if err := c.handleFrame(fh, payload); err != nil {
		var se StreamError
		if errors.As(err, &se) {
			c.resetStream(se.StreamID, se.Code)
			if ierr := c.infraction(); ierr != nil {
				return false, ierr
			}
			return true, nil
		}
		c.penalty++ // connection errors are terminal; count for the log
		return false, err
	}
	c.goodFrame()
	return true, nil
}

// handleFrame dispatches one parsed frame header + payload by type,
// honoring the connection-state restrictions first.
func (c *Conn) handleFrame(fh FrameHeader, payload []byte) error {
	if err := validateFrameHeader(fh); err != nil {
		return err
	}

	switch c.state {
	case ConnStateAwaitingSettings:
		if fh.Type != FrameSettings || fh.Flags.Has(FlagSettingsAck) {
			return connError(ErrCodeProtocol, ErrExpectedSettings)
		}
	case ConnStateContinuation:
		if fh.Type != FrameContinuation || fh.StreamID != c.continuationStream {
			return connError(ErrCodeProtocol, ErrExpectedContinuation)
		}
	}

	switch fh.Type {
	case FrameData:
		return c.handleData(fh, payload)
	case FrameHeaders:
		return c.handleHeaders(fh, payload)
	case FramePriority:
		// Parsed for framing validation, then ignored.
		_, err := ParsePriorityFrame(fh, payload)
		return err
	case FrameRSTStream:
		return c.handleRSTStream(fh, payload)
	case FrameSettings:
		return c.handleSettings(fh, payload)
	case FramePushPromise:
		return connError(ErrCodeProtocol, ErrPushNotSupported)
	case FramePing:
		return c.handlePing(fh, payload)
	case FrameGoAway:
		return c.handleGoAway(fh, payload)
	case FrameWindowUpdate:
		return c.handleWindowUpdate(fh, payload)
	case FrameContinuation:
		return c.handleContinuation(fh, payload)
	default:
		// Unknown frame types are skipped (RFC 9113 §4.1)
		return nil
	}
}

func (c *Conn) handleData(fh FrameHeader, payload []byte) error {
	df, err := ParseDataFrame(fh, payload)
	if err != nil {
		return err
	}

	// Connection-level accounting: debit and immediately re-credit the
	// receive window so the peer never stalls on the connection window.
	c.windowMu.Lock()
	c.connRecvWindow -= int32(fh.Length)
	c.connRecvWindow += int32(fh.Length)
	c.windowMu.Unlock()
	if fh.Length > 0 {
		c.writeMu.Lock()
		c.enqueueLocked(AppendWindowUpdateFrame(nil, ConnectionStreamID, fh.Length))
		c.writeMu.Unlock()
	}

	s, ok := c.getStream(fh.StreamID)
	if !ok {
		if fh.StreamID <= c.highestClientStream {
			return streamError(fh.StreamID, ErrCodeStreamClosed, ErrStreamClosed)
		}
		return connError(ErrCodeProtocol, ErrUnknownStream)
	}
	deliver := c.state != ConnStateClosing
	return s.onData(df, deliver)
}

func (c *Conn) handleHeaders(fh FrameHeader, payload []byte) error {
	hf, err := ParseHeadersFrame(fh, payload)
	if err != nil {
		return err
	}

	if s, ok := c.getStream(fh.StreamID); ok {
		// A second HEADERS on a live stream is a trailer section: decoded
		// for HPACK state, never delivered.
		if !hf.EndHeaders() {
			c.state = ConnStateContinuation
			c.continuationStream = fh.StreamID
		}
		return s.onHeaders(hf)
	}

	if fh.StreamID%2 == 0 || fh.StreamID <= c.highestClientStream {
		return connError(ErrCodeProtocol, ErrStreamReused)
	}
	if c.state == ConnStateClosing {
		return streamError(fh.StreamID, ErrCodeRefusedStream, ErrConnectionClosed)
	}
	if uint32(c.numStreams()) >= c.local.MaxConcurrentStreams {
		return streamError(fh.StreamID, ErrCodeRefusedStream, errors.New("http2: concurrent stream limit"))
	}

	s := newStream(c, fh.StreamID)
	c.streamsMu.Lock()
	c.streams[fh.StreamID] = s
	c.streamsMu.Unlock()
	c.highestClientStream = fh.StreamID
	c.noteStreamOpened()

	if !hf.EndHeaders() {
		c.state = ConnStateContinuation
		c.continuationStream = fh.StreamID
	}
	return s.onHeaders(hf)
}

func (c *Conn) handleRSTStream(fh FrameHeader, payload []byte) error {
	rf, err := ParseRSTStreamFrame(fh, payload)
	if err != nil {
		return err
	}
	s, ok := c.getStream(fh.StreamID)
	if !ok {
		if fh.StreamID > c.highestClientStream {
			return connError(ErrCodeProtocol, ErrUnknownStream)
		}
		return nil // already closed; RST on a closed stream is tolerated
	}
	s.onRSTStream(rf.ErrorCode)
	return nil
}

func (c *Conn) handleSettings(fh FrameHeader, payload []byte) error {
	sf, err := ParseSettingsFrame(fh, payload)
	if err != nil {
		return err
	}
	if sf.IsAck() {
		return nil
	}

	old := c.peer
	next := c.peer
	if err := next.Apply(sf.Settings); err != nil {
		return err
	}
	c.peer = next

	if next.HeaderTableSize != old.HeaderTableSize {
		c.applyPeerTableSize()
	}

	// An initial-window-size change adjusts every stream's send window by
	// the delta (RFC 9113 §6.9.2).
	var unblocked bool
	if next.InitialWindowSize != old.InitialWindowSize {
		delta := int32(next.InitialWindowSize) - int32(old.InitialWindowSize)
		var werr error
		c.rangeStreams(func(s *Stream) bool {
			if err := s.adjustSendWindow(delta); err != nil {
				werr = err
				return false
			}
			return true
		})
		if werr != nil {
			return werr
		}
		unblocked = delta > 0
	}

	// The ACK precedes any frame that depends on the new settings.
	c.writeMu.Lock()
	c.enqueueLocked(AppendSettingsAck(nil))
	c.writeMu.Unlock()

	if unblocked {
		c.rangeStreams(func(s *Stream) bool {
			c.flushStream(s)
			return true
		})
	}

	if c.state == ConnStateAwaitingSettings {
		c.state = ConnStateOpen
	}
	c.wake()
	return nil
}

func (c *Conn) handlePing(fh FrameHeader, payload []byte) error {
	pf, err := ParsePingFrame(fh, payload)
	if err != nil {
		return err
	}
	if !pf.IsAck() {
		c.writeMu.Lock()
		c.enqueueLocked(AppendPingFrame(nil, pf.Data, true))
		c.writeMu.Unlock()
		c.wake()
	}
	return nil
}

func (c *Conn) handleGoAway(fh FrameHeader, payload []byte) error {
	gf, err := ParseGoAwayFrame(fh, payload)
	if err != nil {
		return err
	}
	c.goAwayReceived = true
	c.log.WithField("error_code", gf.ErrorCode.String()).Debug("peer sent GOAWAY")
	c.state = ConnStateClosed
	c.out.Close()
	c.closeState.CompareAndSwap(closeOpen, closeClosing)
	c.closeAllStreams()
	return nil
}

func (c *Conn) handleWindowUpdate(fh FrameHeader, payload []byte) error {
	wf, err := ParseWindowUpdateFrame(fh, payload)
	if err != nil {
		return err
	}

	if fh.StreamID == ConnectionStreamID {
		c.windowMu.Lock()
		if int64(c.connSendWindow)+int64(wf.Increment) > MaxWindowSize {
			c.windowMu.Unlock()
			return connError(ErrCodeFlowControl, ErrWindowOverflow)
		}
		c.connSendWindow += int32(wf.Increment)
		c.windowMu.Unlock()

		c.rangeStreams(func(s *Stream) bool {
			c.flushStream(s)
			return true
		})
		return nil
	}

	s, ok := c.getStream(fh.StreamID)
	if !ok {
		if fh.StreamID > c.highestClientStream {
			return connError(ErrCodeProtocol, ErrUnknownStream)
		}
		return nil // window update racing stream close is tolerated
	}
	return s.onWindowUpdate(wf.Increment)
}

func (c *Conn) handleContinuation(fh FrameHeader, payload []byte) error {
	cf, err := ParseContinuationFrame(fh, payload)
	if err != nil {
		return err
	}
	s, ok := c.getStream(fh.StreamID)
	if !ok {
		return connError(ErrCodeProtocol, ErrUnknownStream)
	}
	if cf.EndHeaders() {
		c.state = ConnStateOpen
	}
	return s.onContinuation(cf)
}

// ---- stream table ----

func (c *Conn) getStream(id uint32) (*Stream, bool) {
	c.streamsMu.RLock()
	s, ok := c.streams[id]
	c.streamsMu.RUnlock()
	return s, ok
}

func (c *Conn) numStreams() int {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	return len(c.streams)
}

func (c *Conn) rangeStreams(fn func(*Stream) bool) {
	c.streamsMu.RLock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.RUnlock()
	for _, s := range streams {
		if !fn(s) {
			return
		}
	}
}

func (c *Conn) removeStream(id uint32) {
	c.streamsMu.Lock()
	_, ok := c.streams[id]
	delete(c.streams, id)
	c.streamsMu.Unlock()
	if ok {
		c.statsMu.Lock()
		c.stats.StreamsClosed++
		c.statsMu.Unlock()
	}
}

func (c *Conn) noteStreamOpened() {
	c.statsMu.Lock()
	c.stats.StreamsOpened++
	c.statsMu.Unlock()
}

func (c *Conn) closeAllStreams() {
	c.rangeStreams(func(s *Stream) bool {
		s.closeForConnection()
		return true
	})
	c.streamsMu.Lock()
	c.streams = make(map[uint32]*Stream)
	c.streamsMu.Unlock()
}

// resetStream emits RST_STREAM and closes the stream locally.
func (c *Conn) resetStream(id uint32, code ErrorCode) {
	if s, ok := c.getStream(id); ok {
		s.closeForConnection()
		c.removeStream(id)
	}
	c.writeMu.Lock()
	c.enqueueLocked(AppendRSTStreamFrame(nil, id, code))
	c.writeMu.Unlock()
	c.wake()
}

// ---- bad-client accounting ----

// infraction bumps the penalty counter; past the patience threshold the
// connection is dropped with no goodbye frame.
func (c *Conn) infraction() error {
	c.penalty++
	c.statsMu.Lock()
	c.stats.Infractions++
	c.statsMu.Unlock()
	if c.penalty > c.opts.PatienceThreshold {
		return ErrPatienceExhausted
	}
	return nil
}

// goodFrame pays back one unit of patience, outside CLOSING only.
func (c *Conn) goodFrame() {
	if c.state != ConnStateClosing && c.penalty > 0 {
		c.penalty--
	}
}

// ---- output ----

// enqueueLocked splits b across output slots and appends them to the
// outgoing queue. Caller holds writeMu.
func (c *Conn) enqueueLocked(b []byte) {
	n := len(b)
	if buffer.EnqueueBytes(c.out, c.opts.OutputSlotSize, b) != nil {
		return
	}
	c.statsMu.Lock()
	c.stats.BytesSent += uint64(n)
	c.stats.FramesSent++ // approximate: one logical record per enqueue chain
	c.statsMu.Unlock()
}

func (c *Conn) wake() {
	if c.opts.Wake != nil {
		c.opts.Wake()
	}
}

// sendStreamWindowUpdate replenishes a stream's receive window.
func (c *Conn) sendStreamWindowUpdate(id, increment uint32) {
	c.writeMu.Lock()
	c.enqueueLocked(AppendWindowUpdateFrame(nil, id, increment))
	c.writeMu.Unlock()
	c.wake()
}

// dispatch forwards an assembled request to the engine.
func (c *Conn) dispatch(req *web.Request, res web.ResponseHandle) {
	c.opts.Dispatch(req, res)
}

// ---- HPACK ----

func (c *Conn) applyPeerTableSize() {
	c.writeMu.Lock()
	c.henc.SetMaxDynamicTableSize(min32(c.peer.HeaderTableSize, c.opts.MaxHeaderTableSize))
	c.writeMu.Unlock()
}

// decodeHeaderBlock decodes a complete field block, enforcing the local
// header list size limit. Reactor thread only.
func (c *Conn) decodeHeaderBlock(block []byte) ([]hpack.HeaderField, error) {
	fields, err := c.hdec.DecodeFull(block)
	if err != nil {
		return nil, err
	}
	if limit := c.local.MaxHeaderListSize; limit > 0 {
		var size uint32
		for _, f := range fields {
			size += uint32(len(f.Name)) + uint32(len(f.Value)) + 32
		}
		if size > limit {
			return nil, errHeaderListTooLarge
		}
	}
	return fields, nil
}

// encodeHeaderBlockLocked encodes a response header list. Caller holds
// writeMu; the encoder's dynamic table tracks emission order.
func (c *Conn) encodeHeaderBlockLocked(status int, headers *web.Headers) []byte {
	c.hencBuf.Reset()
	c.henc.WriteField(hpack.HeaderField{Name: PseudoStatus, Value: strconv.Itoa(status)})
	headers.Range(func(name, value string) bool {
		c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
		return true
	})
	block := make([]byte, c.hencBuf.Len())
	copy(block, c.hencBuf.Bytes())
	return block
}

// ---- response emission ----

// writeResponse emits the response HEADERS (split across CONTINUATION when
// the encoded block exceeds the peer's max frame size) and, when complete,
// the body DATA frames. Runs on handler goroutines.
func (c *Conn) writeResponse(s *Stream, status int, headers *web.Headers, body []byte, complete bool) error {
	if s.isClosed() {
		return web.ErrStreamReset
	}
	if c.Closing() {
		return ErrConnectionClosed
	}

	endStream := complete && len(body) == 0

	c.writeMu.Lock()
	block := c.encodeHeaderBlockLocked(status, headers)
	maxFrag := int(c.peer.MaxFrameSize)
	var out []byte
	if len(block) <= maxFrag {
		out = AppendHeadersFrame(nil, s.id, block, true, endStream)
	} else {
		out = AppendHeadersFrame(nil, s.id, block[:maxFrag], false, endStream)
		block = block[maxFrag:]
		for len(block) > maxFrag {
			out = AppendContinuationFrame(out, s.id, block[:maxFrag], false)
			block = block[maxFrag:]
		}
		out = AppendContinuationFrame(out, s.id, block, true)
	}
	c.enqueueLocked(out)
	c.writeMu.Unlock()

	s.mu.Lock()
	s.respHeadersSent = true
	s.mu.Unlock()

	if endStream {
		s.noteEndStreamSent()
		c.wake()
		return nil
	}
	if complete {
		return c.queueStreamData(s, body, true)
	}
	c.wake()
	return nil
}

// queueStreamData stages response body bytes and flushes whatever current
// flow-control credit allows; the rest waits for WINDOW_UPDATE.
func (c *Conn) queueStreamData(s *Stream, p []byte, end bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return web.ErrStreamReset
	}
	s.pendingOut = append(s.pendingOut, p...)
	if end {
		s.pendingEnd = true
	}
	s.mu.Unlock()

	c.flushStream(s)
	return nil
}

// flushStream emits as many pending DATA frames as credit permits. Every
// frame is capped by min(peer max frame size, stream window, connection
// window); the final frame carries END_STREAM.
func (c *Conn) flushStream(s *Stream) {
	endSent := false

	c.writeMu.Lock()
	s.mu.Lock()
	for {
		if s.state == StateClosed {
			s.pendingOut = nil
			s.pendingEnd = false
			break
		}
		n := len(s.pendingOut)
		if n == 0 && !s.pendingEnd {
			break
		}
		chunk := n
		if mf := int(c.peer.MaxFrameSize); chunk > mf {
			chunk = mf
		}

		c.windowMu.Lock()
		credit := s.sendWindow
		if c.connSendWindow < credit {
			credit = c.connSendWindow
		}
		if credit < 0 {
			credit = 0
		}
		if int32(chunk) > credit {
			chunk = int(credit)
		}
		if chunk == 0 && n > 0 {
			c.windowMu.Unlock()
			break // wait for WINDOW_UPDATE
		}
		s.sendWindow -= int32(chunk)
		c.connSendWindow -= int32(chunk)
		c.windowMu.Unlock()

		end := s.pendingEnd && chunk == n
		c.enqueueLocked(AppendDataFrame(nil, s.id, s.pendingOut[:chunk], end))
		s.pendingOut = s.pendingOut[chunk:]
		if end {
			s.pendingEnd = false
			endSent = true
			break
		}
		if chunk == 0 {
			break
		}
	}
	s.mu.Unlock()
	c.writeMu.Unlock()

	if endSent {
		s.noteEndStreamSent()
	}
	c.wake()
}

// ---- small helpers ----

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

