package http2

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/yourusername/surge/pkg/surge/web"
)

// StreamState is the RFC 9113 §5.1 stream state.
type StreamState uint8

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReservedLocal:
		return "reserved(local)"
	case StateReservedRemote:
		return "reserved(remote)"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed(local)"
	case StateHalfClosedRemote:
		return "half-closed(remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one client-initiated stream inside an HTTP/2 connection.
//
// The receive side (headers assembly, body ingestion, state transitions
// driven by peer frames) is mutated only on the reactor thread. The send
// side is reached from handler goroutines through the response handle; it
// is guarded by mu together with the flow-control windows.
type Stream struct {
	id   uint32
	conn *Conn

	mu    sync.Mutex
	state StreamState

	// Flow control. WINDOW_UPDATE from the peer credits sendWindow.
	sendWindow int32
	recvWindow int32

	// Request assembly
	headerBlock   []byte // accumulates across HEADERS + CONTINUATION
	headers       *web.Headers
	method        string
	path          string
	scheme        string
	authority     string
	body          []byte
	endStreamSeen bool
	dispatched    bool
	trailersSeen  bool

	// Response emission
	respHeadersSent bool
	endStreamSent   bool
	pendingOut      []byte // response bytes awaiting window credit
	pendingEnd      bool
	resetCode       ErrorCode
	reset           bool
}

func newStream(c *Conn, id uint32) *Stream {
	return &Stream{
		id:         id,
		conn:       c,
		state:      StateIdle,
		sendWindow: int32(c.peer.InitialWindowSize),
		recvWindow: int32(c.local.InitialWindowSize),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current stream state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// onHeaders ingests a HEADERS frame. The field block is buffered; when
// END_HEADERS is set it is decoded and, if END_STREAM was also seen, the
// request dispatches.
func (s *Stream) onHeaders(f *HeadersFrame) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateOpen
	}
	if f.EndStream() {
		s.endStreamSeen = true
	}
	s.headerBlock = append(s.headerBlock, f.HeaderBlock...)
	s.mu.Unlock()

	if !f.EndHeaders() {
		return nil
	}
	return s.finishHeaderBlock()
}

// onContinuation appends a CONTINUATION fragment, decoding on END_HEADERS.
func (s *Stream) onContinuation(f *ContinuationFrame) error {
	s.mu.Lock()
	s.headerBlock = append(s.headerBlock, f.HeaderBlock...)
	s.mu.Unlock()

	if !f.EndHeaders() {
		return nil
	}
	return s.finishHeaderBlock()
}

// finishHeaderBlock runs the assembled field block through the connection's
// HPACK decoder. Decoding always happens, even for ignored trailer blocks,
// to keep the decoder's dynamic table synchronised with the peer.
func (s *Stream) finishHeaderBlock() error {
	s.mu.Lock()
	block := s.headerBlock
	s.headerBlock = nil
	trailer := s.headers != nil // a second block on the same stream is a trailer section
	s.mu.Unlock()

	fields, err := s.conn.decodeHeaderBlock(block)
	if err != nil {
		// An oversized list is the peer ignoring our advertised limit, a
		// resource-limit violation; anything else is a codec failure.
		if errors.Is(err, errHeaderListTooLarge) {
			return streamError(s.id, ErrCodeEnhanceYourCalm, err)
		}
		return connError(ErrCodeCompression, err)
	}
	if trailer {
		// Trailer sections are not delivered to handlers.
		s.mu.Lock()
		s.trailersSeen = true
		end := s.endStreamSeen && !s.dispatched
		s.mu.Unlock()
		if end {
			s.maybeDispatch()
		}
		return nil
	}

	headers := web.NewHeaders()
	pseudoDone := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if pseudoDone {
				return streamError(s.id, ErrCodeProtocol, ErrPseudoAfterRegular)
			}
			switch f.Name {
			case PseudoMethod:
				s.method = f.Value
			case PseudoPath:
				s.path = f.Value
			case PseudoScheme:
				s.scheme = f.Value
			case PseudoAuthority:
				s.authority = f.Value
				headers.Set(web.HeaderHost, f.Value)
			default:
				return streamError(s.id, ErrCodeProtocol, ErrMissingPseudoHeader)
			}
			continue
		}
		pseudoDone = true
		headers.Add(f.Name, f.Value)
	}
	if s.method == "" || s.path == "" {
		return streamError(s.id, ErrCodeProtocol, ErrMissingPseudoHeader)
	}

	s.mu.Lock()
	s.headers = headers
	end := s.endStreamSeen
	if end && s.state == StateOpen {
		s.state = StateHalfClosedRemote
	}
	s.mu.Unlock()

	if end {
		s.maybeDispatch()
	}
	return nil
}

// onData ingests a DATA frame: body bytes are appended, the stream receive
// window is debited and replenished past the low-water mark, and END_STREAM
// triggers dispatch.
func (s *Stream) onData(f *DataFrame, deliver bool) error {
	n := int32(f.Length)

	s.mu.Lock()
	if s.state != StateOpen && s.state != StateHalfClosedLocal {
		s.mu.Unlock()
		return streamError(s.id, ErrCodeStreamClosed, ErrStreamClosed)
	}
	if s.recvWindow < n {
		s.mu.Unlock()
		return streamError(s.id, ErrCodeFlowControl, ErrWindowOverflow)
	}
	s.recvWindow -= n

	var replenish uint32
	initial := int32(s.conn.local.InitialWindowSize)
	if s.recvWindow < initial/2 {
		replenish = uint32(initial - s.recvWindow)
		s.recvWindow = initial
	}

	if deliver {
		s.body = append(s.body, f.Data...)
	}
	if f.EndStream() {
		s.endStreamSeen = true
		if s.state == StateOpen {
			s.state = StateHalfClosedRemote
		} else {
			s.state = StateClosed
		}
	}
	end := s.endStreamSeen
	s.mu.Unlock()

	if replenish > 0 && !end {
		s.conn.sendStreamWindowUpdate(s.id, replenish)
	}
	if end && deliver {
		s.maybeDispatch()
	}
	return nil
}

// onRSTStream closes the stream immediately and cancels pending output.
func (s *Stream) onRSTStream(code ErrorCode) {
	s.mu.Lock()
	s.state = StateClosed
	s.reset = true
	s.resetCode = code
	s.pendingOut = nil
	s.pendingEnd = false
	s.mu.Unlock()
	s.conn.removeStream(s.id)
}

// onWindowUpdate credits the send window. Overflow past 2^31-1 is a stream
// error that resets only this stream.
func (s *Stream) onWindowUpdate(increment uint32) error {
	s.mu.Lock()
	if int64(s.sendWindow)+int64(increment) > MaxWindowSize {
		s.mu.Unlock()
		return streamError(s.id, ErrCodeFlowControl, ErrWindowOverflow)
	}
	s.sendWindow += int32(increment)
	s.mu.Unlock()

	// New credit may unblock queued response frames.
	s.conn.flushStream(s)
	return nil
}

// adjustSendWindow applies an initial-window-size delta from SETTINGS.
// The window may legally go negative (RFC 9113 §6.9.2).
func (s *Stream) adjustSendWindow(delta int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nw := int64(s.sendWindow) + int64(delta)
	if nw > MaxWindowSize {
		return connError(ErrCodeFlowControl, ErrWindowOverflow)
	}
	s.sendWindow = int32(nw)
	return nil
}

// maybeDispatch hands the assembled request to the dispatcher exactly once.
func (s *Stream) maybeDispatch() {
	s.mu.Lock()
	if s.dispatched || s.headers == nil {
		s.mu.Unlock()
		return
	}
	s.dispatched = true
	method, path, headers, body := s.method, s.path, s.headers, s.body
	s.mu.Unlock()

	if headers.Get(web.HeaderContentLength) == "" && len(body) > 0 {
		headers.Set(web.HeaderContentLength, strconv.Itoa(len(body)))
	}
	req := web.NewRequest(method, path, "HTTP/2", headers, body)
	s.conn.dispatch(req, &streamResponder{stream: s})
}

// noteEndStreamSent marks the local side done after the frame carrying
// END_STREAM went out.
func (s *Stream) noteEndStreamSent() {
	s.mu.Lock()
	s.endStreamSent = true
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		s.conn.removeStream(s.id)
	}
}

// closeForConnection transitions the stream to CLOSED during connection
// teardown without emitting any frame.
func (s *Stream) closeForConnection() {
	s.mu.Lock()
	s.state = StateClosed
	s.reset = true
	s.pendingOut = nil
	s.mu.Unlock()
}

// streamResponder implements web.ResponseHandle over an HTTP/2 stream.
// Responses are emitted as one HEADERS frame (split across CONTINUATION
// when the encoded block exceeds the peer's max frame size) followed by
// DATA frames capped by flow-control credit.
type streamResponder struct {
	stream *Stream

	mu        sync.Mutex
	status    int
	headers   *web.Headers
	responded bool
	closed    bool
	streaming *streamBodyWriter
}

func (r *streamResponder) StatusCode(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func (r *streamResponder) Header(name, value string) {
	r.mu.Lock()
	if r.headers == nil {
		r.headers = web.NewHeaders()
	}
	r.headers.Add(name, value)
	r.mu.Unlock()
}

func (r *streamResponder) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}

func (r *streamResponder) begin() (int, *web.Headers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responded {
		return 0, nil, web.ErrAlreadyResponded
	}
	if r.closed {
		return 0, nil, web.ErrHandleClosed
	}
	r.responded = true
	status := r.status
	if status == 0 {
		status = 200
	}
	if r.headers == nil {
		r.headers = web.NewHeaders()
	}
	return status, r.headers, nil
}

func (r *streamResponder) Respond() error {
	status, headers, err := r.begin()
	if err != nil {
		return err
	}
	return r.stream.conn.writeResponse(r.stream, status, headers, nil, true)
}

func (r *streamResponder) RespondStatus(code int) error {
	r.StatusCode(code)
	return r.Respond()
}

func (r *streamResponder) RespondBytes(code int, contentType string, body []byte) error {
	r.StatusCode(code)
	r.Header(web.HeaderContentType, contentType)
	status, headers, err := r.begin()
	if err != nil {
		return err
	}
	headers.Set(web.HeaderContentLength, strconv.Itoa(len(body)))
	return r.stream.conn.writeResponse(r.stream, status, headers, body, true)
}

func (r *streamResponder) RespondString(code int, contentType string, body string) error {
	return r.RespondBytes(code, contentType, []byte(body))
}

func (r *streamResponder) RespondStream(code int, contentType string) (io.WriteCloser, error) {
	r.StatusCode(code)
	r.Header(web.HeaderContentType, contentType)
	status, headers, err := r.begin()
	if err != nil {
		return nil, err
	}
	if err := r.stream.conn.writeResponse(r.stream, status, headers, nil, false); err != nil {
		return nil, err
	}
	w := &streamBodyWriter{stream: r.stream}
	r.mu.Lock()
	r.streaming = w
	r.mu.Unlock()
	return w, nil
}

func (r *streamResponder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	streaming := r.streaming
	r.mu.Unlock()
	if streaming != nil {
		return streaming.Close()
	}
	return nil
}

// streamBodyWriter streams DATA frames as the handler writes.
type streamBodyWriter struct {
	stream *Stream
	done   bool
}

func (w *streamBodyWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, web.ErrHandleClosed
	}
	if w.stream.isClosed() {
		return 0, web.ErrStreamReset
	}
	if err := w.stream.conn.queueStreamData(w.stream, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *streamBodyWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.stream.isClosed() {
		return nil
	}
	return w.stream.conn.queueStreamData(w.stream, nil, true)
}
