package http11

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/surge/pkg/surge/buffer"
	"github.com/yourusername/surge/pkg/surge/reactor"
	"github.com/yourusername/surge/pkg/surge/web"
)

// feedReader hands scripted bytes to the connection and reports would-block
// when the script runs dry, like a non-blocking channel.
type feedReader struct {
	data []byte
}

func (r *feedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, buffer.ErrWouldBlock
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

type dispatchedRequest struct {
	req *web.Request
	res web.ResponseHandle
}

type connHarness struct {
	t          *testing.T
	conn       *Conn
	src        *feedReader
	out        *buffer.OutQueue
	dispatched []dispatchedRequest
	last       reactor.Context
}

func newConnHarness(t *testing.T, mutate func(*Options)) *connHarness {
	h := &connHarness{t: t, src: &feedReader{}, out: buffer.NewOutQueue()}
	opts := Options{
		Dispatch: func(req *web.Request, res web.ResponseHandle) {
			h.dispatched = append(h.dispatched, dispatchedRequest{req: req, res: res})
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	in := buffer.NewInput(32 * 1024)
	h.conn = NewConn(in, h.out, h.src, opts)
	return h
}

// feed scripts bytes and runs the state machine, remembering the context
// the reactor would keep registered.
func (h *connHarness) feed(s string) {
	h.src.data = append(h.src.data, s...)
	next, err := h.conn.OnReadable()
	require.NoError(h.t, err)
	h.last = next
}

// resume drives the machine again without new bytes, as the reactor's
// resume pass does after a response completes.
func (h *connHarness) resume() {
	next, err := h.conn.OnReadable()
	require.NoError(h.t, err)
	h.last = next
}

func (h *connHarness) output() string {
	var out []byte
	for {
		head := h.out.Head()
		if head == nil {
			return string(out)
		}
		p := head.Pending()
		out = append(out, p...)
		h.out.Consumed(len(p))
	}
}

func TestSimpleGet(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	req := h.dispatched[0].req
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/hello", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "localhost", req.Headers.Get("host"))

	require.NoError(t, h.dispatched[0].res.RespondString(200, web.ContentTypePlainText, "Hello You"))

	out := h.output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), "got %q", out)
	assert.Contains(t, out, "content-type: text/plain\r\n")
	assert.Contains(t, out, "content-length: 9\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nHello You"))
	assert.False(t, h.conn.Closing(), "keep-alive by default")
}

func TestKeepAliveTwoRequests(t *testing.T) {
	h := newConnHarness(t, nil)
	req := "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"
	h.feed(req + req)

	require.Len(t, h.dispatched, 1, "second request parks behind the in-flight response")
	require.NoError(t, h.dispatched[0].res.RespondString(200, web.ContentTypePlainText, "Hello You"))

	h.resume()
	require.Len(t, h.dispatched, 2)
	require.NoError(t, h.dispatched[1].res.RespondString(200, web.ContentTypePlainText, "Hello You"))

	out := h.output()
	assert.Equal(t, 2, strings.Count(out, "HTTP/1.1 200 OK\r\n"))
	assert.Equal(t, 2, strings.Count(out, "Hello You"))
}

func TestConnectionCloseRequested(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	require.NoError(t, h.dispatched[0].res.RespondStatus(204))
	assert.True(t, h.conn.Closing())

	out := h.output()
	assert.Contains(t, out, "connection: close\r\n")
}

func TestHTTP10DefaultsToClose(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/1.0\r\nHost: x\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	require.NoError(t, h.dispatched[0].res.RespondStatus(204))
	assert.True(t, h.conn.Closing())
}

func TestContentLengthBody(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhel")
	require.Len(t, h.dispatched, 0, "waits for the full body")

	h.feed("lo")
	require.Len(t, h.dispatched, 1)
	assert.Equal(t, []byte("hello"), h.dispatched[0].req.BodyBytes())
}

func TestChunkedBody(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	assert.Equal(t, []byte("Wikipedia"), h.dispatched[0].req.BodyBytes())
}

func TestDuplicateHeadersCommaJoined(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/1.1\r\nHost: x\r\nX-Tag: a\r\nX-Tag: b\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	hd := h.dispatched[0].req.Headers
	assert.Equal(t, "a, b", hd.Get("x-tag"))
	assert.Equal(t, []string{"a", "b"}, hd.Values("x-tag"))
}

func TestFoldedHeaderRejected(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/1.1\r\nHost: x\r\n folded\r\n\r\n")

	out := h.output()
	assert.Contains(t, out, "HTTP/1.1 400 Bad Request")
	assert.True(t, h.conn.Closing())
}

func TestLowercaseMethodRejected(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("get / HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Contains(t, h.output(), "HTTP/1.1 400 Bad Request")
	assert.Empty(t, h.dispatched)
}

func TestUnsupportedProtocolRejected(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/9.9\r\nHost: x\r\n\r\n")

	assert.Contains(t, h.output(), "HTTP/1.1 400 Bad Request")
}

func TestOversizedRequestLine(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET /" + strings.Repeat("a", MaxRequestLineSize) + " HTTP/1.1\r\n")

	assert.Contains(t, h.output(), "HTTP/1.1 414 Request-URI Too Long")
}

func TestBodyLargerThanRequestLimit(t *testing.T) {
	h := newConnHarness(t, func(o *Options) { o.MaxRequestSize = 256 })
	h.feed("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 1000\r\n\r\n")

	assert.Contains(t, h.output(), "HTTP/1.1 413 Payload Too Large")
	assert.Empty(t, h.dispatched)
}

func TestContentLengthWithChunkedRejected(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n")

	assert.Contains(t, h.output(), "HTTP/1.1 400 Bad Request")
}

func TestMaxRequestsClosesConnection(t *testing.T) {
	h := newConnHarness(t, func(o *Options) { o.MaxRequests = 1 })
	h.feed("GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	require.NoError(t, h.dispatched[0].res.RespondStatus(204))
	assert.True(t, h.conn.Closing())
	assert.Contains(t, h.output(), "connection: close\r\n")
}

func TestHeadSuppressesBody(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("HEAD /hello HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	require.NoError(t, h.dispatched[0].res.RespondString(200, web.ContentTypePlainText, "Hello You"))

	out := h.output()
	assert.Contains(t, out, "content-length: 9\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), "no body bytes after the header section")
}

func TestStreamingResponseUsesChunked(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	w, err := h.dispatched[0].res.RespondStream(200, web.ContentTypePlainText)
	require.NoError(t, err)
	_, err = w.Write([]byte("Wiki"))
	require.NoError(t, err)
	_, err = w.Write([]byte("pedia"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out := h.output()
	assert.Contains(t, out, "transfer-encoding: chunked\r\n")
	assert.Contains(t, out, "4\r\nWiki\r\n")
	assert.Contains(t, out, "5\r\npedia\r\n")
	assert.True(t, strings.HasSuffix(out, "0\r\n\r\n"))
}

func TestSecondRespondFails(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed("GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Len(t, h.dispatched, 1)
	res := h.dispatched[0].res
	require.NoError(t, res.RespondStatus(204))
	assert.ErrorIs(t, res.RespondStatus(200), web.ErrAlreadyResponded)
}

// fakeContext stands in for the HTTP/2 context an upgrade produces.
type fakeContext struct{}

func (f *fakeContext) OnReadable() (reactor.Context, error) { return f, nil }
func (f *fakeContext) OutQueue() *buffer.OutQueue           { return nil }
func (f *fakeContext) Resumable() bool                      { return false }
func (f *fakeContext) WantsRead() bool                      { return true }
func (f *fakeContext) Closing() bool                        { return false }
func (f *fakeContext) Terminated() bool                     { return false }
func (f *fakeContext) Abort()                               {}

func TestH2CUpgradeHandsOverContext(t *testing.T) {
	marker := &fakeContext{}
	var gotSettings string
	var gotReq *web.Request
	h := newConnHarness(t, func(o *Options) {
		o.Upgrade = func(settings string, req *web.Request, residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
			gotSettings = settings
			gotReq = req
			return marker, nil
		}
	})

	h.feed("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: Upgrade, HTTP2-Settings\r\n" +
		"Upgrade: h2c\r\nHTTP2-Settings: AAMAAABk\r\n\r\n")

	assert.Same(t, marker, h.last, "the reactor keeps the HTTP/2 context")
	assert.Equal(t, "AAMAAABk", gotSettings)
	require.NotNil(t, gotReq)
	assert.Equal(t, "/hello", gotReq.Path)
	assert.Empty(t, h.dispatched, "the upgraded request is not dispatched over HTTP/1.1")
}

func TestUpgradeRejectedFallsBackToHTTP11(t *testing.T) {
	h := newConnHarness(t, func(o *Options) {
		o.Upgrade = func(settings string, req *web.Request, residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
			return nil, ErrUpgradeRejected
		}
	})

	h.feed("GET /hello HTTP/1.1\r\nHost: x\r\nConnection: Upgrade, HTTP2-Settings\r\n" +
		"Upgrade: h2c\r\nHTTP2-Settings: !!!\r\n\r\n")

	require.Len(t, h.dispatched, 1, "served over HTTP/1.1 instead")
	assert.Same(t, reactor.Context(h.conn), h.last)
}

func TestPriorKnowledgePrefaceSwitchesContext(t *testing.T) {
	marker := &fakeContext{}
	var residualLen int
	h := newConnHarness(t, func(o *Options) {
		o.PriorKnowledge = func(residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
			residualLen = residual.Len()
			return marker, nil
		}
	})

	h.feed("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

	assert.Same(t, marker, h.last)
	// The replacement context consumes the preface itself.
	assert.Equal(t, 24, residualLen)
}

func TestPartialPrefaceWaitsForMoreBytes(t *testing.T) {
	called := false
	h := newConnHarness(t, func(o *Options) {
		o.PriorKnowledge = func(residual *buffer.Input, out *buffer.OutQueue, src io.Reader) (reactor.Context, error) {
			called = true
			return &fakeContext{}, nil
		}
	})

	h.feed("PRI * ")
	assert.False(t, called)
	assert.Same(t, reactor.Context(h.conn), h.last)

	h.feed("HTTP/2.0\r\n\r\nSM\r\n\r\n")
	assert.True(t, called)
}
