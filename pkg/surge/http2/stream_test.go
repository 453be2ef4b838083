package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/surge/pkg/surge/web"
)

func openStream(t *testing.T, h *connHarness, id uint32, fields [][2]string, endStream bool) {
	t.Helper()
	block := encodeRequestHeaders(t, fields)
	h.feed(AppendHeadersFrame(nil, id, block, true, endStream))
}

func TestStreamMissingMethodIsProtocolError(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":path", "/x"},
		{":scheme", "http"},
	}, true)

	last := lastFrame(h.drainFrames())
	require.Equal(t, FrameRSTStream, last.fh.Type)
	rf, err := ParseRSTStreamFrame(last.fh, last.payload)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeProtocol, rf.ErrorCode)
	assert.Empty(t, h.dispatched)
}

func TestStreamEmptyPathIsProtocolError(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "GET"},
		{":path", ""},
		{":scheme", "http"},
	}, true)

	last := lastFrame(h.drainFrames())
	require.Equal(t, FrameRSTStream, last.fh.Type)
	assert.Empty(t, h.dispatched)
}

func TestStreamPseudoAfterRegularIsProtocolError(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "GET"},
		{"accept", "*/*"},
		{":path", "/late"},
	}, true)

	last := lastFrame(h.drainFrames())
	require.Equal(t, FrameRSTStream, last.fh.Type)
	rf, err := ParseRSTStreamFrame(last.fh, last.payload)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeProtocol, rf.ErrorCode)
}

func TestStreamAuthorityBecomesHost(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "GET"},
		{":path", "/"},
		{":scheme", "http"},
		{":authority", "example.test"},
	}, true)

	require.Len(t, h.dispatched, 1)
	assert.Equal(t, "example.test", h.dispatched[0].req.Headers.Get(web.HeaderHost))
}

func TestStreamStatesAcrossLifecycle(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "POST"},
		{":path", "/"},
		{":scheme", "http"},
	}, false)

	s, ok := h.conn.getStream(1)
	require.True(t, ok)
	assert.Equal(t, StateOpen, s.State())

	h.feed(AppendDataFrame(nil, 1, []byte("x"), true))
	assert.Equal(t, StateHalfClosedRemote, s.State())

	require.Len(t, h.dispatched, 1)
	require.NoError(t, h.dispatched[0].res.RespondStatus(204))
	assert.Equal(t, StateClosed, s.State())

	_, ok = h.conn.getStream(1)
	assert.False(t, ok, "closed streams leave the table")
}

func TestStreamDataOnHalfClosedRemoteIsStreamClosed(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "POST"},
		{":path", "/"},
		{":scheme", "http"},
	}, false)
	h.feed(AppendDataFrame(nil, 1, []byte("a"), true))
	h.drainFrames()

	// More DATA after END_STREAM.
	h.feed(AppendDataFrame(nil, 1, []byte("b"), false))

	frames := h.drainFrames()
	var rst *parsedFrame
	for i := range frames {
		if frames[i].fh.Type == FrameRSTStream {
			rst = &frames[i]
		}
	}
	require.NotNil(t, rst)
	rf, err := ParseRSTStreamFrame(rst.fh, rst.payload)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeStreamClosed, rf.ErrorCode)
}

func TestStreamWindowUpdateOverflowResetsStream(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "POST"},
		{":path", "/"},
		{":scheme", "http"},
	}, false)

	h.feed(AppendWindowUpdateFrame(nil, 1, MaxWindowSize))

	last := lastFrame(h.drainFrames())
	require.Equal(t, FrameRSTStream, last.fh.Type)
	rf, err := ParseRSTStreamFrame(last.fh, last.payload)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeFlowControl, rf.ErrorCode)
	assert.False(t, h.conn.Closing())
}

func TestStreamWriteAfterResetFailsFast(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "GET"},
		{":path", "/"},
		{":scheme", "http"},
	}, true)
	require.Len(t, h.dispatched, 1)
	res := h.dispatched[0].res

	h.feed(AppendRSTStreamFrame(nil, 1, ErrCodeCancel))

	err := res.RespondString(200, web.ContentTypePlainText, "too late")
	assert.ErrorIs(t, err, web.ErrStreamReset)
}

func TestStreamRequestBodyRoundTrip(t *testing.T) {
	h := newConnHarness(t, nil)
	h.feed(clientHandshake(nil))
	h.drainFrames()

	openStream(t, h, 1, [][2]string{
		{":method", "POST"},
		{":path", "/sink"},
		{":scheme", "http"},
	}, false)

	var sent []byte
	for i := 0; i < 8; i++ {
		chunk := make([]byte, 1000)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		sent = append(sent, chunk...)
		h.feed(AppendDataFrame(nil, 1, chunk, i == 7))
	}

	require.Len(t, h.dispatched, 1)
	assert.Equal(t, sent, h.dispatched[0].req.BodyBytes())
}
