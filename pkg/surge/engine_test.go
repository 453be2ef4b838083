//go:build linux

package surge

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/surge/pkg/surge/http2"
	"github.com/yourusername/surge/pkg/surge/web"
)

func startTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := quietConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	e.Router().GET("/hello", func(req *web.Request, res web.ResponseHandle) {
		_ = res.RespondString(200, web.ContentTypePlainText, "Hello You")
	})
	e.Router().POST("/echo", func(req *web.Request, res web.ResponseHandle) {
		_ = res.RespondBytes(200, web.ContentTypePlainText, req.BodyBytes())
	})

	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func dialEngine(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.Port()), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntil accumulates from conn until the marker appears.
func readUntil(t *testing.T, conn net.Conn, marker []byte) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	for !bytes.Contains(got, marker) {
		n, err := conn.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		require.NoError(t, err, "read so far: %q", got)
	}
	return got
}

func TestEngineSimpleGetOverTCP(t *testing.T) {
	e := startTestEngine(t)
	conn := dialEngine(t, e)

	_, err := conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	got := readUntil(t, conn, []byte("Hello You"))
	assert.Contains(t, string(got), "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, string(got), "content-length: 9\r\n")
}

func TestEngineKeepAliveTwoGets(t *testing.T) {
	e := startTestEngine(t)
	conn := dialEngine(t, e)

	req := []byte("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	_, err := conn.Write(append(append([]byte{}, req...), req...))
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 4096)
	for bytes.Count(got, []byte("Hello You")) < 2 {
		n, err := conn.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		require.NoError(t, err, "read so far: %q", got)
	}
	assert.Equal(t, 2, bytes.Count(got, []byte("HTTP/1.1 200 OK\r\n")))
}

func TestEngineNotFoundOverTCP(t *testing.T) {
	e := startTestEngine(t)
	conn := dialEngine(t, e)

	_, err := conn.Write([]byte("GET /nope HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	got := readUntil(t, conn, []byte("\r\n\r\n"))
	assert.Contains(t, string(got), "HTTP/1.1 404 Not Found\r\n")
}

func TestEnginePriorKnowledgeHandshakeOverTCP(t *testing.T) {
	e := startTestEngine(t)
	conn := dialEngine(t, e)

	_, err := conn.Write(http2.ClientPreface)
	require.NoError(t, err)
	_, err = conn.Write(http2.AppendSettingsFrame(nil, nil))
	require.NoError(t, err)

	// The server's first frame is SETTINGS; an ACK for ours follows.
	hdr := make([]byte, http2.FrameHeaderLen)
	readFull(t, conn, hdr)
	fh := http2.ParseFrameHeader(hdr)
	assert.Equal(t, http2.FrameSettings, fh.Type)
	payload := make([]byte, fh.Length)
	readFull(t, conn, payload)

	readFull(t, conn, hdr)
	fh = http2.ParseFrameHeader(hdr)
	assert.Equal(t, http2.FrameSettings, fh.Type)
	assert.True(t, fh.Flags.Has(http2.FlagSettingsAck))

	// PING round-trips with the ACK flag.
	data := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	_, err = conn.Write(http2.AppendPingFrame(nil, data, false))
	require.NoError(t, err)

	readFull(t, conn, hdr)
	fh = http2.ParseFrameHeader(hdr)
	assert.Equal(t, http2.FramePing, fh.Type)
	assert.True(t, fh.Flags.Has(http2.FlagPingAck))
	echo := make([]byte, 8)
	readFull(t, conn, echo)
	assert.Equal(t, data[:], echo)
}

func TestEngineShutdownDrains(t *testing.T) {
	e := startTestEngine(t)
	conn := dialEngine(t, e)

	_, err := conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)
	readUntil(t, conn, []byte("Hello You"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, 0, e.NumConnections())
}

func readFull(t *testing.T, conn net.Conn, p []byte) {
	t.Helper()
	off := 0
	for off < len(p) {
		n, err := conn.Read(p[off:])
		require.NoError(t, err)
		off += n
	}
}
