package surge

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/surge/pkg/surge/buffer"
	"github.com/yourusername/surge/pkg/surge/http2"
	"github.com/yourusername/surge/pkg/surge/web"
)

// blockedReader reports would-block forever, like an idle channel.
type blockedReader struct{}

func (blockedReader) Read(p []byte) (int, error) { return 0, buffer.ErrWouldBlock }

func quietConfig() Config {
	cfg := DefaultConfig()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg.Log = log
	return cfg
}

func drainQueue(q *buffer.OutQueue) []byte {
	var out []byte
	for {
		head := q.Head()
		if head == nil {
			return out
		}
		p := head.Pending()
		out = append(out, p...)
		q.Consumed(len(p))
	}
}

func TestUpgradeEmits101ThenServerPreface(t *testing.T) {
	e, err := NewEngine(quietConfig())
	require.NoError(t, err)
	defer e.Stop()

	e.Router().GET("/hello", func(req *web.Request, res web.ResponseHandle) {
		_ = res.RespondString(200, web.ContentTypePlainText, "Hello You")
	})

	headers := web.NewHeaders()
	headers.Set("host", "x")
	req := web.NewRequest("GET", "/hello", "HTTP/1.1", headers, nil)

	residual := buffer.NewInput(1024)
	out := buffer.NewOutQueue()

	up := e.upgradeFunc(e.log)
	// "AAMAAABk" is SETTINGS_MAX_CONCURRENT_STREAMS=100, base64url.
	ctx, err := up("AAMAAABk", req, residual, out, blockedReader{})
	require.NoError(t, err)
	require.NotNil(t, ctx)

	// The handler runs on the engine executor; wait for the response DATA.
	var raw []byte
	require.Eventually(t, func() bool {
		raw = append(raw, drainQueue(out)...)
		return bytes.Contains(raw, []byte("Hello You"))
	}, 2*time.Second, 10*time.Millisecond)

	// 101 first, then the HTTP/2 server preface (SETTINGS), then stream 1.
	require.True(t, bytes.HasPrefix(raw, []byte("HTTP/1.1 101 Switching Protocols\r\n")))
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	require.Greater(t, idx, 0)
	frames := raw[idx+4:]
	require.GreaterOrEqual(t, len(frames), http2.FrameHeaderLen)
	fh := http2.ParseFrameHeader(frames[:http2.FrameHeaderLen])
	assert.Equal(t, http2.FrameSettings, fh.Type)

	assert.Equal(t, 1, e.NumConnections(), "the upgraded context is tracked")
}

func TestUpgradeRejectsMalformedSettings(t *testing.T) {
	e, err := NewEngine(quietConfig())
	require.NoError(t, err)
	defer e.Stop()

	out := buffer.NewOutQueue()
	up := e.upgradeFunc(e.log)
	ctx, err := up("not-base64!!!", web.NewRequest("GET", "/", "HTTP/1.1", nil, nil), buffer.NewInput(64), out, blockedReader{})
	assert.Error(t, err)
	assert.Nil(t, ctx)
	assert.True(t, out.Empty(), "no 101 leaks out on a rejected upgrade")
}

func TestPriorKnowledgeContextConsumesPreface(t *testing.T) {
	e, err := NewEngine(quietConfig())
	require.NoError(t, err)
	defer e.Stop()

	residual := buffer.NewInput(4096)
	require.NoError(t, residual.Append(http2.ClientPreface))
	require.NoError(t, residual.Append(http2.AppendSettingsFrame(nil, nil)))
	out := buffer.NewOutQueue()

	pk := e.priorKnowledgeFunc(e.log)
	ctx, err := pk(residual, out, blockedReader{})
	require.NoError(t, err)

	h2, ok := ctx.(*http2.Conn)
	require.True(t, ok)

	// Driving the context consumes the adopted preface and the client
	// SETTINGS, completing the handshake.
	_, err = h2.OnReadable()
	require.NoError(t, err)
	assert.Equal(t, http2.ConnStateOpen, h2.State())

	raw := drainQueue(out)
	fh := http2.ParseFrameHeader(raw[:http2.FrameHeaderLen])
	assert.Equal(t, http2.FrameSettings, fh.Type, "server speaks SETTINGS first")
}
