package http11

import (
	"io"
	"strconv"
	"sync"

	"github.com/yourusername/surge/pkg/surge/web"
)

// responder implements web.ResponseHandle over an HTTP/1.1 connection.
// Exactly one response goes out per handle; the connection resumes parsing
// (keep-alive) or closes when the handle completes.
type responder struct {
	conn       *Conn
	closeAfter bool
	head       bool // HEAD request: status and headers only

	mu        sync.Mutex
	status    int
	headers   *web.Headers
	responded bool
	closed    bool
	streaming *chunkedWriter
}

func newResponder(c *Conn, closeAfter, head bool) *responder {
	return &responder{conn: c, closeAfter: closeAfter, head: head}
}

func (r *responder) StatusCode(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func (r *responder) Header(name, value string) {
	r.mu.Lock()
	if r.headers == nil {
		r.headers = web.NewHeaders()
	}
	r.headers.Add(name, value)
	r.mu.Unlock()
}

func (r *responder) Responded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}

func (r *responder) begin() (int, *web.Headers, error) {
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

func (r *responder) Respond() error {
	status, headers, err := r.begin()
	if err != nil {
		return err
	}
	headers.Set(web.HeaderContentLength, "0")
	if err := r.conn.enqueue(appendHead(nil, status, headers, r.closeAfter)); err != nil {
		return err
	}
	r.conn.requestDone(r.closeAfter)
	return nil
}

func (r *responder) RespondStatus(code int) error {
	r.StatusCode(code)
	return r.Respond()
}

func (r *responder) RespondBytes(code int, contentType string, body []byte) error {
	r.StatusCode(code)
	status, headers, err := r.begin()
	if err != nil {
		return err
	}
	if contentType != "" {
		headers.Set(web.HeaderContentType, contentType)
	}
	headers.Set(web.HeaderContentLength, strconv.Itoa(len(body)))

	out := appendHead(nil, status, headers, r.closeAfter)
	if !r.head {
		out = append(out, body...)
	}
	if err := r.conn.enqueue(out); err != nil {
		return err
	}
	r.conn.requestDone(r.closeAfter)
	return nil
}

func (r *responder) RespondString(code int, contentType string, body string) error {
	return r.RespondBytes(code, contentType, []byte(body))
}

// RespondStream opens a chunked-transfer body. The headers carry
// Transfer-Encoding: chunked; the terminating zero chunk goes out when the
// writer closes.
func (r *responder) RespondStream(code int, contentType string) (io.WriteCloser, error) {
	r.StatusCode(code)
	status, headers, err := r.begin()
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		headers.Set(web.HeaderContentType, contentType)
	}
	headers.Set(web.HeaderTransferEncoding, "chunked")

	if err := r.conn.enqueue(appendHead(nil, status, headers, r.closeAfter)); err != nil {
		return nil, err
	}
	w := &chunkedWriter{resp: r}
	r.mu.Lock()
	r.streaming = w
	r.mu.Unlock()
	return w, nil
}

func (r *responder) Close() error {
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

// chunkedWriter frames handler writes as chunked transfer coding.
type chunkedWriter struct {
	resp *responder
	done bool
}

func (w *chunkedWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, web.ErrHandleClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.resp.head {
		return len(p), nil
	}
	out := append([]byte(strconv.FormatInt(int64(len(p)), 16)), '\r', '\n')
	out = append(out, p...)
	out = append(out, '\r', '\n')
	if err := w.resp.conn.enqueue(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *chunkedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if !w.resp.head {
		if err := w.resp.conn.enqueue([]byte("0\r\n\r\n")); err != nil {
			return err
		}
	}
	w.resp.conn.requestDone(w.resp.closeAfter)
	return nil
}

// appendHead serializes the status line and header section.
func appendHead(dst []byte, status int, headers *web.Headers, closeAfter bool) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, web.StatusText(status)...)
	dst = append(dst, '\r', '\n')
	headers.Range(func(name, value string) bool {
		dst = append(dst, name...)
		dst = append(dst, ": "...)
		dst = append(dst, value...)
		dst = append(dst, '\r', '\n')
		return true
	})
	if closeAfter && !headers.Has(web.HeaderConnection) {
		dst = append(dst, "connection: close\r\n"...)
	}
	return append(dst, '\r', '\n')
}

// appendSimpleResponse serializes a complete plain-text error response.
func appendSimpleResponse(dst []byte, status int, body string, closeAfter bool) []byte {
	headers := web.NewHeaders()
	headers.Set(web.HeaderContentType, web.ContentTypePlainText)
	headers.Set(web.HeaderContentLength, strconv.Itoa(len(body)))
	dst = appendHead(dst, status, headers, closeAfter)
	return append(dst, body...)
}
