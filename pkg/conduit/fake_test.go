package conduit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

// trackingBody records whether it was fully read and closed
type trackingBody struct {
	r      *strings.Reader
	closed bool
}

func newTrackingBody(s string) *trackingBody {
	return &trackingBody{r: strings.NewReader(s)}
}

func (b *trackingBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *trackingBody) Close() error               { b.closed = true; return nil }
func (b *trackingBody) drained() bool              { return b.r.Len() == 0 }

// fakeConn is a non-HTTP connection
type fakeConn struct {
	target *url.URL

	connectTimeout time.Duration
	readTimeout    time.Duration
	useCaches      bool

	header    http.Header
	committed bool
	body      bytes.Buffer

	respHeader   http.Header
	respLength   int64
	respBody     *trackingBody
	disconnected bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		header:     make(http.Header),
		useCaches:  true,
		respHeader: make(http.Header),
		respLength: -1,
		respBody:   newTrackingBody(""),
	}
}

func (c *fakeConn) URL() *url.URL                     { return c.target }
func (c *fakeConn) SetConnectTimeout(d time.Duration) { c.connectTimeout = d }
func (c *fakeConn) SetReadTimeout(d time.Duration)    { c.readTimeout = d }
func (c *fakeConn) SetUseCaches(use bool)             { c.useCaches = use }

func (c *fakeConn) SetRequestHeader(key, value string) error {
	if c.committed {
		return transport.ErrHeadersCommitted
	}
	c.header.Set(key, value)
	return nil
}

func (c *fakeConn) AddRequestHeader(key, value string) error {
	if c.committed {
		return transport.ErrHeadersCommitted
	}
	c.header.Add(key, value)
	return nil
}

func (c *fakeConn) OutputStream() (io.Writer, error) {
	c.committed = true
	return &c.body, nil
}

func (c *fakeConn) HeaderFields() (http.Header, error)  { return c.respHeader, nil }
func (c *fakeConn) ContentLength() (int64, error)       { return c.respLength, nil }
func (c *fakeConn) InputStream() (io.ReadCloser, error) { return c.respBody, nil }
func (c *fakeConn) Disconnect() error                   { c.disconnected = true; return nil }

// fakeHTTPConn adds the HTTP specific controls
type fakeHTTPConn struct {
	*fakeConn

	method    string
	follow    bool
	chunkSize int

	status  int
	errBody *trackingBody
}

func newFakeHTTPConn(status int) *fakeHTTPConn {
	return &fakeHTTPConn{
		fakeConn: newFakeConn(),
		method:   http.MethodPost,
		follow:   true,
		status:   status,
	}
}

func (c *fakeHTTPConn) SetMethod(method string) error {
	if c.committed {
		return transport.ErrHeadersCommitted
	}
	c.method = method
	return nil
}

func (c *fakeHTTPConn) Method() string                    { return c.method }
func (c *fakeHTTPConn) SetFollowRedirects(follow bool)    { c.follow = follow }
func (c *fakeHTTPConn) FollowRedirects() bool             { return c.follow }
func (c *fakeHTTPConn) SetChunkedStreaming(chunkSize int) { c.chunkSize = chunkSize }
func (c *fakeHTTPConn) ChunkSize() int                    { return c.chunkSize }
func (c *fakeHTTPConn) StatusCode() (int, error)          { return c.status, nil }

func (c *fakeHTTPConn) ErrorStream() (io.ReadCloser, error) {
	if c.errBody == nil {
		return nil, nil
	}
	return c.errBody, nil
}

// fakeFactory hands out a prepared connection and records every Open
type fakeFactory struct {
	mu      sync.Mutex
	conn    transport.Conn
	targets []*url.URL
	proxies []*transport.Proxy
}

func (f *fakeFactory) Open(_ context.Context, p *transport.Proxy, target *url.URL) (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.proxies = append(f.proxies, p)
	switch c := f.conn.(type) {
	case *fakeConn:
		c.target = target
	case *fakeHTTPConn:
		c.target = target
	}
	return f.conn, nil
}

func (f *fakeFactory) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

// recorder is a message observer keeping every message and its content
type recorder struct {
	mu       sync.Mutex
	messages []*message.Message
	bodies   []string
	err      error
}

func (r *recorder) OnMessage(msg *message.Message) error {
	var body string
	rc := msg.Content()
	if rc != nil {
		data, _ := io.ReadAll(rc)
		body = string(data)
	}

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.bodies = append(r.bodies, body)
	err := r.err
	r.mu.Unlock()

	// closing answers a decoupled call, so record first
	if rc != nil {
		rc.Close()
	}
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
