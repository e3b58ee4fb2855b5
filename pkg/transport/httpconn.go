package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// HTTPConnectionFactory opens HTTP connections. https targets use the
// configured TLS settings, or the system defaults when none are set.
type HTTPConnectionFactory struct {
	config *HTTPSConfig
}

// NewConnectionFactory creates a connection factory. A nil config yields the
// plain variant.
func NewConnectionFactory(config *HTTPSConfig) *HTTPConnectionFactory {
	return &HTTPConnectionFactory{config: config}
}

// Open implements ConnectionFactory. No network I/O happens until the
// request is committed.
func (f *HTTPConnectionFactory) Open(ctx context.Context, p *Proxy, target *url.URL) (Conn, error) {
	var tlsConfig *tls.Config
	switch strings.ToLower(target.Scheme) {
	case "http":
	case "https":
		if f.config != nil {
			tlsConfig = f.config.ClientTLSConfig()
		}
	default:
		return nil, &IOError{Op: "open", URL: target.String(), Err: ErrUnsupportedScheme}
	}
	return newHTTPConn(ctx, target, p, tlsConfig), nil
}

type httpConn struct {
	target    *url.URL
	proxy     *Proxy
	tlsConfig *tls.Config
	ctx       context.Context
	cancel    context.CancelFunc

	method          string
	header          http.Header
	followRedirects bool
	chunkSize       int
	connectTimeout  time.Duration
	readTimeout     time.Duration
	useCaches       bool

	committed bool
	writer    io.Writer
	buf       *bytes.Buffer

	// chunked streaming state
	pr   *io.PipeReader
	pw   *io.PipeWriter
	bw   *bufio.Writer
	done chan struct{}

	finished  bool
	resp      *http.Response
	err       error
	asyncResp *http.Response
	asyncErr  error

	mu        sync.Mutex
	transport *http.Transport
}

func newHTTPConn(ctx context.Context, target *url.URL, p *Proxy, tlsConfig *tls.Config) *httpConn {
	ctx, cancel := context.WithCancel(ctx)
	return &httpConn{
		target:          target,
		proxy:           p,
		tlsConfig:       tlsConfig,
		ctx:             ctx,
		cancel:          cancel,
		method:          http.MethodPost,
		header:          make(http.Header),
		followRedirects: true,
		useCaches:       true,
	}
}

func (c *httpConn) URL() *url.URL { return c.target }

func (c *httpConn) SetConnectTimeout(d time.Duration) { c.connectTimeout = d }
func (c *httpConn) SetReadTimeout(d time.Duration)    { c.readTimeout = d }

// SetUseCaches records the caching preference. The connection never serves
// responses from a local cache, so disabling caches is always honoured.
func (c *httpConn) SetUseCaches(use bool) { c.useCaches = use }

func (c *httpConn) SetMethod(method string) error {
	if c.committed {
		return ErrHeadersCommitted
	}
	c.method = strings.ToUpper(method)
	return nil
}

func (c *httpConn) Method() string { return c.method }

func (c *httpConn) SetFollowRedirects(follow bool) { c.followRedirects = follow }
func (c *httpConn) FollowRedirects() bool          { return c.followRedirects }

func (c *httpConn) SetChunkedStreaming(chunkSize int) { c.chunkSize = chunkSize }
func (c *httpConn) ChunkSize() int                    { return c.chunkSize }

func (c *httpConn) SetRequestHeader(key, value string) error {
	if c.committed {
		return ErrHeadersCommitted
	}
	c.header.Set(key, value)
	return nil
}

func (c *httpConn) AddRequestHeader(key, value string) error {
	if c.committed {
		return ErrHeadersCommitted
	}
	c.header.Add(key, value)
	return nil
}

// OutputStream freezes the request. In chunked mode the round trip starts
// immediately and body bytes are streamed as they are written; otherwise the
// body is buffered so it can be replayed to a redirect target.
func (c *httpConn) OutputStream() (io.Writer, error) {
	if c.committed {
		return c.writer, nil
	}
	c.committed = true

	if !bodyAllowed(c.method) {
		c.writer = io.Discard
		return c.writer, nil
	}

	if c.chunkSize > 0 {
		client, err := c.client()
		if err != nil {
			return nil, err
		}
		c.pr, c.pw = io.Pipe()
		req, err := c.newRequest(c.pr)
		if err != nil {
			return nil, err
		}
		req.ContentLength = -1
		c.bw = bufio.NewWriterSize(c.pw, c.chunkSize)
		c.writer = c.bw
		c.done = make(chan struct{})
		go c.roundTrip(client, req)
		return c.writer, nil
	}

	c.buf = new(bytes.Buffer)
	c.writer = c.buf
	return c.writer, nil
}

func (c *httpConn) roundTrip(client *http.Client, req *http.Request) {
	defer close(c.done)
	resp, err := client.Do(req)
	if err != nil {
		// unblock a writer still feeding the pipe
		c.pr.CloseWithError(err)
		c.asyncErr = &IOError{Op: "send", URL: c.target.String(), Err: err}
		return
	}
	c.asyncResp = resp
}

func (c *httpConn) response() (*http.Response, error) {
	if !c.finished {
		c.finished = true
		c.resp, c.err = c.complete()
		if c.err != nil {
			c.cancel()
		} else {
			c.resp.Body = &responseBody{
				body:    c.resp.Body,
				url:     c.target.String(),
				timeout: c.readTimeout,
				cancel:  c.cancel,
			}
		}
	}
	return c.resp, c.err
}

func (c *httpConn) complete() (*http.Response, error) {
	if _, err := c.OutputStream(); err != nil {
		return nil, err
	}

	if c.pw != nil {
		if err := c.bw.Flush(); err != nil {
			c.pw.CloseWithError(err)
		} else {
			c.pw.Close()
		}
		<-c.done
		return c.asyncResp, c.asyncErr
	}

	client, err := c.client()
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if c.buf != nil {
		body = bytes.NewReader(c.buf.Bytes())
	}
	req, err := c.newRequest(body)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &IOError{Op: "send", URL: c.target.String(), Err: err}
	}
	return resp, nil
}

func (c *httpConn) newRequest(body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(c.ctx, c.method, c.target.String(), body)
	if err != nil {
		return nil, &IOError{Op: "open", URL: c.target.String(), Err: err}
	}
	req.Header = c.header.Clone()
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	// proxy credentials go to the proxy only: the CONNECT request for
	// tunnels, the SOCKS handshake, or the request itself for plain http
	if !c.forwardsProxyAuthorization() {
		req.Header.Del("Proxy-Authorization")
	}
	return req, nil
}

func (c *httpConn) forwardsProxyAuthorization() bool {
	return c.proxy != nil && c.proxy.Type != ProxySOCKS && strings.EqualFold(c.target.Scheme, "http")
}

// socksAuth derives SOCKS5 username/password from Basic proxy credentials
func (c *httpConn) socksAuth() *proxy.Auth {
	auth := c.header.Get("Proxy-Authorization")
	if auth == "" {
		return nil
	}
	r := &http.Request{Header: http.Header{"Authorization": {auth}}}
	user, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	return &proxy.Auth{User: user, Password: password}
}

func (c *httpConn) client() (*http.Client, error) {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	tr := &http.Transport{
		TLSClientConfig:       c.tlsConfig,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   c.connectTimeout,
		ResponseHeaderTimeout: c.readTimeout,
		DisableKeepAlives:     true,
		DisableCompression:    true,
	}

	if c.proxy != nil {
		switch c.proxy.Type {
		case ProxySOCKS:
			d, err := proxy.SOCKS5("tcp", c.proxy.Address(), c.socksAuth(), dialer)
			if err != nil {
				return nil, &IOError{Op: "proxy", URL: c.target.String(), Err: err}
			}
			if cd, ok := d.(proxy.ContextDialer); ok {
				tr.DialContext = cd.DialContext
			} else {
				tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return d.Dial(network, addr)
				}
			}
		default:
			tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: c.proxy.Address()})
			if auth := c.header.Get("Proxy-Authorization"); auth != "" {
				tr.ProxyConnectHeader = http.Header{"Proxy-Authorization": {auth}}
			}
		}
	}

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	client := &http.Client{Transport: tr}
	if !c.followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client, nil
}

func (c *httpConn) StatusCode() (int, error) {
	resp, err := c.response()
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

func (c *httpConn) HeaderFields() (http.Header, error) {
	resp, err := c.response()
	if err != nil {
		return nil, err
	}
	return resp.Header, nil
}

func (c *httpConn) ContentLength() (int64, error) {
	resp, err := c.response()
	if err != nil {
		return -1, err
	}
	return resp.ContentLength, nil
}

func (c *httpConn) InputStream() (io.ReadCloser, error) {
	resp, err := c.response()
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *httpConn) ErrorStream() (io.ReadCloser, error) {
	resp, err := c.response()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil, nil
	}
	return resp.Body, nil
}

// Disconnect may be called from another goroutine to abort a blocked exchange
func (c *httpConn) Disconnect() error {
	c.cancel()
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr != nil {
		tr.CloseIdleConnections()
	}
	return nil
}

// responseBody bounds every Read by the read timeout and releases the
// request context once the body is closed
type responseBody struct {
	body    io.ReadCloser
	url     string
	timeout time.Duration
	cancel  context.CancelFunc
	expired bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	if b.expired {
		return 0, &IOError{Op: "read", URL: b.url, Err: ErrReadTimeout}
	}
	if b.timeout <= 0 {
		return b.body.Read(p)
	}

	timer := time.AfterFunc(b.timeout, b.cancel)
	n, err := b.body.Read(p)
	if !timer.Stop() {
		b.expired = true
		return n, &IOError{Op: "read", URL: b.url, Err: ErrReadTimeout}
	}
	return n, err
}

func (b *responseBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}

func bodyAllowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}
