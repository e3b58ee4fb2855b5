package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrHeadersCommitted is returned when request headers are changed after
	// the body stream was obtained
	ErrHeadersCommitted = errors.New("request headers already committed")
	// ErrUnsupportedScheme is returned for targets other than http and https
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	// ErrReadTimeout is returned when a response body stalls for longer
	// than the read timeout
	ErrReadTimeout = errors.New("read timed out")
)

// ProxyType selects the protocol spoken to a proxy server
type ProxyType string

const (
	ProxyHTTP  ProxyType = "HTTP"
	ProxySOCKS ProxyType = "SOCKS"
)

// Proxy describes an outbound proxy server
type Proxy struct {
	Type ProxyType
	Host string
	Port int
}

// Address returns host:port of the proxy
func (p *Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// IOError reports a transport-level failure on a connection
type IOError struct {
	Op  string
	URL string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Conn is one outbound connection, used for exactly one request/response
// cycle. Request headers may be changed until OutputStream is called; the
// response accessors block until the response is available.
type Conn interface {
	URL() *url.URL

	SetConnectTimeout(d time.Duration)
	SetReadTimeout(d time.Duration)
	SetUseCaches(use bool)

	// SetRequestHeader replaces and AddRequestHeader appends a request header
	SetRequestHeader(key, value string) error
	AddRequestHeader(key, value string) error

	// OutputStream commits the request headers and returns the body writer
	OutputStream() (io.Writer, error)

	HeaderFields() (http.Header, error)
	// ContentLength returns the response content length, -1 if unknown
	ContentLength() (int64, error)
	InputStream() (io.ReadCloser, error)

	// Disconnect aborts any in-flight exchange on the connection
	Disconnect() error
}

// HTTPConn is a Conn speaking HTTP, with method, redirect and framing control
type HTTPConn interface {
	Conn

	SetMethod(method string) error
	Method() string

	SetFollowRedirects(follow bool)
	FollowRedirects() bool

	// SetChunkedStreaming enables chunked transfer with the given chunk size
	SetChunkedStreaming(chunkSize int)
	ChunkSize() int

	StatusCode() (int, error)
	// ErrorStream returns the response body for non-2xx responses, nil otherwise
	ErrorStream() (io.ReadCloser, error)
}

// ConnectionFactory opens outbound connections
type ConnectionFactory interface {
	Open(ctx context.Context, proxy *Proxy, target *url.URL) (Conn, error)
}

// ConnectionFactoryFunc adapts a function to ConnectionFactory
type ConnectionFactoryFunc func(ctx context.Context, proxy *Proxy, target *url.URL) (Conn, error)

// Open implements ConnectionFactory
func (f ConnectionFactoryFunc) Open(ctx context.Context, proxy *Proxy, target *url.URL) (Conn, error) {
	return f(ctx, proxy, target)
}
