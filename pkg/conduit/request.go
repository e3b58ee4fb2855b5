package conduit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirosfoundation/go-conduit/pkg/compression"
	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

// Request is one outbound message in flight. Headers may be changed until
// Body or Write is first called; Finish completes the body and processes
// the response.
type Request struct {
	conduit *Conduit
	msg     *message.Message
	conn    transport.Conn
	header  http.Header

	body     io.Writer
	finished bool
}

// Header returns the staged request headers
func (r *Request) Header() http.Header {
	return r.header
}

// Committed reports whether the headers have been sent
func (r *Request) Committed() bool {
	return r.body != nil
}

// Body freezes the headers and returns the body writer
func (r *Request) Body() (io.Writer, error) {
	if r.finished {
		return nil, ErrRequestFinished
	}
	if r.body != nil {
		return r.body, nil
	}

	if err := r.conn.SetRequestHeader("Content-Type", r.contentType()); err != nil {
		return nil, err
	}
	for key, values := range r.header {
		if http.CanonicalHeaderKey(key) == "Content-Type" {
			continue
		}
		for _, v := range values {
			if err := r.conn.AddRequestHeader(key, v); err != nil {
				return nil, err
			}
		}
	}

	w, err := r.conn.OutputStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	r.body = w
	return w, nil
}

// Write appends p to the request body
func (r *Request) Write(p []byte) (int, error) {
	w, err := r.Body()
	if err != nil {
		return 0, err
	}
	return w.Write(p)
}

// Finish completes the request and handles the response on the calling
// goroutine. For oneway exchanges without a partial response the
// response is discarded and no observer is called.
func (r *Request) Finish() error {
	if r.finished {
		return ErrRequestFinished
	}
	if _, err := r.Body(); err != nil {
		r.conn.Disconnect()
		return err
	}
	r.finished = true
	return r.conduit.handleResponse(r.msg, r.conn)
}

func (r *Request) contentType() string {
	ct := r.msg.String(message.ContentType)
	if ct == "" {
		ct = r.header.Get("Content-Type")
	}
	if ct == "" {
		ct = message.ContentTypeTextXML
	}
	if enc := r.msg.String(message.Encoding); enc != "" && !strings.Contains(ct, "charset=") {
		ct += "; charset=" + enc
	}
	return ct
}

func (c *Conduit) handleResponse(out *message.Message, conn transport.Conn) error {
	code, err := responseCode(conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if out.Exchange.IsOneWay() {
		partial, err := isPartialResponse(conn, code)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		if !partial {
			if in, err := conn.InputStream(); err == nil && in != nil {
				io.Copy(io.Discard, in)
				in.Close()
			}
			c.logger.Debug("oneway exchange completed", slog.Int("status", code))
			return nil
		}
	}

	fields, err := conn.HeaderFields()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	headers := make(http.Header, len(fields))
	for key, values := range fields {
		ck := http.CanonicalHeaderKey(key)
		headers[ck] = append(headers[ck], values...)
	}

	in := message.New(out.Exchange)
	in.Put(message.ProtocolHeaders, headers)
	in.Put(message.ResponseCode, code)
	if ct := headers.Get("Content-Type"); ct != "" {
		in.Put(message.ContentType, ct)
		if _, params, err := mime.ParseMediaType(ct); err == nil && params["charset"] != "" {
			in.Put(message.Encoding, params["charset"])
		}
	}

	body, err := responseBody(conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if body != nil {
		if body, err = decode(body, headers.Get("Content-Encoding")); err != nil {
			return err
		}
	}
	in.SetContent(body)

	observer := c.MessageObserver()
	if observer == nil {
		if body != nil {
			body.Close()
		}
		return ErrNoObserver
	}
	return observer.OnMessage(in)
}

// responseCode reads the status of an HTTP connection, or the
// Response-Code header field of any other connection (200 when absent)
func responseCode(conn transport.Conn) (int, error) {
	if hc, ok := conn.(transport.HTTPConn); ok {
		return hc.StatusCode()
	}
	fields, err := conn.HeaderFields()
	if err != nil {
		return 0, err
	}
	if v := fields.Get(message.ResponseCodeHeader); v != "" {
		if code, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return code, nil
		}
	}
	return http.StatusOK, nil
}

// isPartialResponse reports a 202 carrying a body; unknown length counts
func isPartialResponse(conn transport.Conn, code int) (bool, error) {
	if code != http.StatusAccepted {
		return false, nil
	}
	n, err := conn.ContentLength()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// responseBody prefers the error stream of an HTTP connection
func responseBody(conn transport.Conn) (io.ReadCloser, error) {
	if hc, ok := conn.(transport.HTTPConn); ok {
		es, err := hc.ErrorStream()
		if err != nil {
			return nil, err
		}
		if es != nil {
			return es, nil
		}
	}
	return conn.InputStream()
}

func decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if !compression.IsGzip(contentEncoding) {
		return body, nil
	}
	decoded, err := compression.NewReader(body, contentEncoding)
	if errors.Is(err, io.EOF) {
		// empty gzip-labelled body
		return body, nil
	}
	if err != nil {
		body.Close()
		return nil, err
	}
	return decoded, nil
}
