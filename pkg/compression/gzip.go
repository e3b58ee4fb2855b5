package compression

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// EncodingGzip is the standard GZIP content coding
	EncodingGzip = "gzip"
	// EncodingXGzip is the legacy alias for gzip
	EncodingXGzip = "x-gzip"
	// EncodingIdentity means no transformation
	EncodingIdentity = "identity"
)

// ErrUnsupportedEncoding is returned for content codings that cannot be decoded
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// IsGzip reports whether the Content-Encoding value denotes gzip
func IsGzip(contentEncoding string) bool {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case EncodingGzip, EncodingXGzip:
		return true
	}
	return false
}

// NewReader wraps body so that reads yield decoded content.
// Closing the returned reader closes body.
func NewReader(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch enc {
	case "", EncodingIdentity:
		return body, nil
	case EncodingGzip, EncodingXGzip:
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &gzipBody{zr: zr, body: body}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, contentEncoding)
	}
}

type gzipBody struct {
	zr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) {
	return g.zr.Read(p)
}

func (g *gzipBody) Close() error {
	zerr := g.zr.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}
