package conduit

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirosfoundation/go-conduit/pkg/mep"
	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

// DecoupledDestination is the inbound endpoint that receives responses
// delivered on a separate channel
type DecoupledDestination struct {
	address *url.URL
	err     error

	mu       sync.Mutex
	observer transport.MessageObserver
}

// Address returns the resolved endpoint, nil if resolution failed
func (d *DecoupledDestination) Address() *url.URL {
	return d.address
}

// Err reports why the destination has no address
func (d *DecoupledDestination) Err() error {
	return d.err
}

// SetMessageObserver replaces the observer inbound responses are delivered to
func (d *DecoupledDestination) SetMessageObserver(observer transport.MessageObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = observer
}

// MessageObserver returns the current observer
func (d *DecoupledDestination) MessageObserver() transport.MessageObserver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observer
}

// Dispatch delivers msg to the current observer on the calling goroutine
func (d *DecoupledDestination) Dispatch(msg *message.Message) error {
	if d.address == nil {
		if d.err != nil {
			return fmt.Errorf("%w: %v", ErrDecoupledUnavailable, d.err)
		}
		return ErrDecoupledUnavailable
	}
	observer := d.MessageObserver()
	if observer == nil {
		return ErrNoObserver
	}
	return observer.OnMessage(msg)
}

// decoupledHandler is the servant bound to a decoupled endpoint. It is
// shared by every conduit attached to the same address.
type decoupledHandler struct {
	dest   *DecoupledDestination
	logger *slog.Logger

	mu   sync.Mutex
	refs int
}

func newDecoupledHandler(dest *DecoupledDestination, logger *slog.Logger) *decoupledHandler {
	return &decoupledHandler{dest: dest, logger: logger}
}

func (h *decoupledHandler) Duplicate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs++
	return h.refs
}

func (h *decoupledHandler) Release() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs < 0 {
		panic("conduit: decoupled handler released more often than duplicated")
	}
	return h.refs
}

func (h *decoupledHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body := &inboundBody{body: req.Body, w: w}
	defer body.Close()

	msg := message.New(mep.NewExchange(mep.TwoWay))
	msg.Put(message.DecoupledChannelMessage, true)
	msg.Put(message.ProtocolHeaders, req.Header.Clone())
	if ct := req.Header.Get("Content-Type"); ct != "" {
		msg.Put(message.ContentType, ct)
		if _, params, err := mime.ParseMediaType(ct); err == nil && params["charset"] != "" {
			msg.Put(message.Encoding, params["charset"])
		}
	}
	msg.Put(message.ResponseCode, http.StatusOK)
	msg.SetContent(body)

	if err := h.dest.Dispatch(msg); err != nil {
		h.logger.Error("decoupled response dispatch failed",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()))
		body.status = http.StatusInternalServerError
	}
}

// inboundBody wraps the request body of a decoupled response. The first
// Close drains the body, answers the physical call and flushes it.
type inboundBody struct {
	body   io.ReadCloser
	w      http.ResponseWriter
	status int

	once sync.Once
	err  error
}

func (b *inboundBody) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *inboundBody) Close() error {
	b.once.Do(func() {
		io.Copy(io.Discard, b.body)
		b.err = b.body.Close()

		status := b.status
		if status == 0 {
			status = http.StatusOK
		}
		b.w.WriteHeader(status)
		if f, ok := b.w.(http.Flusher); ok {
			f.Flush()
		}
	})
	return b.err
}

// decoupledHandle is the single reference a conduit holds on its handler
type decoupledHandle struct {
	registry *transport.Registry
	address  *url.URL
	logger   *slog.Logger
	once     sync.Once
}

func (h *decoupledHandle) Release() {
	h.once.Do(func() {
		remaining, err := h.registry.Detach(h.address)
		if err != nil {
			h.logger.Warn("releasing decoupled endpoint failed",
				slog.String("address", h.address.String()),
				slog.String("error", err.Error()))
			return
		}
		h.logger.Debug("decoupled endpoint released",
			slog.String("address", h.address.String()),
			slog.Int("remaining", remaining))
	})
}
