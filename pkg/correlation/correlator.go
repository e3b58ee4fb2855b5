package correlation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-conduit/pkg/mep"
	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

const (
	// RelatesToHeader carries the id of the request a decoupled response
	// answers, for payloads that are not SOAP envelopes
	RelatesToHeader = "X-Relates-To"
	// MessageIDHeader carries the id of an outbound request
	MessageIDHeader = "X-Message-ID"
	// ReplyToHeader tells the peer where to deliver a decoupled response
	ReplyToHeader = "X-Reply-To"

	// DefaultMaxEnvelopeSize bounds how much of a decoupled response is
	// buffered to look for a RelatesTo header
	DefaultMaxEnvelopeSize = 10 << 20
)

var (
	// ErrUncorrelated is returned for responses that match no tracked
	// exchange when no fallback observer is set
	ErrUncorrelated = errors.New("response matches no pending exchange")
	// ErrDuplicate is returned for a second response to the same request
	ErrDuplicate = errors.New("duplicate response")
	// ErrAlreadyTracked is returned when an exchange is tracked twice
	ErrAlreadyTracked = errors.New("exchange already tracked")
	// ErrNoMessageID is returned when tracking an exchange without MessageID
	ErrNoMessageID = errors.New("exchange has no message id")
)

// Correlator routes responses back to the exchange that caused them. It is
// installed as the message observer of one or more conduits; synchronous
// responses carry their exchange already, decoupled responses are matched
// by the id they relate to.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingExchange

	// ids answered recently, for duplicate detection
	answered        map[string]time.Time
	duplicateWindow time.Duration

	fallback        transport.MessageObserver
	logger          *slog.Logger
	maxEnvelopeSize int64
}

type pendingExchange struct {
	exchange  *mep.Exchange
	observer  transport.MessageObserver
	trackedAt time.Time
}

// Config holds configuration for a Correlator
type Config struct {
	// Fallback receives messages that match no tracked exchange
	Fallback transport.MessageObserver
	// DuplicateWindow is how long answered ids are remembered
	DuplicateWindow time.Duration
	// MaxEnvelopeSize defaults to DefaultMaxEnvelopeSize
	MaxEnvelopeSize int64
	Logger          *slog.Logger
}

// NewCorrelator creates an empty correlator
func NewCorrelator(config Config) *Correlator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxEnvelopeSize <= 0 {
		config.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
	if config.DuplicateWindow <= 0 {
		config.DuplicateWindow = 10 * time.Minute
	}
	return &Correlator{
		pending:         make(map[string]*pendingExchange),
		answered:        make(map[string]time.Time),
		duplicateWindow: config.DuplicateWindow,
		fallback:        config.Fallback,
		logger:          config.Logger,
		maxEnvelopeSize: config.MaxEnvelopeSize,
	}
}

// Track registers an exchange awaiting a response. The observer receives
// the response with the exchange restored.
func (c *Correlator) Track(exchange *mep.Exchange, observer transport.MessageObserver) error {
	if exchange == nil || exchange.MessageID == "" {
		return ErrNoMessageID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[exchange.MessageID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, exchange.MessageID)
	}
	c.pending[exchange.MessageID] = &pendingExchange{
		exchange:  exchange,
		observer:  observer,
		trackedAt: time.Now(),
	}
	return nil
}

// Untrack forgets an exchange
func (c *Correlator) Untrack(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, messageID)
}

// Pending returns the number of tracked exchanges
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether messageID is awaiting a response
func (c *Correlator) IsPending(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[messageID]
	return ok
}

// Sweep drops exchanges tracked longer than maxAge and expired duplicate
// detection entries. It returns the number of exchanges dropped.
func (c *Correlator) Sweep(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	dropped := 0
	for id, p := range c.pending {
		if now.Sub(p.trackedAt) > maxAge {
			delete(c.pending, id)
			dropped++
		}
	}
	for id, at := range c.answered {
		if now.Sub(at) > c.duplicateWindow {
			delete(c.answered, id)
		}
	}
	if dropped > 0 {
		c.logger.Info("dropped stale exchanges", slog.Int("count", dropped))
	}
	return dropped
}

// OnMessage implements transport.MessageObserver
func (c *Correlator) OnMessage(msg *message.Message) error {
	if !msg.IsDecoupled() {
		return c.onSynchronous(msg)
	}
	return c.onDecoupled(msg)
}

func (c *Correlator) onSynchronous(msg *message.Message) error {
	if msg.Exchange == nil {
		return c.unmatched(msg, "")
	}
	id := msg.Exchange.MessageID

	c.mu.Lock()
	p, ok := c.pending[id]
	// a partial response on the request connection leaves the exchange
	// waiting for its decoupled response
	if ok && msg.ResponseCode() != 202 {
		delete(c.pending, id)
		c.answered[id] = time.Now()
	}
	c.mu.Unlock()

	if !ok {
		return c.unmatched(msg, id)
	}
	return c.deliver(p.observer, msg)
}

func (c *Correlator) onDecoupled(msg *message.Message) error {
	id, err := c.relatesTo(msg)
	if err != nil {
		return err
	}
	if id == "" {
		return c.unmatched(msg, "")
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.answered[id] = time.Now()
	}
	at, seen := c.answered[id]
	c.mu.Unlock()

	if !ok {
		if seen && time.Since(at) < c.duplicateWindow {
			drain(msg)
			c.logger.Warn("duplicate decoupled response", slog.String("relatesTo", id))
			return fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
		return c.unmatched(msg, id)
	}

	p.exchange.RelatesTo = id
	msg.Exchange = p.exchange
	c.logger.Debug("decoupled response correlated",
		slog.String("relatesTo", id),
		slog.String("exchange", p.exchange.ID))
	return c.deliver(p.observer, msg)
}

func (c *Correlator) deliver(observer transport.MessageObserver, msg *message.Message) error {
	if observer == nil {
		observer = c.fallback
	}
	if observer == nil {
		drain(msg)
		return ErrUncorrelated
	}
	return observer.OnMessage(msg)
}

func (c *Correlator) unmatched(msg *message.Message, id string) error {
	if c.fallback != nil {
		return c.fallback.OnMessage(msg)
	}
	drain(msg)
	c.logger.Warn("uncorrelated response", slog.String("relatesTo", id))
	if id == "" {
		return ErrUncorrelated
	}
	return fmt.Errorf("%w: %s", ErrUncorrelated, id)
}

// relatesTo finds the id a decoupled response answers: the RelatesTo HTTP
// header, or the WS-Addressing RelatesTo element of a SOAP envelope. The
// content is buffered and restored so the observer can still read it.
func (c *Correlator) relatesTo(msg *message.Message) (string, error) {
	if msg.HasHeaders() {
		if id := strings.TrimSpace(msg.Headers().Get(RelatesToHeader)); id != "" {
			return id, nil
		}
	}

	body := msg.Content()
	if body == nil || !isXML(msg.String(message.ContentType)) {
		return "", nil
	}

	data, err := io.ReadAll(io.LimitReader(body, c.maxEnvelopeSize))
	if err != nil {
		return "", fmt.Errorf("failed to read decoupled response: %w", err)
	}
	msg.SetContent(&replayBody{Reader: io.MultiReader(bytes.NewReader(data), body), body: body})

	return envelopeRelatesTo(data), nil
}

func envelopeRelatesTo(data []byte) string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return ""
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return ""
	}
	switch root.NamespaceURI() {
	case message.NsSOAP11Env, message.NsSOAP12Env:
	default:
		return ""
	}

	for _, header := range root.ChildElements() {
		if header.Tag != "Header" {
			continue
		}
		for _, el := range header.ChildElements() {
			if el.Tag != "RelatesTo" {
				continue
			}
			switch el.NamespaceURI() {
			case message.NsWSA, message.NsWSA200408:
				return strings.TrimSpace(el.Text())
			}
		}
	}
	return ""
}

func isXML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "xml")
}

// replayBody re-serves buffered bytes ahead of the rest of the original
// stream; closing it closes the original
type replayBody struct {
	io.Reader
	body io.ReadCloser
}

func (r *replayBody) Close() error {
	return r.body.Close()
}

func drain(msg *message.Message) {
	if rc := msg.Content(); rc != nil {
		io.Copy(io.Discard, rc)
		rc.Close()
	}
}
