package message

import (
	"io"
	"net/http"
	"strconv"

	"github.com/sirosfoundation/go-conduit/pkg/mep"
)

// Key names a protocol property carried by a Message
type Key string

// Well-known property keys
const (
	EndpointAddress         Key = "message.endpointAddress"
	PathInfo                Key = "message.pathInfo"
	QueryString             Key = "message.queryString"
	ProtocolHeaders         Key = "message.protocolHeaders"
	ContentType             Key = "message.contentType"
	Encoding                Key = "message.encoding"
	ResponseCode            Key = "message.responseCode"
	HTTPRequestMethod       Key = "message.httpRequestMethod"
	Username                Key = "message.username"
	Password                Key = "message.password"
	AuthorizationPolicy     Key = "message.authorizationPolicy"
	DecoupledChannelMessage Key = "message.decoupledChannelMessage"
)

// ResponseCodeHeader is the header field consulted for the response code
// when the underlying connection is not HTTP-typed.
const ResponseCodeHeader = "Response-Code"

// Message is a set of protocol properties plus an owned content stream
type Message struct {
	Exchange *mep.Exchange

	props   map[Key]any
	content io.ReadCloser
}

// New creates an empty message bound to the given exchange
func New(exchange *mep.Exchange) *Message {
	return &Message{
		Exchange: exchange,
		props:    make(map[Key]any),
	}
}

// Put sets a property. A nil value removes it.
func (m *Message) Put(key Key, value any) {
	if m.props == nil {
		m.props = make(map[Key]any)
	}
	if value == nil {
		delete(m.props, key)
		return
	}
	m.props[key] = value
}

// Get returns a property or nil
func (m *Message) Get(key Key) any {
	return m.props[key]
}

// String returns a string property, or "" when absent or of another type
func (m *Message) String(key Key) string {
	s, _ := m.props[key].(string)
	return s
}

// Bool returns a boolean property, false when absent
func (m *Message) Bool(key Key) bool {
	b, _ := m.props[key].(bool)
	return b
}

// Headers returns the protocol headers, staging an empty map if absent
func (m *Message) Headers() http.Header {
	if h, ok := m.props[ProtocolHeaders].(http.Header); ok && h != nil {
		return h
	}
	h := make(http.Header)
	m.Put(ProtocolHeaders, h)
	return h
}

// HasHeaders reports whether protocol headers have been staged
func (m *Message) HasHeaders() bool {
	_, ok := m.props[ProtocolHeaders].(http.Header)
	return ok
}

// ResponseCode returns the recorded response code, or 0 if none
func (m *Message) ResponseCode() int {
	switch v := m.props[ResponseCode].(type) {
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

// IsDecoupled reports whether the message arrived on a decoupled channel
func (m *Message) IsDecoupled() bool {
	return m.Bool(DecoupledChannelMessage)
}

// Content returns the message content stream
func (m *Message) Content() io.ReadCloser {
	return m.content
}

// SetContent replaces the message content stream
func (m *Message) SetContent(rc io.ReadCloser) {
	m.content = rc
}
