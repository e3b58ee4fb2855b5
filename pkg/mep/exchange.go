package mep

import "github.com/google/uuid"

// MEPType represents a Message Exchange Pattern type
type MEPType string

const (
	// OneWay is a one-way MEP: no application-level response is expected
	OneWay MEPType = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"

	// TwoWay is a request/response MEP
	TwoWay MEPType = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// MEPBinding represents how a MEP maps onto transport connections
type MEPBinding string

const (
	// Push binding: response (if any) on the request connection
	Push MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"

	// PushAndPush binding: response pushed back on a separate connection
	PushAndPush MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"
)

// Exchange represents one logical request/response pair
type Exchange struct {
	ID      string
	Type    MEPType
	Binding MEPBinding

	// For correlation
	MessageID string
	RelatesTo string
}

// NewExchange creates an exchange of the given type with fresh identifiers
func NewExchange(t MEPType) *Exchange {
	return &Exchange{
		ID:        uuid.NewString(),
		Type:      t,
		Binding:   Push,
		MessageID: NewMessageID(),
	}
}

// NewMessageID returns a WS-Addressing style message identifier
func NewMessageID() string {
	return "urn:uuid:" + uuid.NewString()
}

// IsOneWay reports whether no application-level response is expected
func (e *Exchange) IsOneWay() bool {
	return e != nil && e.Type == OneWay
}
