package transport

import "github.com/sirosfoundation/go-conduit/pkg/message"

// MessageObserver receives inbound messages. OnMessage runs on the
// goroutine that produced the message and must consume the content stream
// before returning.
type MessageObserver interface {
	OnMessage(msg *message.Message) error
}

// MessageObserverFunc adapts a function to MessageObserver
type MessageObserverFunc func(msg *message.Message) error

// OnMessage implements MessageObserver
func (f MessageObserverFunc) OnMessage(msg *message.Message) error {
	return f(msg)
}
