package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

var (
	// ErrConnectionFailed is returned when a connection cannot be opened or
	// the exchange on it fails
	ErrConnectionFailed = errors.New("connection failed")
	// ErrDecoupledUnavailable is returned when a message is dispatched to a
	// decoupled destination whose endpoint could not be set up
	ErrDecoupledUnavailable = errors.New("decoupled endpoint unavailable")
	// ErrNoObserver is returned when a response arrives and nobody listens
	ErrNoObserver = errors.New("no message observer registered")
	// ErrInvalidAddress is returned for malformed target or decoupled addresses
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNoRegistry is returned when a decoupled endpoint is configured
	// without a listener registry
	ErrNoRegistry = errors.New("no listener registry configured")
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("conduit closed")
	// ErrRequestFinished is returned when a finished request is used again
	ErrRequestFinished = errors.New("request already finished")
)

// Config holds configuration for a Conduit
type Config struct {
	// Address is the default target URL
	Address string

	// Client defaults to DefaultClientPolicy when nil
	Client             *ClientPolicy
	Authorization      *AuthorizationPolicy
	ProxyAuthorization *AuthorizationPolicy

	// ConnectionFactory defaults to an HTTP factory using TLS
	ConnectionFactory transport.ConnectionFactory
	TLS               *transport.HTTPSConfig

	// Registry hosts decoupled endpoints; required when
	// Client.DecoupledEndpoint is set
	Registry *transport.Registry

	Logger *slog.Logger
}

// Conduit sends messages to one target address and hands responses to its
// message observer
type Conduit struct {
	address   *url.URL
	policy    ClientPolicy
	auth      *AuthorizationPolicy
	proxyAuth *AuthorizationPolicy
	factory   transport.ConnectionFactory
	registry  *transport.Registry
	logger    *slog.Logger

	observerMu sync.RWMutex
	observer   transport.MessageObserver

	backMu sync.Mutex
	dest   *DecoupledDestination
	handle *decoupledHandle

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a conduit for the configured address
func New(config Config) (*Conduit, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	address, err := url.Parse(config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	policy := DefaultClientPolicy()
	if config.Client != nil {
		policy = *config.Client
	}
	if config.ConnectionFactory == nil {
		config.ConnectionFactory = transport.NewConnectionFactory(config.TLS)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Conduit{
		address:   address,
		policy:    policy,
		auth:      config.Authorization,
		proxyAuth: config.ProxyAuthorization,
		factory:   config.ConnectionFactory,
		registry:  config.Registry,
		logger:    config.Logger.With(slog.String("target", address.String())),
	}, nil
}

// Address returns the configured target
func (c *Conduit) Address() *url.URL {
	return c.address
}

// SetMessageObserver sets the observer that receives responses, both those
// read back on the request connection and, through the back channel, those
// delivered to the decoupled endpoint
func (c *Conduit) SetMessageObserver(observer transport.MessageObserver) {
	c.observerMu.Lock()
	c.observer = observer
	c.observerMu.Unlock()

	c.backMu.Lock()
	dest := c.dest
	c.backMu.Unlock()
	if dest != nil {
		dest.SetMessageObserver(observer)
	}
}

// MessageObserver returns the current response observer
func (c *Conduit) MessageObserver() transport.MessageObserver {
	c.observerMu.RLock()
	defer c.observerMu.RUnlock()
	return c.observer
}

// Send opens a connection for msg and returns the request to write the
// body to. Headers remain mutable until the body is first written.
func (c *Conduit) Send(ctx context.Context, msg *message.Message) (*Request, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	target, err := c.resolveURL(msg)
	if err != nil {
		return nil, err
	}

	conn, err := c.factory.Open(ctx, c.policy.proxy(), target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	conn.SetConnectTimeout(c.policy.ConnectionTimeout)
	conn.SetReadTimeout(c.policy.ReceiveTimeout)
	conn.SetUseCaches(false)

	if hc, ok := conn.(transport.HTTPConn); ok {
		method := msg.String(message.HTTPRequestMethod)
		if method == "" {
			method = http.MethodPost
		}
		if err := hc.SetMethod(method); err != nil {
			conn.Disconnect()
			return nil, err
		}
		if c.policy.AutoRedirect {
			hc.SetFollowRedirects(true)
		} else {
			hc.SetFollowRedirects(false)
			if !strings.EqualFold(method, http.MethodGet) && c.policy.AllowChunking {
				hc.SetChunkedStreaming(ChunkSize)
			}
		}
	}

	headers := msg.Headers()
	if v := authorization(msg, c.auth); v != "" {
		headers.Set("Authorization", v)
	}
	if v := proxyAuthorization(c.proxyAuth); v != "" {
		headers.Set("Proxy-Authorization", v)
	}
	c.policy.setHeaders(headers)

	c.logger.Debug("sending message",
		slog.String("url", target.String()),
		slog.String("exchange", exchangeID(msg)))

	return &Request{
		conduit: c,
		msg:     msg,
		conn:    conn,
		header:  headers,
	}, nil
}

// resolveURL derives the effective address of msg: its own endpoint
// address or the configured one, extended with path info and query string
func (c *Conduit) resolveURL(msg *message.Message) (*url.URL, error) {
	address := msg.String(message.EndpointAddress)
	if address == "" {
		address = c.address.String()
	}
	if pathInfo := msg.String(message.PathInfo); pathInfo != "" && !strings.HasSuffix(address, pathInfo) {
		address += pathInfo
	}
	if query := msg.String(message.QueryString); query != "" {
		address += "?" + query
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return u, nil
}

// BackChannel returns the decoupled destination of this conduit, setting
// it up on first use. It returns nil when no decoupled endpoint is
// configured. A destination whose endpoint could not be set up has a nil
// Address and reports the cause through Err.
func (c *Conduit) BackChannel() *DecoupledDestination {
	if c.policy.DecoupledEndpoint == "" {
		return nil
	}

	c.backMu.Lock()
	defer c.backMu.Unlock()
	if c.dest == nil {
		c.dest = c.setUpDecoupledDestination()
	}
	return c.dest
}

func (c *Conduit) setUpDecoupledDestination() *DecoupledDestination {
	endpoint := c.policy.DecoupledEndpoint
	dest := &DecoupledDestination{observer: c.MessageObserver()}
	logger := c.logger.With(slog.String("endpoint", endpoint))

	address, err := c.attachDecoupled(endpoint, dest)
	if err != nil {
		logger.Warn("decoupled endpoint creation failed", slog.String("error", err.Error()))
		dest.err = err
		return dest
	}

	logger.Info("decoupled endpoint created")
	dest.address = address
	c.handle = &decoupledHandle{registry: c.registry, address: address, logger: c.logger}
	return dest
}

func (c *Conduit) attachDecoupled(endpoint string, dest *DecoupledDestination) (*url.URL, error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !address.IsAbs() || address.Host == "" {
		return nil, fmt.Errorf("%w: %s is not absolute", ErrInvalidAddress, endpoint)
	}
	if c.registry == nil {
		return nil, ErrNoRegistry
	}

	_, _, err = c.registry.Attach(address, func() transport.SharedServant {
		return newDecoupledHandler(dest, c.logger)
	})
	if err != nil {
		return nil, err
	}
	return address, nil
}

// Close releases the decoupled endpoint, if any, and disconnects from the
// target. It is safe to call more than once.
func (c *Conduit) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if conn, err := c.factory.Open(context.Background(), c.policy.proxy(), c.address); err == nil {
			conn.Disconnect()
		}

		c.backMu.Lock()
		handle := c.handle
		c.backMu.Unlock()
		if handle != nil {
			handle.Release()
		}
	})
	return nil
}

func exchangeID(msg *message.Message) string {
	if msg.Exchange == nil {
		return ""
	}
	return msg.Exchange.ID
}
