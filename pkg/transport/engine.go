package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrProtocolMismatch is returned when a port is requested with a
	// different protocol than the one its listener was created for
	ErrProtocolMismatch = errors.New("listener protocol mismatch")
	// ErrServantNotFound is returned when no servant is bound to an address
	ErrServantNotFound = errors.New("servant not found")
	// ErrServantExists is returned when an address already has a servant
	ErrServantExists = errors.New("servant already registered")
	// ErrNotShared is returned when Attach or Detach meets a servant that
	// is not reference counted
	ErrNotShared = errors.New("servant is not reference counted")
)

// SharedServant is a servant owned collectively by several attachments.
// Duplicate and Release return the reference count after the change.
type SharedServant interface {
	http.Handler
	Duplicate() int
	Release() int
}

// ListenFunc opens the physical listener for an engine
type ListenFunc func(network, address string) (net.Listener, error)

// Registry is the process-wide set of listeners, one per port
type Registry struct {
	mu      sync.Mutex
	engines map[int]*ServerEngine

	listen       ListenFunc
	tlsConfig    *HTTPSConfig
	logger       *slog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithListenFunc replaces net.Listen for opening listeners
func WithListenFunc(fn ListenFunc) RegistryOption {
	return func(r *Registry) { r.listen = fn }
}

// WithTLSConfig sets the TLS settings used by https listeners
func WithTLSConfig(config *HTTPSConfig) RegistryOption {
	return func(r *Registry) { r.tlsConfig = config }
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithServerTimeouts sets read, write and idle timeouts of the listeners
func WithServerTimeouts(read, write, idle time.Duration) RegistryOption {
	return func(r *Registry) {
		r.readTimeout = read
		r.writeTimeout = write
		r.idleTimeout = idle
	}
}

// NewRegistry creates an empty listener registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		engines:      make(map[int]*ServerEngine),
		listen:       net.Listen,
		readTimeout:  30 * time.Second,
		writeTimeout: 60 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// GetForPort returns the engine for port, creating it if absent
func (r *Registry) GetForPort(protocol string, port int) (*ServerEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getForPortLocked(protocol, port)
}

func (r *Registry) getForPortLocked(protocol string, port int) (*ServerEngine, error) {
	protocol = strings.ToLower(protocol)
	if protocol != "http" && protocol != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, protocol)
	}
	if e, ok := r.engines[port]; ok {
		if e.protocol != protocol {
			return nil, fmt.Errorf("%w: port %d serves %s, requested %s", ErrProtocolMismatch, port, e.protocol, protocol)
		}
		return e, nil
	}
	e := &ServerEngine{
		registry: r,
		protocol: protocol,
		port:     port,
		servants: make(map[string]http.Handler),
	}
	r.engines[port] = e
	r.logger.Debug("listener engine created", slog.String("protocol", protocol), slog.Int("port", port))
	return e, nil
}

// Engine returns the engine registered for port, or nil
func (r *Registry) Engine(port int) *ServerEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[port]
}

// DestroyForPort closes the listener for port and forgets the engine,
// provided no servant remains bound to it. It reports whether the engine
// was destroyed.
func (r *Registry) DestroyForPort(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(port)
}

func (r *Registry) destroyLocked(port int) bool {
	e, ok := r.engines[port]
	if !ok || len(e.servants) > 0 {
		return false
	}
	delete(r.engines, port)
	e.stop()
	r.logger.Debug("listener engine destroyed", slog.Int("port", port))
	return true
}

// Attach binds a shared servant to addr, creating the engine and the
// servant as needed, and duplicates it. The whole operation is atomic with
// respect to Detach.
func (r *Registry) Attach(addr *url.URL, newServant func() SharedServant) (*ServerEngine, SharedServant, error) {
	port, err := PortOf(addr)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.getForPortLocked(addr.Scheme, port)
	if err != nil {
		return nil, nil, err
	}

	key := servantKey(addr)
	var shared SharedServant
	if h, ok := e.servants[key]; ok {
		if shared, ok = h.(SharedServant); !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotShared, addr)
		}
	} else {
		shared = newServant()
		if err := e.addLocked(key, shared); err != nil {
			r.destroyLocked(port)
			return nil, nil, err
		}
	}
	shared.Duplicate()
	return e, shared, nil
}

// Detach releases one reference on the servant bound to addr. When the
// count reaches zero the servant is removed and, if it was the last one on
// its port, the listener is destroyed.
func (r *Registry) Detach(addr *url.URL) (int, error) {
	port, err := PortOf(addr)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.engines[port]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrServantNotFound, addr)
	}
	key := servantKey(addr)
	h, ok := e.servants[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrServantNotFound, addr)
	}
	shared, ok := h.(SharedServant)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotShared, addr)
	}

	remaining := shared.Release()
	if remaining == 0 {
		delete(e.servants, key)
		r.destroyLocked(port)
	}
	return remaining, nil
}

// Shutdown closes every listener regardless of remaining servants
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[int]*ServerEngine)
	r.mu.Unlock()

	var errs []error
	for _, e := range engines {
		if e.srv == nil {
			continue
		}
		if err := e.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServerEngine is one physical listener multiplexing several servants
type ServerEngine struct {
	registry *Registry
	protocol string
	port     int

	// guarded by registry.mu
	servants map[string]http.Handler
	srv      *http.Server
	addr     net.Addr
}

// Protocol returns http or https
func (e *ServerEngine) Protocol() string { return e.protocol }

// Port returns the configured port
func (e *ServerEngine) Port() int { return e.port }

// Addr returns the bound listener address, nil before the first servant
func (e *ServerEngine) Addr() net.Addr {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return e.addr
}

// Servant returns the handler bound to addr, or nil
func (e *ServerEngine) Servant(addr *url.URL) http.Handler {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return e.servants[servantKey(addr)]
}

// AddServant binds a handler to addr, starting the listener if needed
func (e *ServerEngine) AddServant(addr *url.URL, h http.Handler) error {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	key := servantKey(addr)
	if _, ok := e.servants[key]; ok {
		return fmt.Errorf("%w: %s", ErrServantExists, addr)
	}
	return e.addLocked(key, h)
}

// RemoveServant unbinds addr. The listener stays up until DestroyForPort.
func (e *ServerEngine) RemoveServant(addr *url.URL) {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	delete(e.servants, servantKey(addr))
}

// ServantCount returns the number of bound servants
func (e *ServerEngine) ServantCount() int {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	return len(e.servants)
}

func (e *ServerEngine) addLocked(key string, h http.Handler) error {
	if e.srv == nil {
		if err := e.start(); err != nil {
			return err
		}
	}
	e.servants[key] = h
	return nil
}

func (e *ServerEngine) start() error {
	r := e.registry
	ln, err := r.listen("tcp", fmt.Sprintf(":%d", e.port))
	if err != nil {
		return &IOError{Op: "listen", URL: fmt.Sprintf("%s://:%d", e.protocol, e.port), Err: err}
	}
	if e.protocol == "https" {
		ln = tls.NewListener(ln, r.tlsConfig.ServerTLSConfig())
	}

	srv := &http.Server{
		Handler:      e,
		ReadTimeout:  r.readTimeout,
		WriteTimeout: r.writeTimeout,
		IdleTimeout:  r.idleTimeout,
	}
	e.srv = srv
	e.addr = ln.Addr()

	logger := r.logger.With(slog.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listener stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("listener started", slog.String("protocol", e.protocol))
	return nil
}

func (e *ServerEngine) stop() {
	if e.srv == nil {
		return
	}
	if err := e.srv.Close(); err != nil {
		e.registry.logger.Warn("closing listener failed", slog.Int("port", e.port), slog.String("error", err.Error()))
	}
	e.srv = nil
	e.addr = nil
}

// ServeHTTP dispatches to the servant bound to the request path
func (e *ServerEngine) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	e.registry.mu.Lock()
	h, ok := e.servants[pathKey(req.URL.Path)]
	e.registry.mu.Unlock()

	if !ok {
		http.NotFound(w, req)
		return
	}
	h.ServeHTTP(w, req)
}

// PortOf returns the explicit port of addr or the scheme default
func PortOf(addr *url.URL) (int, error) {
	if addr == nil {
		return 0, fmt.Errorf("%w: nil address", ErrUnsupportedScheme)
	}
	if p := addr.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return port, nil
	}
	switch strings.ToLower(addr.Scheme) {
	case "http":
		return 80, nil
	case "https":
		return 443, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedScheme, addr.Scheme)
}

func servantKey(addr *url.URL) string {
	return pathKey(addr.Path)
}

func pathKey(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
