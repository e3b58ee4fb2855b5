// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport provides outbound connections and shared inbound listeners.

# Connections

A ConnectionFactory opens one Conn per request/response cycle. Connections
are never pooled: each HTTP connection uses its own transport with
keep-alives disabled.

	factory := transport.NewConnectionFactory(transport.DefaultHTTPSConfig())
	conn, err := factory.Open(ctx, nil, target)

Request headers stay mutable until OutputStream is called. HTTP connections
additionally expose the request method, redirect handling and chunked
streaming:

	if hc, ok := conn.(transport.HTTPConn); ok {
	    hc.SetFollowRedirects(false)
	    hc.SetChunkedStreaming(2048)
	}

Proxies of type HTTP are used through the standard proxy mechanism; SOCKS
proxies are dialed with golang.org/x/net/proxy.

# Listener Registry

A Registry owns at most one ServerEngine per port. Each engine multiplexes
several logical addresses (servants) onto one physical listener:

	registry := transport.NewRegistry(transport.WithLogger(logger))
	engine, servant, err := registry.Attach(addr, newServant)
	...
	remaining, err := registry.Detach(addr)

Attach and Detach run under the registry lock so that reference counted
servants are created, shared and torn down atomically. The listener for a
port is started with its first servant and closed when the last one leaves.

# TLS

HTTPSConfig carries TLS 1.2/1.3 settings used both for https targets and for
https listeners. TLS 1.3 with fallback to TLS 1.2 is recommended:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
  - HTTP/1.1 chunked transfer coding: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
*/
package transport
