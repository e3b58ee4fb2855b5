// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goconduit implements an HTTP client conduit for request/response
messaging where the response may arrive on a separate inbound connection.

# Overview

go-conduit sends one message per request over HTTP or HTTPS and hands the
response to a message observer. When a decoupled endpoint is configured, the
conduit starts a local listener for it and the peer may answer there instead
of on the request connection, typically after acknowledging the request with
202 Accepted. Listeners are shared: every conduit that names the same host
and port reuses one server engine, and the engine stops once the last
conduit using it is closed.

# Package Structure

The library is organized into the following packages:

	github.com/sirosfoundation/go-conduit/pkg/conduit     - Client conduit, two-phase request writer, decoupled endpoint
	github.com/sirosfoundation/go-conduit/pkg/transport   - Connections, connection factory, TLS, shared listener registry
	github.com/sirosfoundation/go-conduit/pkg/correlation - Matches decoupled responses to outstanding requests
	github.com/sirosfoundation/go-conduit/pkg/message     - Property-map message passed between conduit and observers
	github.com/sirosfoundation/go-conduit/pkg/mep         - Message exchanges and the oneway flag
	github.com/sirosfoundation/go-conduit/pkg/compression - GZIP response decoding

# Quick Start

To send a message and receive its response:

	c, err := conduit.New(conduit.Config{
	    Address: "https://partner.example.com/orders",
	})
	if err != nil {
	    return err
	}
	defer c.Close()

	c.SetMessageObserver(transport.MessageObserverFunc(func(msg *message.Message) error {
	    defer msg.Content().Close()
	    // handle msg.ResponseCode() and msg.Content()
	    return nil
	}))

	req, err := c.Send(ctx, message.New(mep.NewExchange(mep.TwoWay)))
	if err != nil {
	    return err
	}
	req.Header().Set("SOAPAction", "urn:placeOrder")
	req.Write(payload)
	err = req.Finish()

Headers may be staged until the first body byte is written; after that the
request is committed and later changes to Header are not sent.

# Oneway Exchanges

For oneway exchanges the response to the request is discarded unless it is a
partial response (202 Accepted with a body), which is still delivered so the
caller can process acknowledgements.

# Decoupled Responses

Set ClientPolicy.DecoupledEndpoint to an absolute http or https URL and pass
a transport.Registry. BackChannel returns the destination; its observer
follows the conduit's observer. Use correlation.Correlator as the observer
to route decoupled responses back to the exchange that caused them.

# License

BSD-2-Clause License
*/
package goconduit
