// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package conduit sends messages over HTTP and routes the responses back to
the sender, either on the request connection or through a decoupled
endpoint.

# Sending

A Conduit is bound to one target address. Send opens a fresh connection and
returns a Request; headers can be changed until the body is first written:

	c, err := conduit.New(conduit.Config{
	    Address:  "https://partner.example.com/services/orders",
	    Registry: registry,
	    Logger:   logger,
	})
	c.SetMessageObserver(observer)

	req, err := c.Send(ctx, msg)
	req.Header().Set("SOAPAction", "urn:submit")
	req.Write(payload)
	err = req.Finish()

Finish hands the response to the observer on the calling goroutine. For a
oneway exchange the response is read and discarded unless it is a partial
response (202 Accepted with a body).

The effective address of a message is its EndpointAddress property (or the
configured address), followed by PathInfo and QueryString when present.

# Client policy

ClientPolicy controls timeouts, proxies and static request headers.
AutoRedirect and AllowChunking are exclusive: redirects require a
replayable body, so chunked streaming with ChunkSize is only used when
redirects are off and the method is not GET.

Credentials are chosen in order: a message-level AuthorizationPolicy or
Username property, then the configured AuthorizationPolicy. A user name
produces Basic credentials; otherwise the configured AuthorizationType and
Authorization are sent verbatim.

# Decoupled responses

When ClientPolicy.DecoupledEndpoint is set, BackChannel attaches a shared
handler to that address in the listener Registry. Every conduit holds one
reference on the handler; the listener is closed when the last conduit
using the port is closed.

	dest := c.BackChannel()
	if err := dest.Err(); err != nil {
	    // endpoint could not be set up
	}

Messages arriving on the decoupled endpoint carry the
DecoupledChannelMessage property and a placeholder exchange. Use a
correlation.Correlator as observer to map them back to the originating
exchange.
*/
package conduit
