// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the transport-level message model.

A Message is a set of named protocol properties plus an owned content
stream. Two messages exist per exchange: the outbound request and the
inbound response. They are never linked to each other directly; both point
at the same mep.Exchange.

# Properties

Well-known property keys cover addressing and HTTP framing:

	msg := message.New(mep.NewExchange(mep.TwoWay))
	msg.Put(message.PathInfo, "/orders")
	msg.Put(message.QueryString, "wsdl")
	msg.Put(message.ContentType, "application/soap+xml")
	msg.Headers().Set("SOAPAction", "")

Protocol headers are kept as an http.Header so keys are canonicalised the
same way the HTTP stack does it.

# Content

Inbound messages own an io.ReadCloser with the response body. The consumer
of the message is responsible for closing it.
*/
package message
