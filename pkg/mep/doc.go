// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mep defines Message Exchange Patterns and the Exchange correlation unit.

An Exchange links one outbound request to its inbound response. The same
Exchange value is carried by the outbound message and by the inbound message
that answers it, whether that response comes back on the request connection
or on a separate decoupled listener.

# Supported MEPs

One-Way:

  - Sender initiates HTTP POST
  - Receiver answers at transport level only (or with a 202 partial response)
  - Transport response bodies are not surfaced to the application

    ex := mep.NewExchange(mep.OneWay)

Two-Way:

  - Sender initiates HTTP POST
  - Response arrives on the same connection, or on a decoupled endpoint
    when the client is configured with one

    ex := mep.NewExchange(mep.TwoWay)

# Correlation

Each Exchange carries a MessageID in urn:uuid form. A decoupled response
refers back to it with a WS-Addressing RelatesTo value.

# References

  - OASIS ebMS 3.0 MEP: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - WS-Addressing 1.0 Core: https://www.w3.org/TR/ws-addr-core/
*/
package mep
