// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package correlation matches responses to the exchanges that caused them.

A decoupled endpoint receives responses for every conduit attached to it,
each wrapped in a placeholder exchange. The Correlator restores the real
exchange by the id the response relates to.

# Tracking

Install the correlator as the conduit's observer and track each exchange
before sending it:

	corr := correlation.NewCorrelator(correlation.Config{Logger: logger})
	c.SetMessageObserver(corr)

	ex := mep.NewExchange(mep.TwoWay)
	corr.Track(ex, observer)

Responses read back on the request connection already carry their
exchange and are routed to the tracked observer directly. A 202 partial
response keeps the exchange pending.

# Relating decoupled responses

The related id is taken from the X-Relates-To header or, for SOAP
envelopes, from the WS-Addressing RelatesTo header block:

	<soap:Header>
	  <wsa:RelatesTo>urn:uuid:...</wsa:RelatesTo>
	</soap:Header>

Responses that relate to nothing pending go to the fallback observer, or
are rejected with ErrUncorrelated. A second response to an already
answered id within the duplicate window is rejected with ErrDuplicate.

Stale entries are dropped by Sweep; the correlator starts no goroutines.
*/
package correlation
