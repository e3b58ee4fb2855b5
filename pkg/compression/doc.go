// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression decodes compressed HTTP response bodies.

When a client policy sends an explicit Accept-Encoding header, net/http no
longer decompresses responses on its own. Response handling therefore wraps
the body according to its Content-Encoding:

	body, err := compression.NewReader(resp.Body, resp.Header.Get("Content-Encoding"))

Supported encodings:
  - gzip, x-gzip
  - identity (or empty): body returned unchanged

# References

  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
  - HTTP Content-Encoding: https://datatracker.ietf.org/doc/html/rfc9110#section-8.4
*/
package compression
