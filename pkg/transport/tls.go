package transport

import (
	"crypto/tls"
	"crypto/x509"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains TLS settings for outbound connections and for
// decoupled listeners bound to https addresses
type HTTPSConfig struct {
	MinTLSVersion      uint16
	MaxTLSVersion      uint16
	CipherSuites       []uint16
	ClientAuth         tls.ClientAuthType
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ClientCAs          *x509.CertPool
	InsecureSkipVerify bool
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion: TLS12,
		MaxTLSVersion: TLS13,
		CipherSuites:  RecommendedTLS12CipherSuites,
		ClientAuth:    tls.NoClientCert,
	}
}

// ClientTLSConfig builds the tls.Config used when dialing https targets
func (c *HTTPSConfig) ClientTLSConfig() *tls.Config {
	if c == nil {
		c = DefaultHTTPSConfig()
	}
	return &tls.Config{
		MinVersion:         c.MinTLSVersion,
		MaxVersion:         c.MaxTLSVersion,
		CipherSuites:       c.CipherSuites,
		Certificates:       c.Certificates,
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// ServerTLSConfig builds the tls.Config used by https listeners
func (c *HTTPSConfig) ServerTLSConfig() *tls.Config {
	if c == nil {
		c = DefaultHTTPSConfig()
	}
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		ClientCAs:    c.ClientCAs,
		ClientAuth:   c.ClientAuth,
	}
}
