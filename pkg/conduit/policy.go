package conduit

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

// ChunkSize is the fixed chunk length used when chunked streaming is enabled
const ChunkSize = 2048

// ClientPolicy holds the client-side transport settings of a conduit
type ClientPolicy struct {
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	ReceiveTimeout    time.Duration `yaml:"receiveTimeout"`

	// AutoRedirect and AllowChunking are mutually exclusive; redirects win
	AutoRedirect  bool `yaml:"autoRedirect"`
	AllowChunking bool `yaml:"allowChunking"`

	ProxyServer     string              `yaml:"proxyServer"`
	ProxyServerPort int                 `yaml:"proxyServerPort"`
	ProxyServerType transport.ProxyType `yaml:"proxyServerType"`

	// DecoupledEndpoint is the absolute URL responses are delivered to
	DecoupledEndpoint string `yaml:"decoupledEndpoint"`

	CacheControl   string `yaml:"cacheControl"`
	Host           string `yaml:"host"`
	Connection     string `yaml:"connection"`
	Accept         string `yaml:"accept"`
	AcceptEncoding string `yaml:"acceptEncoding"`
	AcceptLanguage string `yaml:"acceptLanguage"`
	ContentType    string `yaml:"contentType"`
	Cookie         string `yaml:"cookie"`
	BrowserType    string `yaml:"browserType"`
	Referer        string `yaml:"referer"`
}

// DefaultClientPolicy returns the policy applied when none is configured
func DefaultClientPolicy() ClientPolicy {
	return ClientPolicy{
		ConnectionTimeout: 30 * time.Second,
		ReceiveTimeout:    60 * time.Second,
		AllowChunking:     true,
		ProxyServerType:   transport.ProxyHTTP,
	}
}

// AuthorizationPolicy carries credentials for the Authorization header
type AuthorizationPolicy struct {
	UserName string `yaml:"userName"`
	Password string `yaml:"password"`
	// AuthorizationType and Authorization form a raw header value
	// ("Negotiate abc...") used when no user name is set
	AuthorizationType string `yaml:"authorizationType"`
	Authorization     string `yaml:"authorization"`
}

func (p *AuthorizationPolicy) empty() bool {
	return p == nil || (p.UserName == "" && p.AuthorizationType == "" && p.Authorization == "")
}

// proxy returns the configured outbound proxy, nil for a direct connection
func (p *ClientPolicy) proxy() *transport.Proxy {
	if p.ProxyServer == "" {
		return nil
	}
	t := transport.ProxyHTTP
	if strings.EqualFold(string(p.ProxyServerType), string(transport.ProxySOCKS)) {
		t = transport.ProxySOCKS
	}
	return &transport.Proxy{Type: t, Host: p.ProxyServer, Port: p.ProxyServerPort}
}

// setHeaders stages every configured policy header on h
func (p *ClientPolicy) setHeaders(h http.Header) {
	for _, kv := range [...]struct{ key, value string }{
		{"Cache-Control", p.CacheControl},
		{"Host", p.Host},
		{"Connection", p.Connection},
		{"Accept", p.Accept},
		{"Accept-Encoding", p.AcceptEncoding},
		{"Accept-Language", p.AcceptLanguage},
		{"Content-Type", p.ContentType},
		{"Cookie", p.Cookie},
		{"BrowserType", p.BrowserType},
		{"Referer", p.Referer},
	} {
		if kv.value != "" {
			h.Set(kv.key, kv.value)
		}
	}
}

// authorization resolves the Authorization header value for msg against the
// configured policy. A message-level policy or user name takes precedence
// over the configured user name; a missing password falls back to the
// configured one. Without any user name the configured raw credentials are
// used.
func authorization(msg *message.Message, configured *AuthorizationPolicy) string {
	var user, pass string
	if ap, ok := msg.Get(message.AuthorizationPolicy).(*AuthorizationPolicy); ok && ap != nil && ap.UserName != "" {
		user, pass = ap.UserName, ap.Password
	} else if u := msg.String(message.Username); u != "" {
		user, pass = u, msg.String(message.Password)
	}

	if configured == nil {
		configured = &AuthorizationPolicy{}
	}
	if user == "" {
		user = configured.UserName
	}
	if user != "" {
		if pass == "" {
			pass = configured.Password
		}
		return basicAuth(user, pass)
	}
	if configured.AuthorizationType != "" && configured.Authorization != "" {
		return rawAuth(configured)
	}
	return ""
}

// proxyAuthorization resolves the Proxy-Authorization header value
func proxyAuthorization(p *AuthorizationPolicy) string {
	if p.empty() {
		return ""
	}
	if p.UserName != "" {
		return basicAuth(p.UserName, p.Password)
	}
	return rawAuth(p)
}

func rawAuth(p *AuthorizationPolicy) string {
	if p.AuthorizationType == "" {
		return p.Authorization
	}
	return p.AuthorizationType + " " + p.Authorization
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
