// Package config handles configuration loading for the conduit tools.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows credentials such
// as proxy passwords to be injected at runtime.
//
// # Configuration Sections
//
//   - conduit: target address, client policy and credentials
//   - tls: certificates for https targets and https decoupled endpoints
//   - listener: timeouts of decoupled endpoint listeners
//   - correlation: how long exchanges wait for decoupled responses
//   - log: level, format and destination of the structured log
//
// # Example Configuration
//
//	conduit:
//	  address: https://partner.example.com/services/orders
//	  client:
//	    receiveTimeout: 2m
//	    decoupledEndpoint: http://gateway.internal:9000/responses
//	  authorization:
//	    userName: orders
//	    password: ${ORDERS_PASSWORD}
//
//	log:
//	  level: debug
//	  output: /var/log/conduit.log
//	  rotation:
//	    enable: true
//	    maxSizeMB: 50
//
// See [Load] for loading configuration from a file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-conduit/pkg/conduit"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

// Config is the root configuration structure
type Config struct {
	Conduit     ConduitConfig     `yaml:"conduit"`
	TLS         TLSConfig         `yaml:"tls"`
	Listener    ListenerConfig    `yaml:"listener"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Log         LogConfig         `yaml:"log"`
}

// ConduitConfig holds the target and client side policies
type ConduitConfig struct {
	Address            string                      `yaml:"address"`
	Client             conduit.ClientPolicy        `yaml:"client"`
	Authorization      conduit.AuthorizationPolicy `yaml:"authorization"`
	ProxyAuthorization conduit.AuthorizationPolicy `yaml:"proxyAuthorization"`
}

// TLSConfig holds certificate settings
type TLSConfig struct {
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	CAFile             string `yaml:"caFile"`
	MinVersion         string `yaml:"minVersion"` // "1.2" or "1.3"
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// ListenerConfig holds decoupled endpoint listener settings
type ListenerConfig struct {
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// CorrelationConfig holds settings for matching decoupled responses
type CorrelationConfig struct {
	// MaxWait is how long an exchange waits for its decoupled response
	MaxWait         time.Duration `yaml:"maxWait"`
	DuplicateWindow time.Duration `yaml:"duplicateWindow"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level    string         `yaml:"level"`  // debug, info, warn, error
	Format   string         `yaml:"format"` // text or json
	Output   string         `yaml:"output"` // stderr, stdout or a file path
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig controls rotation of file log outputs
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

// Default returns the configuration used for keys absent from the file
func Default() *Config {
	return &Config{
		Conduit: ConduitConfig{
			Client: conduit.DefaultClientPolicy(),
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Conduit.Client.ProxyServerType == "" {
		c.Conduit.Client.ProxyServerType = transport.ProxyHTTP
	}
	c.Conduit.Client.ProxyServerType = transport.ProxyType(strings.ToUpper(string(c.Conduit.Client.ProxyServerType)))
	if c.TLS.MinVersion == "" {
		c.TLS.MinVersion = "1.2"
	}
	if c.Listener.ReadTimeout == 0 {
		c.Listener.ReadTimeout = 30 * time.Second
	}
	if c.Listener.WriteTimeout == 0 {
		c.Listener.WriteTimeout = 60 * time.Second
	}
	if c.Listener.IdleTimeout == 0 {
		c.Listener.IdleTimeout = 120 * time.Second
	}
	if c.Correlation.MaxWait == 0 {
		c.Correlation.MaxWait = 5 * time.Minute
	}
	if c.Correlation.DuplicateWindow == 0 {
		c.Correlation.DuplicateWindow = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Rotation.Enable {
		if c.Log.Rotation.MaxSizeMB == 0 {
			c.Log.Rotation.MaxSizeMB = 100
		}
		if c.Log.Rotation.MaxBackups == 0 {
			c.Log.Rotation.MaxBackups = 5
		}
		if c.Log.Rotation.MaxAgeDays == 0 {
			c.Log.Rotation.MaxAgeDays = 30
		}
	}
}

func (c *Config) validate() error {
	if c.Conduit.Address == "" {
		return fmt.Errorf("conduit.address is required")
	}
	if err := validateURL("conduit.address", c.Conduit.Address); err != nil {
		return err
	}
	if ep := c.Conduit.Client.DecoupledEndpoint; ep != "" {
		if err := validateURL("conduit.client.decoupledEndpoint", ep); err != nil {
			return err
		}
	}

	switch c.Conduit.Client.ProxyServerType {
	case transport.ProxyHTTP, transport.ProxySOCKS:
	default:
		return fmt.Errorf("conduit.client.proxyServerType must be 'HTTP' or 'SOCKS', got '%s'", c.Conduit.Client.ProxyServerType)
	}
	if c.Conduit.Client.ProxyServer != "" && c.Conduit.Client.ProxyServerPort <= 0 {
		return fmt.Errorf("conduit.client.proxyServerPort is required when proxyServer is set")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.certFile and tls.keyFile must be set together")
	}
	switch c.TLS.MinVersion {
	case "1.2", "1.3":
	default:
		return fmt.Errorf("tls.minVersion must be '1.2' or '1.3', got '%s'", c.TLS.MinVersion)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be 'debug', 'info', 'warn', or 'error', got '%s'", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%s must be an http or https URL, got '%s'", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: '%s'", field, raw)
	}
	return nil
}

// HTTPSConfig builds the TLS settings for connections and listeners
func (c *TLSConfig) HTTPSConfig() (*transport.HTTPSConfig, error) {
	config := transport.DefaultHTTPSConfig()
	if c.MinVersion == "1.3" {
		config.MinTLSVersion = transport.TLS13
	}
	config.InsecureSkipVerify = c.InsecureSkipVerify

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		config.RootCAs = pool
		config.ClientCAs = pool
	}

	return config, nil
}

// ConduitConfig returns the options for conduit.New. Registry, connection
// factory and logger are left to the caller.
func (c *Config) ConduitConfig(https *transport.HTTPSConfig) conduit.Config {
	client := c.Conduit.Client
	auth := c.Conduit.Authorization
	proxyAuth := c.Conduit.ProxyAuthorization
	return conduit.Config{
		Address:            c.Conduit.Address,
		Client:             &client,
		Authorization:      &auth,
		ProxyAuthorization: &proxyAuth,
		TLS:                https,
	}
}
