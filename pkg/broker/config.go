package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds everything the Connection needs to reach the broker.
type Config struct {
	// URL is the full URL of the MQTT broker, e.g. "tcp://broker.example.com:1883".
	URL string
	// Topic is the single fixed topic payloads are published to. It is also
	// subscribed to after every successful connect.
	Topic string
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// added because most brokers reject duplicate client IDs.
	ClientIDPrefix string
	// Username and Password authenticate with the broker. Both may be empty.
	Username string
	Password string
	// KeepAlive is the interval at which the client sends keep-alive pings.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// ReconnectDelay is the fixed wait between a failed attempt and the next one.
	// There is no backoff and no retry cap.
	ReconnectDelay time.Duration
	// PublishTimeout bounds how long Publish waits for the broker's PUBACK.
	PublishTimeout time.Duration
	// SubscribeTimeout bounds how long the post-connect subscription waits.
	SubscribeTimeout time.Duration
	// CACertFile, ClientCertFile and ClientKeyFile are only used for tls:// or ssl:// URLs.
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification.
	InsecureSkipVerify bool
}

// DefaultConfig returns a Config with the reference timings filled in.
func DefaultConfig() Config {
	return Config{
		URL:              "tcp://localhost:1883",
		Topic:            "health/heart_rate_location",
		ClientIDPrefix:   "telemetry-relay-",
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		PublishTimeout:   10 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	}
}

// Validate reports the first problem that would stop a connection from ever working.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("broker URL is required")
	}
	if c.Topic == "" {
		return errors.New("broker topic is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish timeout must be positive")
	}
	return nil
}

func (c Config) usesTLS() bool {
	u := strings.ToLower(c.URL)
	return strings.HasPrefix(u, "tls://") || strings.HasPrefix(u, "ssl://") || strings.HasPrefix(u, "mqtts://")
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
