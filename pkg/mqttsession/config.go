package mqttsession

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPort is used when the broker URL carries no port.
const DefaultPort = 1883

// Config holds the broker connection settings.
type Config struct {
	BrokerURL        string
	Port             int
	ClientIDPrefix   string
	Username         string
	Password         string
	QoS              byte
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration

	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		ClientIDPrefix:   "machine-ingest-",
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 2 * time.Minute,
	}
}

// BrokerAddress returns the broker URL with a scheme and a port. A bare host
// gets tcp:// and the configured (or default) port.
func (c Config) BrokerAddress() (string, error) {
	raw := strings.TrimSpace(c.BrokerURL)
	if raw == "" {
		return "", fmt.Errorf("broker url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid broker url %q: %w", c.BrokerURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker url %q: missing host", c.BrokerURL)
	}
	if u.Port() == "" {
		port := c.Port
		if port <= 0 {
			port = DefaultPort
		}
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return u.Scheme + "://" + u.Host, nil
}

// usesTLS reports whether the address calls for TLS: a tls:// or ssl://
// scheme, or the conventional secure port 8883.
func usesTLS(address string) bool {
	lower := strings.ToLower(address)
	if strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") ||
		strings.HasPrefix(lower, "mqtts://") {
		return true
	}
	u, err := url.Parse(address)
	return err == nil && u.Port() == "8883"
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg Config, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
		logger.Info().Str("ca_cert_file", cfg.CACertFile).Msg("CA certificate loaded")
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info().Str("client_cert_file", cfg.ClientCertFile).Msg("Client certificate and key loaded for mTLS")
	} else if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		logger.Warn().Msg("Client certificate or key file provided without its pair; mTLS will not be configured.")
	}

	return tlsConfig, nil
}
