package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Dialer opens outbound TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProxyConfig contains configuration for proxied connections.
type ProxyConfig struct {
	Type     string `yaml:"type"` // "" / "none" or "socks5"
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether the config selects a proxy.
func (c *ProxyConfig) Enabled() bool {
	return c != nil && c.Type != "" && c.Type != "none"
}

// Address returns host:port of the proxy.
func (c *ProxyConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// contextDialer adapts a proxy.ContextDialer to Dialer.
type contextDialer struct {
	proxy.ContextDialer
}

// NewDialer returns a direct dialer with the given connect timeout, or a
// SOCKS5 dialer when config selects one. Only the hop to the proxy honours
// the timeout; the proxy itself governs the onward connect.
func NewDialer(config *ProxyConfig, timeout time.Duration) (Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if !config.Enabled() {
		return direct, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewDialer",
		"proxy_type": config.Type,
		"proxy_addr": config.Address(),
	}).Info("Creating proxy dialer")

	switch config.Type {
	case "socks5":
		var auth *proxy.Auth
		if config.Username != "" || config.Password != "" {
			auth = &proxy.Auth{
				User:     config.Username,
				Password: config.Password,
			}
		}

		d, err := proxy.SOCKS5("tcp", config.Address(), auth, direct)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "NewDialer",
				"proxy_addr": config.Address(),
				"error":      err.Error(),
			}).Error("Failed to create SOCKS5 dialer")
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}

		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		return contextDialer{cd}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5')", config.Type)
	}
}
