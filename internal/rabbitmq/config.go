package rabbitmq

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/reliability"
)

const (
	// DefaultPort is the standard AMQP port
	DefaultPort = 5672
	// DefaultExchangeType is used when an exchange is declared for the routes
	DefaultExchangeType = "direct"
)

// Config describes how one component reaches the broker. It is immutable
// once built by NewConfig.
type Config struct {
	HostName           string
	Port               int
	Exchange           string
	Routes             []string
	UserName           string
	Password           string
	VHost              string
	DeadLetterExchange string
	ConnectionTimeout  time.Duration
	RetryAttempts      int
}

// NewConfig validates cfg, applies defaults and returns a private copy
func NewConfig(cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	host, port := splitHostPort(strings.TrimSpace(cfg.HostName))
	out := cfg
	out.HostName = host
	switch {
	case port != 0:
		out.Port = port
	case out.Port == 0:
		out.Port = DefaultPort
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = reliability.DefaultTimeout
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = reliability.DefaultAttempts
	}
	out.Routes = append([]string(nil), cfg.Routes...)

	return out, nil
}

// Validate checks the mandatory fields
func (c Config) Validate() error {
	if strings.TrimSpace(c.HostName) == "" {
		return fmt.Errorf("%w: host name is required", ErrInvalidConfiguration)
	}
	if len(c.Routes) == 0 || strings.TrimSpace(c.Routes[0]) == "" {
		return fmt.Errorf("%w: at least one route is required", ErrInvalidConfiguration)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfiguration, c.Port)
	}
	return nil
}

// Route returns the primary route, the queue this component works on
func (c Config) Route() string {
	if len(c.Routes) == 0 {
		return ""
	}
	return c.Routes[0]
}

// Address returns host:port
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.HostName, strconv.Itoa(port))
}

// URL returns the AMQP URI including credentials
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   c.Address(),
		Path:   "/" + c.VHost,
	}
	if c.UserName != "" {
		u.User = url.UserPassword(c.UserName, c.Password)
	}
	return u.String()
}

// splitHostPort accepts "host", "host:port" and "[v6]:port"
func splitHostPort(hostName string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostName)
	if err != nil {
		return hostName, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostName, 0
	}
	return host, port
}
