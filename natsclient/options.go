package natsclient

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/c360/concur/metric"
)

// ClientOption configures a Client before it connects.
type ClientOption func(*Client) error

// Connection tuning. Zero durations keep the defaults set by NewClient.

// WithTimeout bounds the initial dial.
func WithTimeout(d time.Duration) ClientOption {
	return durationOption(d, func(c *Client) { c.timeout = d })
}

// WithPingInterval sets how often the server is pinged; two missed pongs
// mark the link dead and start a reconnect.
func WithPingInterval(d time.Duration) ClientOption {
	return durationOption(d, func(c *Client) { c.pingInterval = d })
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return durationOption(d, func(c *Client) { c.reconnectWait = d })
}

// WithDrainTimeout bounds how long Close drains before giving up.
func WithDrainTimeout(d time.Duration) ClientOption {
	return durationOption(d, func(c *Client) { c.drainTimeout = d })
}

// WithMaxReconnects caps reconnect attempts; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithHealthInterval sets how often the connection health is checked. Zero turns
// the check off.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.healthInterval = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many failed connects open the
// circuit. Values below 1 fall back to 5.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the open-circuit backoff. Values under a second fall
// back to one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// Identity and security.

// WithName is the client name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLSConfig secures the connection. A nil config leaves it plain.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tlsConfig = cfg
		return nil
	}
}

// Observability.

// WithLogger sets the structured logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection state to the core metrics.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithHealthChangeCallback is called, on its own goroutine, whenever the
// connection drops or comes back.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

func durationOption(d time.Duration, set func(*Client)) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			set(c)
		}
		return nil
	}
}
