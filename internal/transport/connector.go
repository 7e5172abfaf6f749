// Package transport opens the raw TCP connection to the agent listener,
// applying keep-alive and read-timeout settings and a bounded retry budget.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/endpoint"
	"github.com/tunnelmesh/meshagent/internal/events"
)

// Defaults for Config.
const (
	DefaultReadTimeout     = 30 * time.Minute
	DefaultMaxRetries      = 10
	DefaultRetryDelay      = 10 * time.Second
	DefaultDialTimeout     = 30 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds connector settings.
type Config struct {
	// KeepAlive enables TCP keep-alive on the socket.
	KeepAlive       bool
	KeepAlivePeriod time.Duration

	// ReadTimeout bounds every Read on the connection. Zero disables it.
	ReadTimeout time.Duration

	// MaxRetries is how many times a failed connect is retried, so at most
	// MaxRetries+1 attempts are made.
	MaxRetries int
	RetryDelay time.Duration

	DialTimeout time.Duration

	// Dialer overrides the default TCP dialer.
	Dialer Dialer
}

// DefaultConfig returns the standard connector settings.
func DefaultConfig() Config {
	return Config{
		KeepAlive:       true,
		KeepAlivePeriod: DefaultKeepAlivePeriod,
		ReadTimeout:     DefaultReadTimeout,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		DialTimeout:     DefaultDialTimeout,
	}
}

// AttemptFunc observes each connect attempt. retry is 0 for the first.
type AttemptFunc func(retry int, err error)

// Connector establishes transport connections to resolved endpoints.
type Connector struct {
	cfg       Config
	sink      events.Sink
	dialer    Dialer
	onAttempt AttemptFunc
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewConnector creates a connector reporting retries to sink.
func NewConnector(cfg Config, sink events.Sink) *Connector {
	if sink == nil {
		sink = events.Nop{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = newTCPDialer(cfg)
	}

	return &Connector{
		cfg:    cfg,
		sink:   sink,
		dialer: dialer,
		sleep:  sleepContext,
	}
}

// OnAttempt registers a callback invoked after every connect attempt.
func (c *Connector) OnAttempt(fn AttemptFunc) {
	c.onAttempt = fn
}

// Connect dials ep, retrying up to MaxRetries times with RetryDelay between
// attempts. The last dial error is returned once the budget is spent.
func (c *Connector) Connect(ctx context.Context, ep *endpoint.Endpoint) (net.Conn, error) {
	addr := ep.Address()

	for retry := 0; ; retry++ {
		if retry > 0 {
			c.sink.Status(fmt.Sprintf("Connecting to %s (retrying:%d)", addr, retry))
		} else {
			c.sink.Status("Connecting to " + addr)
		}

		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if c.onAttempt != nil {
			c.onAttempt(retry, err)
		}
		if err == nil {
			log.Debug().
				Str("address", addr).
				Int("retries", retry).
				Msg("transport connected")
			return c.wrap(conn), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if retry >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("connect to %s failed after %d retries: %w", addr, retry, err)
		}

		log.Debug().
			Err(err).
			Str("address", addr).
			Int("retry", retry+1).
			Dur("delay", c.cfg.RetryDelay).
			Msg("connect failed, retrying")

		if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

func (c *Connector) wrap(conn net.Conn) net.Conn {
	if c.cfg.ReadTimeout <= 0 {
		return conn
	}
	return &timeoutConn{Conn: conn, timeout: c.cfg.ReadTimeout}
}

func newTCPDialer(cfg Config) *net.Dialer {
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	if !cfg.KeepAlive {
		d.KeepAlive = -1
		return d
	}
	period := cfg.KeepAlivePeriod
	if period <= 0 {
		period = DefaultKeepAlivePeriod
	}
	d.KeepAlive = period
	d.Control = keepAliveControl(period)
	return d
}

// timeoutConn applies a fresh read deadline before every Read.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Unwrap returns the underlying connection.
func (c *timeoutConn) Unwrap() net.Conn {
	return c.Conn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
