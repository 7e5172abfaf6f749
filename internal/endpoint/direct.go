package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/tunnelmesh/meshagent/internal/trust"
)

// DefaultDirectDelay is how long DirectResolver waits between cycles.
const DefaultDirectDelay = 10 * time.Second

// DirectResolver always returns the same pre-resolved endpoint, bypassing
// discovery.
type DirectResolver struct {
	endpoint *Endpoint
	delay    time.Duration
}

// NewDirectResolver creates a resolver for address ("host:port"). identity is
// the master's base64 DER public key and may be empty. protocols is the set
// of protocol names the master accepts; nil leaves it unrestricted. A zero
// or negative delay selects DefaultDirectDelay.
func NewDirectResolver(address, identity string, protocols []string, delay time.Duration) (*DirectResolver, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid direct address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid direct address %q: bad port", address)
	}
	key, err := trust.ParsePublicKey(identity)
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = DefaultDirectDelay
	}

	serviceURL := &url.URL{Scheme: "https", Host: address, Path: "/"}
	return &DirectResolver{
		endpoint: New(host, port, serviceURL, key, protocols),
		delay:    delay,
	}, nil
}

// Resolve implements Resolver.
func (r *DirectResolver) Resolve(ctx context.Context) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.endpoint, nil
}

// WaitForReady implements Resolver with a fixed delay.
func (r *DirectResolver) WaitForReady(ctx context.Context) error {
	return sleepContext(ctx, r.delay)
}
