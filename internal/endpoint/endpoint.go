// Package endpoint resolves the master's agent listener from either a set of
// candidate URLs or a pre-resolved direct address.
package endpoint

import (
	"context"
	"crypto"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tunnelmesh/meshagent/internal/trust"
)

// Endpoint describes a resolved agent listener. It is never modified after
// construction.
type Endpoint struct {
	Host       string
	Port       int
	ServiceURL *url.URL

	// PublicKey is the master's published identity. Nil means trust is not
	// pinned for this cycle.
	PublicKey crypto.PublicKey

	// Protocols lists the protocol names the master accepts. Nil means the
	// master did not advertise a list and every protocol may be tried.
	Protocols map[string]struct{}
}

// New creates an Endpoint. A nil protocols slice leaves the advertised set
// unrestricted.
func New(host string, port int, serviceURL *url.URL, key crypto.PublicKey, protocols []string) *Endpoint {
	ep := &Endpoint{
		Host:       host,
		Port:       port,
		ServiceURL: serviceURL,
		PublicKey:  key,
	}
	if protocols != nil {
		ep.Protocols = make(map[string]struct{}, len(protocols))
		for _, p := range protocols {
			p = strings.TrimSpace(p)
			if p != "" {
				ep.Protocols[p] = struct{}{}
			}
		}
	}
	return ep
}

// Address returns host:port suitable for dialing.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ProtocolSupported reports whether the master advertised name.
func (e *Endpoint) ProtocolSupported(name string) bool {
	if e.Protocols == nil {
		return true
	}
	_, ok := e.Protocols[name]
	return ok
}

// ProtocolNames returns the advertised protocol names in sorted order, or nil
// when the set is unrestricted.
func (e *Endpoint) ProtocolNames() []string {
	if e.Protocols == nil {
		return nil
	}
	names := make([]string, 0, len(e.Protocols))
	for name := range e.Protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns the fingerprint of the published identity.
func (e *Endpoint) Fingerprint() string {
	return trust.Fingerprint(e.PublicKey)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s (identity %s)", e.Address(), e.Fingerprint())
}

// Resolver produces endpoints for the connection engine.
type Resolver interface {
	// Resolve returns the endpoint to connect to. A nil endpoint with a nil
	// error means no candidate is currently answering; the caller should stop
	// rather than retry. An error means resolution cannot succeed at all.
	Resolve(ctx context.Context) (*Endpoint, error)

	// WaitForReady blocks until another resolution attempt is worth making.
	WaitForReady(ctx context.Context) error
}

// sleepContext waits for d or until ctx is done.
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
