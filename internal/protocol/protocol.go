// Package protocol negotiates which wire protocol the master accepts and
// builds the agent's channel over it.
package protocol

import (
	"context"
	"errors"
	"net"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// Header keys exchanged during every handshake.
const (
	HeaderAgentName = "Agent-Name"
	HeaderSecret    = "Secret"
	HeaderCookie    = "Cookie"
)

// Protocol names.
const (
	NameMUX4 = "MUX4-connect"
	NameSSH  = "SSH-connect"
	NameWS   = "WS-connect"
)

var (
	// ErrNoneAccepted means at least one protocol was tried and every attempt
	// failed. The engine retries the cycle.
	ErrNoneAccepted = errors.New("none of the protocols were accepted")

	// ErrNoneEnabled means no protocol was eligible to try. The engine exits.
	ErrNoneEnabled = errors.New("none of the protocols are enabled")
)

// Headers are the key/value pairs sent to the master in a handshake.
type Headers map[string]string

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Handler performs one protocol's handshake over an established connection.
type Handler interface {
	// Name is the protocol name advertised by the master.
	Name() string

	// Enabled reports whether this handler may be tried.
	Enabled() bool

	// Connect runs the handshake over conn and returns the resulting
	// channel. The handler reports its progress through state. On error the
	// caller closes conn.
	Connect(ctx context.Context, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (channel.Channel, error)
}

// RefusalError is a handshake rejected by either side with an explicit
// reason.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return "connection refused: " + e.Reason
}
