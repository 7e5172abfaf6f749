package protocol

import (
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// Listener observes and steers a handshake. Callbacks run on the handshake
// goroutine in order: BeforeProperties, AfterProperties, BeforeChannel,
// AfterChannel.
type Listener interface {
	// BeforeProperties is called once the peer certificate is known. It may
	// Reject the connection.
	BeforeProperties(s *ConnectionState)

	// AfterProperties is called with the peer's properties. It must Approve
	// or Reject the connection.
	AfterProperties(s *ConnectionState)

	// BeforeChannel may adjust the channel options.
	BeforeChannel(s *ConnectionState)

	// AfterChannel is called with the live channel.
	AfterChannel(s *ConnectionState)
}

// ApproveAll is a Listener that approves every connection.
type ApproveAll struct{}

func (ApproveAll) BeforeProperties(*ConnectionState)  {}
func (ApproveAll) AfterProperties(s *ConnectionState) { s.Approve() }
func (ApproveAll) BeforeChannel(*ConnectionState)     {}
func (ApproveAll) AfterChannel(*ConnectionState)      {}

// ConnectionState carries one handshake attempt through its listener.
type ConnectionState struct {
	Protocol string
	Endpoint *endpoint.Endpoint

	// Headers are the values sent to the master.
	Headers Headers

	listener Listener

	mu          sync.Mutex
	certificate *x509.Certificate
	properties  map[string]string
	rejection   *RefusalError
	approved    bool
	options     channel.Options
	channel     channel.Channel
}

// NewConnectionState creates the state for one attempt. A nil listener
// approves everything.
func NewConnectionState(protocol string, ep *endpoint.Endpoint, headers Headers, listener Listener, opts channel.Options) *ConnectionState {
	if listener == nil {
		listener = ApproveAll{}
	}
	return &ConnectionState{
		Protocol: protocol,
		Endpoint: ep,
		Headers:  headers,
		listener: listener,
		options:  opts,
	}
}

// Certificate returns the peer's leaf certificate, if known.
func (s *ConnectionState) Certificate() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certificate
}

// Property returns a property sent by the master, or "" when absent.
func (s *ConnectionState) Property(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties[key]
}

// LookupProperty returns a property and whether the master sent it.
func (s *ConnectionState) LookupProperty(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.properties[key]
	return v, ok
}

// Properties returns a copy of the master's properties.
func (s *ConnectionState) Properties() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.properties))
	for k, v := range s.properties {
		out[k] = v
	}
	return out
}

// Reject refuses the connection with reason. The first rejection wins.
func (s *ConnectionState) Reject(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejection == nil {
		s.rejection = &RefusalError{Reason: reason}
	}
}

// Rejection returns the refusal, or nil.
func (s *ConnectionState) Rejection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejection == nil {
		return nil
	}
	return s.rejection
}

// Approve accepts the connection.
func (s *ConnectionState) Approve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved = true
}

// ChannelOptions returns the options the channel will be built with.
// BeforeChannel listeners may modify them through the pointer.
func (s *ConnectionState) ChannelOptions() *channel.Options {
	return &s.options
}

// Channel returns the established channel, once AfterChannel has been
// reached.
func (s *ConnectionState) Channel() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// fireBeforeProperties records the peer certificate and runs the listener.
func (s *ConnectionState) fireBeforeProperties(cert *x509.Certificate) error {
	s.mu.Lock()
	s.certificate = cert
	s.mu.Unlock()

	s.listener.BeforeProperties(s)
	return s.Rejection()
}

// fireAfterProperties records the master's properties and requires approval.
func (s *ConnectionState) fireAfterProperties(props map[string]string) error {
	s.mu.Lock()
	s.properties = make(map[string]string, len(props))
	for k, v := range props {
		s.properties[k] = v
	}
	s.mu.Unlock()

	s.listener.AfterProperties(s)
	if err := s.Rejection(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.approved {
		return &RefusalError{Reason: fmt.Sprintf("%s connection was not approved", s.Protocol)}
	}
	return nil
}

func (s *ConnectionState) fireBeforeChannel() channel.Options {
	s.listener.BeforeChannel(s)
	return s.options
}

func (s *ConnectionState) fireAfterChannel(ch channel.Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	s.listener.AfterChannel(s)
}
