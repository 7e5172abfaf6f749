package engine

import (
	"crypto"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/protocol"
	"github.com/tunnelmesh/meshagent/internal/streamproxy"
	"github.com/tunnelmesh/meshagent/internal/trust"
)

// cycleListener follows one cycle's handshakes. It confirms the master's
// identity, approves the connection and keeps the session cookie.
type cycleListener struct {
	engine   *Engine
	identity crypto.PublicKey

	// streams is bound to the last channel built in this cycle.
	streams *streamproxy.Proxy
}

var _ protocol.Listener = (*cycleListener)(nil)

func (l *cycleListener) BeforeProperties(s *protocol.ConnectionState) {
	cert := s.Certificate()
	if cert == nil {
		return
	}
	remote := trust.Fingerprint(cert.PublicKey)
	if l.identity != nil && !trust.KeysEqual(l.identity, cert.PublicKey) {
		s.Reject("Expecting identity " + trust.Fingerprint(l.identity) + " but server presented " + remote)
		return
	}
	l.engine.sink.Status("Remote identity confirmed: " + remote)
}

func (l *cycleListener) AfterProperties(s *protocol.ConnectionState) {
	s.Approve()
}

// BeforeChannel pins channel tasks to the engine's pool even when a handler
// replaced the options, and binds the stream proxy before the master can
// send its first message.
func (l *cycleListener) BeforeChannel(s *protocol.ConnectionState) {
	opts := s.ChannelOptions()
	if opts.Executor == nil {
		opts.Executor = l.engine.pool
	}
	setup := opts.Setup
	opts.Setup = func(ch channel.Channel) {
		if setup != nil {
			setup(ch)
		}
		l.streams = l.engine.bindStreams(ch)
	}
}

func (l *cycleListener) AfterChannel(s *protocol.ConnectionState) {
	cookie, _ := s.LookupProperty(protocol.HeaderCookie)
	l.engine.headers.SetCookie(cookie)
	log.Debug().
		Str("agent", l.engine.cfg.Name).
		Str("protocol", s.Protocol).
		Bool("cookie", cookie != "").
		Msg("channel established")
}
