package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
	"github.com/tunnelmesh/meshagent/internal/events"
)

// Attempt outcomes passed to AttemptFunc.
const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRefused   = "refused"
	OutcomePanicked  = "panicked"
)

// DialFunc opens a fresh transport connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// AttemptFunc observes the outcome of each handler.
type AttemptFunc func(protocol, outcome string)

// Result is a successful negotiation.
type Result struct {
	Channel  channel.Channel
	Conn     net.Conn
	Protocol string
}

// Negotiator tries registered handlers in order until one yields a channel.
type Negotiator struct {
	registry  *Registry
	sink      events.Sink
	options   channel.Options
	onAttempt AttemptFunc
}

// NewNegotiator creates a negotiator. opts are the default channel options
// offered to each handshake.
func NewNegotiator(registry *Registry, sink events.Sink, opts channel.Options) *Negotiator {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Negotiator{
		registry: registry,
		sink:     sink,
		options:  opts,
	}
}

// OnAttempt registers a callback invoked once per handler considered.
func (n *Negotiator) OnAttempt(fn AttemptFunc) {
	n.onAttempt = fn
}

// attempt is the explicit outcome of one handler.
type attempt struct {
	ch       channel.Channel
	err      error
	panicked bool
}

// Negotiate runs the handshake with each eligible handler in order. conn may
// be nil, in which case redial is used before the first attempt. A failed
// attempt consumes its connection; the next handler gets a fresh one. The
// negotiator owns conn: on error it has been closed.
func (n *Negotiator) Negotiate(ctx context.Context, conn net.Conn, redial DialFunc, ep *endpoint.Endpoint, headers Headers, listener Listener) (_ *Result, err error) {
	defer func() {
		if err != nil && conn != nil {
			_ = conn.Close()
		}
	}()

	tried := false

	for _, h := range n.registry.Handlers() {
		name := h.Name()

		if !n.registry.Enabled(h) {
			n.sink.Status("Protocol " + name + " is not enabled, skipping")
			n.observe(name, OutcomeSkipped)
			continue
		}
		if !ep.ProtocolSupported(name) {
			n.sink.Status("Server reports protocol " + name + " not supported, skipping")
			n.observe(name, OutcomeSkipped)
			continue
		}

		if conn == nil {
			if conn, err = redial(ctx); err != nil {
				return nil, err
			}
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		tried = true
		n.sink.Status("Trying protocol: " + name)

		state := NewConnectionState(name, ep, headers, listener, n.options)
		a := n.try(ctx, h, conn, ep, state)
		if a.err == nil && a.ch != nil {
			n.observe(name, OutcomeSucceeded)
			log.Debug().Str("protocol", name).Msg("protocol handshake succeeded")
			return &Result{Channel: a.ch, Conn: conn, Protocol: name}, nil
		}

		var refusal *RefusalError
		switch {
		case a.panicked:
			n.sink.StatusErr("Protocol "+name+" encountered a runtime error", a.err)
			n.observe(name, OutcomePanicked)
		case errors.As(a.err, &refusal):
			n.sink.StatusErr("Protocol "+name+" was refused", a.err)
			n.observe(name, OutcomeRefused)
		default:
			n.sink.StatusErr("Protocol "+name+" failed to establish channel", a.err)
			n.observe(name, OutcomeFailed)
		}

		_ = conn.Close()
		conn = nil

		if err = ctx.Err(); err != nil {
			return nil, err
		}
	}

	if tried {
		return nil, ErrNoneAccepted
	}
	return nil, ErrNoneEnabled
}

func (n *Negotiator) try(ctx context.Context, h Handler, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (a attempt) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("protocol", h.Name()).Msg("protocol handler panicked")
			a = attempt{err: fmt.Errorf("protocol %s: panic: %v", h.Name(), r), panicked: true}
		}
	}()

	ch, err := h.Connect(ctx, conn, ep, state)
	if err == nil && ch == nil {
		err = fmt.Errorf("protocol %s returned no channel", h.Name())
	}
	return attempt{ch: ch, err: err}
}

func (n *Negotiator) observe(protocol, outcome string) {
	if n.onAttempt != nil {
		n.onAttempt(protocol, outcome)
	}
}
