// Package engine runs the agent's connection cycle: resolve the master's
// agent listener, connect, negotiate a protocol, serve the channel until it
// closes, then reconnect or exit.
package engine

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
	"github.com/tunnelmesh/meshagent/internal/events"
	"github.com/tunnelmesh/meshagent/internal/metrics"
	"github.com/tunnelmesh/meshagent/internal/protocol"
	"github.com/tunnelmesh/meshagent/internal/streamproxy"
	"github.com/tunnelmesh/meshagent/internal/transport"
	"github.com/tunnelmesh/meshagent/internal/trust"
)

var (
	// ErrNoCandidates is returned by New when neither discovery URLs nor a
	// direct address are configured.
	ErrNoCandidates = errors.New("no master URLs or direct connection configured")

	// ErrNoEndpoint means no candidate produced an agent listener endpoint.
	ErrNoEndpoint = errors.New("could not resolve an agent listener endpoint")

	// ErrStarted is returned when configuration is changed after Run.
	ErrStarted = errors.New("engine already started")
)

// Config configures an Engine.
type Config struct {
	// Name and Secret identify the agent to the master.
	Name   string
	Secret string

	// URLs are candidate master base URLs used for discovery.
	URLs             []string
	Credentials      string
	ProxyCredentials string
	Tunnel           string
	// Certificates restrict the roots trusted by discovery.
	Certificates               []*x509.Certificate
	DisableHTTPSCertValidation bool

	// Direct is a "host:port" agent listener address used instead of
	// discovery. InstanceIdentity is its base64 public key and Protocols
	// the protocol names it supports.
	Direct           string
	InstanceIdentity string
	Protocols        []string

	// NoReconnect stops the engine after the first channel closes.
	NoReconnect bool

	// Compress enables channel frame compression.
	Compress bool

	// DisabledProtocols names handlers that must not be tried.
	DisabledProtocols []string
	HandshakeTimeout  time.Duration

	// SSHKey is the client key offered by SSH-connect.
	SSHKey ssh.Signer

	// ReconnectDelay and MaxReconnectDelay bound the readiness wait between
	// cycles.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Transport configures the connector. Nil selects transport.DefaultConfig.
	Transport *transport.Config

	// Metrics is optional.
	Metrics *metrics.AgentMetrics

	// Resolver replaces the resolver built from the candidates.
	Resolver endpoint.Resolver

	// Handlers replaces the built-in MUX4-connect, SSH-connect and
	// WS-connect handlers, in that order.
	Handlers []protocol.Handler
}

func (c *Config) hasCandidates() bool {
	return len(c.URLs) > 0 || c.Direct != "" || c.Resolver != nil
}

// candidateList describes the candidates for status messages.
func (c *Config) candidateList() string {
	if c.Direct != "" {
		return "[" + c.Direct + "]"
	}
	if len(c.URLs) > 0 {
		return "[" + strings.Join(c.URLs, ", ") + "]"
	}
	return "[custom resolver]"
}

// Engine owns the agent's connection to the master.
type Engine struct {
	cfg     Config
	sink    *events.Splitter
	trust   *trust.Context
	headers *headerStore
	pool    *Pool
	metrics *metrics.AgentMetrics

	registry   *protocol.Registry
	connector  *transport.Connector
	negotiator *protocol.Negotiator

	noReconnect atomic.Bool
	started     atomic.Bool

	mu             sync.Mutex
	state          State
	observers      MultiObserver
	certificates   []*x509.Certificate
	serviceURL     *url.URL
	channel        channel.Channel
	streams        *streamproxy.Proxy
	connectedSince time.Time
}

// New creates an engine reporting to sinks.
func New(cfg Config, sinks ...events.Sink) (*Engine, error) {
	if !cfg.hasCandidates() {
		return nil, ErrNoCandidates
	}
	if len(cfg.URLs) > 0 && cfg.Direct != "" {
		return nil, errors.New("discovery URLs and a direct connection are mutually exclusive")
	}

	e := &Engine{
		cfg:          cfg,
		sink:         events.NewSplitter(sinks...),
		trust:        trust.NewContext(),
		headers:      newHeaderStore(cfg.Name, cfg.Secret),
		metrics:      cfg.Metrics,
		state:        StateResolving,
		certificates: append([]*x509.Certificate(nil), cfg.Certificates...),
	}
	e.pool = newPool(e)
	e.noReconnect.Store(cfg.NoReconnect)

	handlers := cfg.Handlers
	if handlers == nil {
		hc := protocol.HandlerConfig{
			TLSConfig:        e.trust.ClientConfig,
			HandshakeTimeout: cfg.HandshakeTimeout,
			SSHKey:           cfg.SSHKey,
		}
		handlers = []protocol.Handler{
			protocol.NewMUX4Handler(hc),
			protocol.NewSSHHandler(hc),
			protocol.NewWSHandler(hc),
		}
	}
	registry, err := protocol.NewRegistry(handlers...)
	if err != nil {
		return nil, err
	}
	registry.Disable(cfg.DisabledProtocols...)
	e.registry = registry

	tc := transport.DefaultConfig()
	if cfg.Transport != nil {
		tc = *cfg.Transport
	}
	e.connector = transport.NewConnector(tc, e.sink)
	e.connector.OnAttempt(e.metrics.TrackConnectAttempt)

	e.negotiator = protocol.NewNegotiator(registry, e.sink, channel.Options{
		Name:     cfg.Name,
		Executor: e.pool,
		Compress: cfg.Compress,
	})
	e.negotiator.OnAttempt(e.metrics.TrackProtocolAttempt)

	e.metrics.TrackState("", StateResolving.String(), false)

	return e, nil
}

// AddListener adds an event sink.
func (e *Engine) AddListener(s events.Sink) {
	e.sink.Add(s)
}

// RemoveListener removes an event sink.
func (e *Engine) RemoveListener(s events.Sink) {
	e.sink.Remove(s)
}

// AddCandidateCertificate adds a root trusted by discovery. It must be
// called before Run.
func (e *Engine) AddCandidateCertificate(cert *x509.Certificate) error {
	if e.started.Load() {
		return ErrStarted
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.certificates = append(e.certificates, cert)
	return nil
}

// SetNoReconnect changes whether the engine stops after the current channel
// closes.
func (e *Engine) SetNoReconnect(v bool) {
	e.noReconnect.Store(v)
}

// NoReconnect reports the current no-reconnect setting.
func (e *Engine) NoReconnect() bool {
	return e.noReconnect.Load()
}

// Name returns the agent name.
func (e *Engine) Name() string {
	return e.cfg.Name
}

// Pool returns the engine's task pool.
func (e *Engine) Pool() *Pool {
	return e.pool
}

// Registry returns the protocol handler registry.
func (e *Engine) Registry() *protocol.Registry {
	return e.registry
}

// ServiceURL returns the service URL of the last resolved endpoint, or nil.
func (e *Engine) ServiceURL() *url.URL {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.serviceURL == nil {
		return nil
	}
	u := *e.serviceURL
	return &u
}

// Channel returns the established channel, or nil.
func (e *Engine) Channel() channel.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// Streams returns the stream proxy bound to the current channel, or nil.
func (e *Engine) Streams() *streamproxy.Proxy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams
}

// Exports returns the number of streams exported over the current channel.
func (e *Engine) Exports() int {
	if p := e.Streams(); p != nil {
		return p.Exports()
	}
	return 0
}

// ConnectedSince returns when the current channel was established, or the
// zero time.
func (e *Engine) ConnectedSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectedSince
}

// Cookie returns the session cookie replayed on the next handshake.
func (e *Engine) Cookie() (string, bool) {
	return e.headers.Cookie()
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AddObserver adds an observer to receive state change notifications.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers.Add(o)
}

// transitionTo moves to target and notifies observers outside the lock.
func (e *Engine) transitionTo(target State, reason string, err error) error {
	e.mu.Lock()
	from := e.state
	if !from.CanTransitionTo(target) {
		e.mu.Unlock()
		return &StateTransitionError{From: from, To: target, Agent: e.cfg.Name}
	}
	e.state = target
	observers := e.observers.clone()
	e.mu.Unlock()

	logEvent := log.Debug().
		Str("agent", e.cfg.Name).
		Str("from", from.String()).
		Str("to", target.String()).
		Str("reason", reason)
	if err != nil {
		logEvent = logEvent.Err(err)
	}
	logEvent.Msg("engine state transition")

	e.metrics.TrackState(from.String(), target.String(), target.IsActive())

	t := Transition{
		Agent:     e.cfg.Name,
		From:      from,
		To:        target,
		Timestamp: time.Now(),
		Reason:    reason,
		Error:     err,
	}
	observers.OnTransition(t)
	return nil
}

// mustTransition panics on an invalid transition; Run recovers it as fatal.
func (e *Engine) mustTransition(target State, reason string, err error) {
	if terr := e.transitionTo(target, reason, err); terr != nil {
		panic(terr)
	}
}

// outcome is how a cycle ended when it did not fail fatally.
type outcome int

const (
	outcomeClosed outcome = iota
	outcomeRejected
	outcomeConnectFailed
)

// Run drives connection cycles until the engine exits. It returns nil after
// a clean exit (no-reconnect), ctx.Err() on cancellation, or the fatal error
// that was reported to the sinks.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer func() {
		_ = e.transitionTo(StateExited, "run finished", err)
	}()

	resolver, err := e.resolver()
	if err != nil {
		err = fmt.Errorf("configure endpoint resolver: %w", err)
		e.sink.Error(err)
		return err
	}

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first && e.noReconnect.Load() {
			log.Debug().Str("agent", e.cfg.Name).Msg("reconnect disabled, exiting")
			return nil
		}

		e.metrics.TrackCycle()
		res, err := e.cycle(ctx, resolver)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.sink.Error(err)
			return err
		}

		switch res {
		case outcomeRejected, outcomeConnectFailed:
			e.mustTransition(StateResolving, "retrying cycle", nil)
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if e.noReconnect.Load() {
			return nil
		}

		e.sink.OnDisconnect()
		if err := resolver.WaitForReady(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			err = fmt.Errorf("wait for master: %w", err)
			e.sink.Error(err)
			return err
		}
		e.sink.Status("Performing onReconnect operation.")
		e.sink.OnReconnect()
		e.sink.Status("onReconnect operation completed.")
		e.mustTransition(StateResolving, "reconnecting", nil)
	}
}

func (e *Engine) resolver() (endpoint.Resolver, error) {
	if e.cfg.Resolver != nil {
		return e.cfg.Resolver, nil
	}
	if e.cfg.Direct != "" {
		return endpoint.NewDirectResolver(e.cfg.Direct, e.cfg.InstanceIdentity, e.cfg.Protocols, e.cfg.ReconnectDelay)
	}

	e.mu.Lock()
	certs := append([]*x509.Certificate(nil), e.certificates...)
	e.mu.Unlock()

	return endpoint.NewDiscoveryResolver(endpoint.DiscoveryConfig{
		URLs:                       e.cfg.URLs,
		Credentials:                e.cfg.Credentials,
		ProxyCredentials:           e.cfg.ProxyCredentials,
		Tunnel:                     e.cfg.Tunnel,
		Certificates:               certs,
		DisableHTTPSCertValidation: e.cfg.DisableHTTPSCertValidation,
		MinReadyDelay:              e.cfg.ReconnectDelay,
		MaxReadyDelay:              e.cfg.MaxReconnectDelay,
	})
}

// cycle runs one resolve-connect-negotiate-serve pass. A non-nil error is
// fatal. Panics are recovered and reported as fatal.
func (e *Engine) cycle(ctx context.Context, resolver endpoint.Resolver) (res outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("agent", e.cfg.Name).Msg("connection cycle panicked")
			err = fmt.Errorf("unexpected failure in connection cycle: %v", r)
		}
	}()

	candidates := e.cfg.candidateList()
	e.sink.Status("Locating server among " + candidates)

	ep, err := resolver.Resolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve endpoint: %w", err)
	}
	if ep == nil {
		e.sink.Status("Could not resolve server among " + candidates)
		return 0, ErrNoEndpoint
	}

	e.mu.Lock()
	e.serviceURL = ep.ServiceURL
	e.mu.Unlock()

	e.sink.Status(fmt.Sprintf("Agent discovery successful\n  Agent address: %s\n  Agent port:    %d\n  Identity:      %s",
		ep.Host, ep.Port, ep.Fingerprint()))

	e.trust.Pin(ep.PublicKey)

	e.mustTransition(StateConnecting, "endpoint resolved", nil)
	e.sink.Status("Handshaking")

	conn, err := e.connector.Connect(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		e.sink.StatusErr("Failed to connect to "+ep.Address(), err)
		return outcomeConnectFailed, nil
	}

	e.mustTransition(StateNegotiating, "transport connected", nil)

	redial := func(ctx context.Context) (net.Conn, error) {
		return e.connector.Connect(ctx, ep)
	}
	listener := &cycleListener{engine: e, identity: ep.PublicKey}
	result, err := e.negotiator.Negotiate(ctx, conn, redial, ep, e.headers.Snapshot(), listener)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrNoneAccepted):
		e.metrics.TrackRejection()
		e.sink.Error(fmt.Errorf("the server rejected the connection: %w", err))
		return outcomeRejected, nil
	case errors.Is(err, protocol.ErrNoneEnabled):
		return 0, fmt.Errorf("the server rejected the connection: %w", err)
	case ctx.Err() != nil:
		return 0, err
	default:
		// A redial between protocols spent its connect budget.
		e.sink.StatusErr("Failed to connect to "+ep.Address(), err)
		return outcomeConnectFailed, nil
	}
	defer func() { _ = result.Conn.Close() }()

	e.serve(ctx, result, listener.streams)
	return outcomeClosed, nil
}

// bindStreams attaches the stream proxy to ch and feeds its traffic into
// the metrics.
func (e *Engine) bindStreams(ch channel.Channel) *streamproxy.Proxy {
	streams := streamproxy.Bind(ch, e.pool)
	streams.OnTransfer(func(mode streamproxy.Mode, n int) {
		e.metrics.TrackStreamBytes(mode.String(), n)
	})
	return streams
}

// serve publishes the channel and blocks until it closes. streams is nil
// when the channel was built without the cycle listener.
func (e *Engine) serve(ctx context.Context, result *protocol.Result, streams *streamproxy.Proxy) {
	ch := result.Channel
	if streams == nil {
		streams = e.bindStreams(ch)
	}

	e.mu.Lock()
	e.channel = ch
	e.streams = streams
	e.connectedSince = time.Now()
	e.mu.Unlock()

	e.mustTransition(StateConnected, "negotiated "+result.Protocol, nil)
	e.sink.Status("Connected")

	select {
	case <-ch.Done():
	case <-ctx.Done():
		_ = ch.Close()
	}
	cause := ch.Join()

	e.mu.Lock()
	e.channel = nil
	e.streams = nil
	e.connectedSince = time.Time{}
	e.mu.Unlock()

	if cause != nil {
		e.sink.StatusErr("Terminated", cause)
	} else {
		e.sink.Status("Terminated")
	}
	e.metrics.TrackDisconnect()
	e.mustTransition(StateDisconnected, "channel closed", cause)
}
