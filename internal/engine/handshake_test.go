package engine

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
	"github.com/tunnelmesh/meshagent/internal/events"
	"github.com/tunnelmesh/meshagent/internal/metrics"
	"github.com/tunnelmesh/meshagent/internal/protocol"
	"github.com/tunnelmesh/meshagent/internal/streamproxy"
	"github.com/tunnelmesh/meshagent/internal/transport"
	"github.com/tunnelmesh/meshagent/internal/trust"
	"github.com/tunnelmesh/meshagent/testutil"
)

// mux4Master is a TLS agent listener that accepts MUX4-connect greetings and
// closes each channel right after the handshake.
type mux4Master struct {
	addr *net.TCPAddr

	mu     sync.Mutex
	claims []*protocol.GreetingClaims
}

func startMUX4Master(t *testing.T, cert *testutil.Certificate, decide func(n int, claims *protocol.GreetingClaims) protocol.GreetingReply) *mux4Master {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", testutil.ServerTLSConfig(cert))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	m := &mux4Master{addr: ln.Addr().(*net.TCPAddr)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = protocol.AcceptMUX4(conn, testSecret, func(claims *protocol.GreetingClaims) protocol.GreetingReply {
					m.mu.Lock()
					m.claims = append(m.claims, claims)
					n := len(m.claims)
					m.mu.Unlock()
					return decide(n, claims)
				})
			}()
		}
	}()
	return m
}

func (m *mux4Master) greetings() []*protocol.GreetingClaims {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.GreetingClaims(nil), m.claims...)
}

func (m *mux4Master) endpoint(key crypto.PublicKey) *endpoint.Endpoint {
	return endpoint.New("127.0.0.1", m.addr.Port, testServiceURL, key, nil)
}

func mux4Config(resolver endpoint.Resolver) Config {
	return Config{
		Resolver:          resolver,
		DisabledProtocols: []string{protocol.NameSSH, protocol.NameWS},
		HandshakeTimeout:  5 * time.Second,
		Transport:         &transport.Config{DialTimeout: 5 * time.Second, RetryDelay: time.Millisecond},
	}
}

func TestHandshake_CookieRoundTrip(t *testing.T) {
	cert := testutil.GenerateCertificate(t, "master")

	var engineRef atomic.Pointer[Engine]
	master := startMUX4Master(t, cert, func(n int, _ *protocol.GreetingClaims) protocol.GreetingReply {
		if n == 1 {
			return protocol.GreetingReply{
				Status:     protocol.StatusOK,
				Properties: map[string]string{protocol.HeaderCookie: "session-1"},
			}
		}
		engineRef.Load().SetNoReconnect(true)
		return protocol.GreetingReply{Status: protocol.StatusOK}
	})

	resolver := &fakeResolver{resolve: func(int) (*endpoint.Endpoint, error) {
		return master.endpoint(cert.Leaf.PublicKey), nil
	}}
	rec := &events.Recorder{}
	e := newTestEngine(t, mux4Config(resolver), rec)
	engineRef.Store(e)

	require.NoError(t, runEngine(t, context.Background(), e))

	greetings := master.greetings()
	require.Len(t, greetings, 2)
	assert.Equal(t, testAgent, greetings[0].Subject)
	assert.Empty(t, greetings[0].Cookie)
	assert.Equal(t, "session-1", greetings[1].Cookie)

	// The second reply carried no cookie, so it is forgotten.
	_, ok := e.Cookie()
	assert.False(t, ok)

	assert.Equal(t, 2, rec.CountStatus("Remote identity confirmed: "+trust.Fingerprint(cert.Leaf.PublicKey)))
	assert.Equal(t, 1, rec.Disconnects())
	assert.Empty(t, rec.Errors())
}

func TestHandshake_PinnedIdentityMismatch(t *testing.T) {
	cert := testutil.GenerateCertificate(t, "master")
	impostor := testutil.GenerateCertificate(t, "impostor")
	master := startMUX4Master(t, impostor, func(int, *protocol.GreetingClaims) protocol.GreetingReply {
		return protocol.GreetingReply{Status: protocol.StatusOK}
	})

	// The listener publishes cert's key but presents impostor's certificate.
	resolver := &fakeResolver{resolve: func(int) (*endpoint.Endpoint, error) {
		return master.endpoint(cert.Leaf.PublicKey), nil
	}}
	rec := &events.Recorder{}
	cfg := mux4Config(resolver)
	cfg.NoReconnect = true
	e := newTestEngine(t, cfg, rec)

	require.NoError(t, runEngine(t, context.Background(), e))

	assert.Empty(t, master.greetings())
	require.Len(t, rec.Errors(), 1)
	assert.ErrorIs(t, rec.Errors()[0], protocol.ErrNoneAccepted)
	assert.Equal(t, 1, rec.CountStatus("expecting identity "+trust.Fingerprint(cert.Leaf.PublicKey)))
	assert.Equal(t, 0, rec.CountStatus("Remote identity confirmed"))
}

func TestHandshake_UnpinnedAcceptsAnyCertificate(t *testing.T) {
	cert := testutil.GenerateCertificate(t, "master")
	master := startMUX4Master(t, cert, func(int, *protocol.GreetingClaims) protocol.GreetingReply {
		return protocol.GreetingReply{Status: protocol.StatusOK}
	})

	resolver := &fakeResolver{resolve: func(int) (*endpoint.Endpoint, error) {
		return master.endpoint(nil), nil
	}}
	rec := &events.Recorder{}
	cfg := mux4Config(resolver)
	cfg.NoReconnect = true
	e := newTestEngine(t, cfg, rec)

	require.NoError(t, runEngine(t, context.Background(), e))

	assert.Len(t, master.greetings(), 1)
	assert.Empty(t, rec.Errors())
	assert.Equal(t, 1, rec.CountStatus("Identity:      null"))
	assert.Equal(t, 1, rec.CountStatus("Remote identity confirmed: "+trust.Fingerprint(cert.Leaf.PublicKey)))
	assert.Equal(t, 1, rec.CountStatus("Connected"))
}

func TestHandshake_Metrics(t *testing.T) {
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = oldRegistry })
	m := metrics.InitMetrics(testAgent, "test")

	cert := testutil.GenerateCertificate(t, "master")
	master := startMUX4Master(t, cert, func(n int, _ *protocol.GreetingClaims) protocol.GreetingReply {
		if n == 1 {
			return protocol.GreetingReply{Status: protocol.StatusRefused, Reason: "busy"}
		}
		return protocol.GreetingReply{Status: protocol.StatusOK}
	})

	var e *Engine
	resolver := &fakeResolver{resolve: func(n int) (*endpoint.Endpoint, error) {
		if n == 2 {
			e.SetNoReconnect(true)
		}
		return master.endpoint(cert.Leaf.PublicKey), nil
	}}
	cfg := mux4Config(resolver)
	cfg.Metrics = m
	e = newTestEngine(t, cfg)

	require.NoError(t, runEngine(t, context.Background(), e))

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Cycles))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Rejections))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ProtocolAttempts.WithLabelValues(protocol.NameMUX4, protocol.OutcomeRefused)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ProtocolAttempts.WithLabelValues(protocol.NameMUX4, protocol.OutcomeSucceeded)))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.ProtocolAttempts.WithLabelValues(protocol.NameSSH, protocol.OutcomeSkipped)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Disconnects))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.EngineState.WithLabelValues(StateExited.String())))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.Connected))
}

func TestHandshake_GreedyExportOnAccept(t *testing.T) {
	cert := testutil.GenerateCertificate(t, "master")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", testutil.ServerTLSConfig(cert))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	payload := bytes.Repeat([]byte("0123456789abcdef"), 3*streamproxy.ChunkSize/16+7)
	handles := make(chan streamproxy.Handle, 1)
	masters := make(chan *channel.Mux, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := protocol.AcceptMUX4(conn, testSecret, func(*protocol.GreetingClaims) protocol.GreetingReply {
			return protocol.GreetingReply{Status: protocol.StatusOK}
		}); err != nil {
			_ = conn.Close()
			return
		}

		// The master pushes the stream the moment the channel is up.
		var streams *streamproxy.Proxy
		master := channel.NewMux(conn, channel.Options{Name: "master", Setup: func(ch channel.Channel) {
			streams = streamproxy.Bind(ch, nil)
		}})
		handles <- streams.Export(bytes.NewReader(payload), streamproxy.Greedy)
		masters <- master
	}()

	resolver := &fakeResolver{resolve: func(int) (*endpoint.Endpoint, error) {
		return endpoint.New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, testServiceURL, cert.Leaf.PublicKey, nil), nil
	}}
	cfg := mux4Config(resolver)
	cfg.NoReconnect = true
	e := newTestEngine(t, cfg)

	connected := make(chan struct{})
	e.AddObserver(ObserverFunc(func(t Transition) {
		if t.To == StateConnected {
			close(connected)
		}
	}))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	var h streamproxy.Handle
	select {
	case h = <-handles:
	case <-time.After(5 * time.Second):
		t.Fatal("master did not export")
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not connect")
	}

	got := make(chan []byte, 1)
	go func() {
		data, err := io.ReadAll(e.Streams().Open(h))
		assert.NoError(t, err)
		got <- data
	}()
	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("greedy stream sent on accept never reached EOF")
	}

	require.NoError(t, (<-masters).Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit")
	}
}
