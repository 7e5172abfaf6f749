package protocol

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
	"github.com/tunnelmesh/meshagent/internal/events"
	"github.com/tunnelmesh/meshagent/testutil"
)

// fakeHandler records calls and returns a scripted outcome.
type fakeHandler struct {
	name    string
	enabled bool
	err     error
	panics  bool
	order   *[]string
	conns   []net.Conn
}

func (f *fakeHandler) Name() string  { return f.name }
func (f *fakeHandler) Enabled() bool { return f.enabled }

func (f *fakeHandler) Connect(_ context.Context, conn net.Conn, _ *endpoint.Endpoint, state *ConnectionState) (channel.Channel, error) {
	*f.order = append(*f.order, f.name)
	f.conns = append(f.conns, conn)
	if f.panics {
		panic("handler exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	a, _ := net.Pipe()
	ch := channel.NewMux(a, channel.Options{Name: f.name})
	state.fireAfterChannel(ch)
	return ch, nil
}

type dialCounter struct {
	mu    sync.Mutex
	dials int
	conns []*testutil.MockConn
}

func (d *dialCounter) dial(context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := &testutil.MockConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func newNegotiator(t *testing.T, sink events.Sink, handlers ...Handler) *Negotiator {
	t.Helper()
	reg, err := NewRegistry(handlers...)
	require.NoError(t, err)
	return NewNegotiator(reg, sink, channel.Options{})
}

func TestNegotiate_RespectsOrder(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: false, order: &order}
	b := &fakeHandler{name: "B", enabled: true, err: errors.New("handshake failed"), order: &order}
	c := &fakeHandler{name: "C", enabled: true, order: &order}

	rec := &events.Recorder{}
	n := newNegotiator(t, rec, a, b, c)

	var outcomes []string
	n.OnAttempt(func(protocol, outcome string) {
		outcomes = append(outcomes, protocol+"="+outcome)
	})

	dialer := &dialCounter{}
	first, _ := dialer.dial(context.Background())
	ep := endpoint.New("h", 1, nil, nil, nil)

	res, err := n.Negotiate(context.Background(), first, dialer.dial, ep, Headers{}, nil)
	require.NoError(t, err)
	defer func() { _ = res.Channel.Close() }()

	assert.Equal(t, []string{"B", "C"}, order)
	assert.Equal(t, "C", res.Protocol)
	assert.Equal(t, []string{"A=skipped", "B=failed", "C=succeeded"}, outcomes)

	// B consumed the first connection; C got a fresh one.
	require.Len(t, dialer.conns, 2)
	assert.True(t, dialer.conns[0].IsClosed())
	assert.False(t, dialer.conns[1].IsClosed())
	assert.Same(t, dialer.conns[1], res.Conn)

	statuses := rec.Statuses()
	assert.Contains(t, statuses, "Protocol A is not enabled, skipping")
	assert.Contains(t, statuses, "Trying protocol: B")
	assert.Contains(t, statuses, "Trying protocol: C")
	assert.Equal(t, 1, rec.CountStatus("Protocol B failed to establish channel"))
}

func TestNegotiate_SkipsUnsupported(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: true, order: &order}
	b := &fakeHandler{name: "B", enabled: true, order: &order}

	rec := &events.Recorder{}
	n := newNegotiator(t, rec, a, b)
	dialer := &dialCounter{}
	ep := endpoint.New("h", 1, nil, nil, []string{"B"})

	res, err := n.Negotiate(context.Background(), nil, dialer.dial, ep, Headers{}, nil)
	require.NoError(t, err)
	defer func() { _ = res.Channel.Close() }()

	assert.Equal(t, []string{"B"}, order)
	assert.Equal(t, 1, dialer.dials)
	assert.Contains(t, rec.Statuses(), "Server reports protocol A not supported, skipping")
}

func TestNegotiate_NoneAccepted(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: true, err: &RefusalError{Reason: "go away"}, order: &order}
	b := &fakeHandler{name: "B", enabled: true, panics: true, order: &order}
	c := &fakeHandler{name: "C", enabled: true, err: errors.New("broken"), order: &order}

	rec := &events.Recorder{}
	n := newNegotiator(t, rec, a, b, c)
	dialer := &dialCounter{}
	ep := endpoint.New("h", 1, nil, nil, nil)

	res, err := n.Negotiate(context.Background(), nil, dialer.dial, ep, Headers{}, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoneAccepted)
	assert.Equal(t, []string{"A", "B", "C"}, order)

	assert.Equal(t, 3, dialer.dials)
	for _, c := range dialer.conns {
		assert.True(t, c.IsClosed())
	}
	assert.Equal(t, 1, rec.CountStatus("Protocol A was refused"))
	assert.Equal(t, 1, rec.CountStatus("Protocol B encountered a runtime error"))
	assert.Equal(t, 1, rec.CountStatus("Protocol C failed to establish channel"))
}

func TestNegotiate_NoneEnabled(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: false, order: &order}
	b := &fakeHandler{name: "B", enabled: true, order: &order}

	reg, err := NewRegistry(a, b)
	require.NoError(t, err)
	reg.Disable("B")
	n := NewNegotiator(reg, nil, channel.Options{})

	first := &testutil.MockConn{}
	dialer := &dialCounter{}
	res, err := n.Negotiate(context.Background(), first, dialer.dial, endpoint.New("h", 1, nil, nil, nil), Headers{}, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoneEnabled)
	assert.Empty(t, order)
	assert.Equal(t, 0, dialer.dials)
	assert.True(t, first.IsClosed())
}

func TestNegotiate_EmptyRegistry(t *testing.T) {
	n := newNegotiator(t, nil)
	dialer := &dialCounter{}
	_, err := n.Negotiate(context.Background(), nil, dialer.dial, endpoint.New("h", 1, nil, nil, nil), Headers{}, nil)
	assert.ErrorIs(t, err, ErrNoneEnabled)
}

func TestNegotiate_CancelledContext(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: true, order: &order}
	n := newNegotiator(t, nil, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first := &testutil.MockConn{}
	dialer := &dialCounter{}
	_, err := n.Negotiate(ctx, first, dialer.dial, endpoint.New("h", 1, nil, nil, nil), Headers{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, order)
	assert.True(t, first.IsClosed())
}

func TestRegistry(t *testing.T) {
	var order []string
	a := &fakeHandler{name: "A", enabled: true, order: &order}

	reg, err := NewRegistry(a)
	require.NoError(t, err)
	assert.Error(t, reg.Register(a))
	assert.Error(t, reg.Register(nil))

	got, ok := reg.Get("A")
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"A"}, reg.Names())

	assert.True(t, reg.Enabled(a))
	reg.Disable("A")
	assert.False(t, reg.Enabled(a))
}

func TestConnectionState_Approval(t *testing.T) {
	s := NewConnectionState("P", nil, Headers{}, nil, channel.Options{})
	require.NoError(t, s.fireAfterProperties(map[string]string{"Cookie": "c"}))
	assert.Equal(t, "c", s.Property("Cookie"))

	// A listener that neither approves nor rejects refuses the connection.
	silent := NewConnectionState("P", nil, Headers{}, listenerFuncs{}, channel.Options{})
	err := silent.fireAfterProperties(nil)
	var refusal *RefusalError
	require.ErrorAs(t, err, &refusal)
	assert.Contains(t, refusal.Reason, "not approved")

	rejecting := NewConnectionState("P", nil, Headers{}, listenerFuncs{
		before: func(s *ConnectionState) { s.Reject("first"); s.Reject("second") },
	}, channel.Options{})
	err = rejecting.fireBeforeProperties(nil)
	require.ErrorAs(t, err, &refusal)
	assert.Equal(t, "first", refusal.Reason)
}

// listenerFuncs is a Listener built from optional callbacks.
type listenerFuncs struct {
	before        func(*ConnectionState)
	after         func(*ConnectionState)
	beforeChannel func(*ConnectionState)
	afterChannel  func(*ConnectionState)
}

func (l listenerFuncs) BeforeProperties(s *ConnectionState) {
	if l.before != nil {
		l.before(s)
	}
}

func (l listenerFuncs) AfterProperties(s *ConnectionState) {
	if l.after != nil {
		l.after(s)
	}
}

func (l listenerFuncs) BeforeChannel(s *ConnectionState) {
	if l.beforeChannel != nil {
		l.beforeChannel(s)
	}
}

func (l listenerFuncs) AfterChannel(s *ConnectionState) {
	if l.afterChannel != nil {
		l.afterChannel(s)
	}
}
