package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type result struct {
	payload []byte
	err     error
}

type pendingCall struct {
	method string
	ch     chan result
}

// Mux multiplexes calls and notifications over a single stream.
type Mux struct {
	name     string
	session  uuid.UUID
	rwc      io.ReadWriteCloser
	exec     Executor
	compress bool

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint32
	pending  map[uint32]*pendingCall
	handlers map[string]HandlerFunc
	err      error
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*Mux)(nil)

// NewMux starts a session over rwc. The read loop runs until rwc fails or
// the mux is closed.
func NewMux(rwc io.ReadWriteCloser, opts Options) *Mux {
	exec := opts.Executor
	if exec == nil {
		exec = goExecutor{}
	}
	m := &Mux{
		name:     opts.Name,
		session:  uuid.New(),
		rwc:      rwc,
		exec:     exec,
		compress: opts.Compress,
		pending:  make(map[uint32]*pendingCall),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}

	log.Debug().
		Str("channel", m.name).
		Str("session", m.session.String()).
		Bool("compress", m.compress).
		Msg("channel opened")

	if opts.Setup != nil {
		opts.Setup(m)
	}
	go m.readLoop()
	return m
}

// Name implements Channel.
func (m *Mux) Name() string { return m.name }

// Session returns the unique session identifier of this mux.
func (m *Mux) Session() uuid.UUID { return m.session }

// Done implements Channel.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Handle implements Channel.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, method)
		return
	}
	m.handlers[method] = h
}

// Call implements Channel.
func (m *Mux) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	pc := &pendingCall{method: method, ch: make(chan result, 1)}
	m.pending[id] = pc
	m.mu.Unlock()

	if err := m.write(frame{typ: frameCall, id: id, method: method, payload: payload}); err != nil {
		m.forget(id)
		return nil, err
	}

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	case <-m.done:
		select {
		case res := <-pc.ch:
			return res.payload, res.err
		default:
		}
		return nil, ErrClosed
	}
}

// Notify implements Channel.
func (m *Mux) Notify(method string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.write(frame{typ: frameNotify, method: method, payload: payload})
}

// Join implements Channel.
func (m *Mux) Join() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements Channel.
func (m *Mux) Close() error {
	m.shutdown(nil)
	<-m.done
	return nil
}

func (m *Mux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mux) forget(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Mux) write(f frame) error {
	buf, err := encodeFrame(f, m.compress)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.rwc.Write(buf); err != nil {
		if m.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("write %s: %w", m.name, err)
	}
	return nil
}

// shutdown records cause (first one wins) and closes the stream.
func (m *Mux) shutdown(cause error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.err = cause
		m.mu.Unlock()
		_ = m.rwc.Close()
	})
}

func (m *Mux) readLoop() {
	defer close(m.done)

	for {
		f, err := readFrame(m.rwc)
		if err != nil {
			if !m.isClosed() {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					err = nil
				}
				m.shutdown(err)
			}
			break
		}
		m.dispatch(f)
	}

	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint32]*pendingCall)
	cause := m.err
	m.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- result{err: ErrClosed}
	}

	ev := log.Debug()
	if cause != nil {
		ev = log.Warn().Err(cause)
	}
	ev.Str("channel", m.name).
		Str("session", m.session.String()).
		Msg("channel terminated")
}

func (m *Mux) dispatch(f frame) {
	switch f.typ {
	case frameReply, frameError:
		m.mu.Lock()
		pc, ok := m.pending[f.id]
		delete(m.pending, f.id)
		m.mu.Unlock()
		if !ok {
			return
		}
		if f.typ == frameError {
			pc.ch <- result{err: &RemoteError{Method: pc.method, Message: string(f.payload)}}
			return
		}
		pc.ch <- result{payload: f.payload}

	case frameNotify:
		h := m.handler(f.method)
		if h == nil {
			log.Debug().Str("channel", m.name).Str("method", f.method).Msg("dropping notification without handler")
			return
		}
		if _, err := h(context.Background(), f.payload); err != nil {
			log.Debug().Err(err).Str("channel", m.name).Str("method", f.method).Msg("notification handler failed")
		}

	case frameCall:
		h := m.handler(f.method)
		m.exec.Go(func(ctx context.Context) {
			m.serveCall(ctx, f, h)
		})
	}
}

func (m *Mux) handler(method string) HandlerFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[method]
}

func (m *Mux) serveCall(ctx context.Context, f frame, h HandlerFunc) {
	var (
		reply []byte
		err   error
	)
	if h == nil {
		err = fmt.Errorf("no handler for %q", f.method)
	} else {
		reply, err = safeHandle(ctx, h, f.payload)
	}

	out := frame{typ: frameReply, id: f.id, payload: reply}
	if err != nil {
		out = frame{typ: frameError, id: f.id, payload: []byte(err.Error())}
	}
	if werr := m.write(out); werr != nil && !errors.Is(werr, ErrClosed) {
		log.Debug().Err(werr).Str("channel", m.name).Str("method", f.method).Msg("failed to send reply")
	}
}

func safeHandle(ctx context.Context, h HandlerFunc, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
