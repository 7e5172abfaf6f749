// Package streamproxy lets one side of a channel read an io.Reader that lives
// on the other side.
package streamproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/channel"
)

// Channel methods used by the proxy.
const (
	MethodRead  = "stream.read"
	MethodChunk = "stream.chunk"
	MethodClose = "stream.close"
)

// ChunkSize is the largest piece a greedy export sends at once.
const ChunkSize = 32 << 10

// maxLazyRead bounds a single lazy read request.
const maxLazyRead = 1 << 20

// Mode selects how an exported stream is transferred.
type Mode int

const (
	// Greedy pushes the whole stream to the reader as fast as it can be read.
	Greedy Mode = iota
	// Lazy transfers data only when the reader asks for it.
	Lazy
)

func (m Mode) String() string {
	switch m {
	case Greedy:
		return "greedy"
	case Lazy:
		return "lazy"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "greedy":
		*m = Greedy
	case "lazy":
		*m = Lazy
	default:
		return fmt.Errorf("unknown stream mode %q", b)
	}
	return nil
}

// Handle identifies an exported stream. It is sent to the peer inside
// application messages and opened there with Proxy.Open.
type Handle struct {
	ID   uuid.UUID `json:"id"`
	Mode Mode      `json:"mode"`
}

// TransferFunc observes bytes moved by the proxy.
type TransferFunc func(mode Mode, n int)

type readRequest struct {
	ID  uuid.UUID `json:"id"`
	Max int       `json:"max"`
}

type readReply struct {
	Data []byte     `json:"data,omitempty"`
	EOF  bool       `json:"eof,omitempty"`
	Err  *wireError `json:"err,omitempty"`
}

type chunkMessage struct {
	ID   uuid.UUID  `json:"id"`
	Seq  uint64     `json:"seq"`
	Data []byte     `json:"data,omitempty"`
	EOF  bool       `json:"eof,omitempty"`
	Err  *wireError `json:"err,omitempty"`
}

type closeMessage struct {
	ID uuid.UUID `json:"id"`
}

// Proxy exports local readers to the peer and opens the peer's exports.
type Proxy struct {
	ch   channel.Channel
	exec channel.Executor

	mu         sync.Mutex
	exports    map[uuid.UUID]*export
	readers    map[uuid.UUID]*remoteReader
	discarded  map[uuid.UUID]struct{}
	closed     bool
	onTransfer TransferFunc
}

// Bind attaches a proxy to ch. Greedy drains run on exec.
func Bind(ch channel.Channel, exec channel.Executor) *Proxy {
	if exec == nil {
		exec = channel.ExecutorFunc(func(fn func(context.Context)) {
			go fn(context.Background())
		})
	}
	p := &Proxy{
		ch:        ch,
		exec:      exec,
		exports:   make(map[uuid.UUID]*export),
		readers:   make(map[uuid.UUID]*remoteReader),
		discarded: make(map[uuid.UUID]struct{}),
	}

	ch.Handle(MethodRead, p.handleRead)
	ch.Handle(MethodChunk, p.handleChunk)
	ch.Handle(MethodClose, p.handleClose)

	go func() {
		<-ch.Done()
		p.release()
	}()
	return p
}

// OnTransfer registers a callback for transferred bytes.
func (p *Proxy) OnTransfer(fn TransferFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransfer = fn
}

func (p *Proxy) transferred(mode Mode, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	fn := p.onTransfer
	p.mu.Unlock()
	if fn != nil {
		fn(mode, n)
	}
}

// Export makes r readable by the peer.
func (p *Proxy) Export(r io.Reader, mode Mode) Handle {
	h := Handle{ID: uuid.New(), Mode: mode}
	e := &export{id: h.ID, r: r, mode: mode}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.exports[h.ID] = e
	}
	p.mu.Unlock()

	if closed || mode != Greedy {
		return h
	}

	p.exec.Go(func(context.Context) {
		p.drain(e)
	})
	return h
}

// Open returns a reader for a handle exported by the peer.
func (p *Proxy) Open(h Handle) io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()

	rr := p.readerLocked(h.ID, h.Mode)
	if p.closed {
		rr.fail(ErrChannelClosed)
	}
	return rr
}

// discards returns the number of closed readers still waiting for their
// stream's terminal chunk.
func (p *Proxy) discards() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.discarded)
}

// Exports returns the number of live exports.
func (p *Proxy) Exports() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.exports)
}

func (p *Proxy) readerLocked(id uuid.UUID, mode Mode) *remoteReader {
	rr, ok := p.readers[id]
	if !ok {
		rr = newRemoteReader(p, id, mode)
		p.readers[id] = rr
	}
	return rr
}

func (p *Proxy) lookupExport(id uuid.UUID) (*export, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exports[id]
	return e, ok
}

func (p *Proxy) dropExport(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.exports, id)
}

func (p *Proxy) dropReader(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.readers, id)
}

// release fails every reader once the channel is gone.
func (p *Proxy) release() {
	p.mu.Lock()
	p.closed = true
	readers := make([]*remoteReader, 0, len(p.readers))
	for _, rr := range p.readers {
		readers = append(readers, rr)
	}
	p.exports = make(map[uuid.UUID]*export)
	p.discarded = make(map[uuid.UUID]struct{})
	p.mu.Unlock()

	for _, rr := range readers {
		rr.fail(ErrChannelClosed)
	}
	log.Debug().Str("channel", p.ch.Name()).Int("readers", len(readers)).Msg("stream proxy released")
}

func (p *Proxy) handleRead(_ context.Context, payload []byte) ([]byte, error) {
	var req readRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	e, ok := p.lookupExport(req.ID)
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", req.ID)
	}

	limit := req.Max
	if limit <= 0 {
		limit = 1
	}
	if limit > maxLazyRead {
		limit = maxLazyRead
	}

	data, eof, err := e.read(limit)
	p.transferred(Lazy, len(data))
	return json.Marshal(readReply{Data: data, EOF: eof, Err: encodeError(err)})
}

func (p *Proxy) handleChunk(_ context.Context, payload []byte) ([]byte, error) {
	var msg chunkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, gone := p.discarded[msg.ID]; gone || p.closed {
		if msg.EOF || msg.Err != nil {
			delete(p.discarded, msg.ID)
		}
		p.mu.Unlock()
		return nil, nil
	}
	rr := p.readerLocked(msg.ID, Greedy)
	p.mu.Unlock()

	rr.push(msg)
	return nil, nil
}

// discard drops chunks still in flight for a reader closed early.
func (p *Proxy) discard(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded[id] = struct{}{}
}

func (p *Proxy) handleClose(_ context.Context, payload []byte) ([]byte, error) {
	var msg closeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if e, ok := p.lookupExport(msg.ID); ok {
		p.dropExport(msg.ID)
		e.abandon()
	}
	return nil, nil
}

// drain pushes a greedy export to the peer until it ends.
func (p *Proxy) drain(e *export) {
	defer p.dropExport(e.id)

	var seq uint64
	for {
		data, eof, err := e.read(ChunkSize)
		if e.isAbandoned() {
			// A bare terminal chunk lets the closed reader forget the stream.
			data, eof, err = nil, true, nil
		}

		msg := chunkMessage{ID: e.id, Seq: seq, Data: data, EOF: eof, Err: encodeError(err)}
		seq++
		payload, merr := json.Marshal(msg)
		if merr != nil {
			log.Error().Err(merr).Str("stream", e.id.String()).Msg("failed to encode chunk")
			return
		}
		if nerr := p.ch.Notify(MethodChunk, payload); nerr != nil {
			log.Debug().Err(nerr).Str("stream", e.id.String()).Msg("greedy stream aborted")
			return
		}
		p.transferred(Greedy, len(data))

		if eof || err != nil {
			return
		}
	}
}
