package streamproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshagent/internal/channel"
)

// remoteReader is the reading half of a stream exported by the peer.
type remoteReader struct {
	p    *Proxy
	id   uuid.UUID
	mode Mode

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	next   uint64
	term   error // io.EOF or the failure, once known
	closed bool
}

func newRemoteReader(p *Proxy, id uuid.UUID, mode Mode) *remoteReader {
	rr := &remoteReader{p: p, id: id, mode: mode}
	rr.cond = sync.NewCond(&rr.mu)
	return rr
}

func (r *remoteReader) Read(b []byte) (int, error) {
	if r.mode == Lazy {
		return r.readLazy(b)
	}
	return r.readGreedy(b)
}

func (r *remoteReader) readGreedy(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return 0, ErrClosed
		}
		if r.buf.Len() > 0 {
			if len(b) == 0 {
				return 0, nil
			}
			return r.buf.Read(b)
		}
		if r.term != nil {
			return 0, r.term
		}
		r.cond.Wait()
	}
}

func (r *remoteReader) readLazy(b []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if r.term != nil {
		err := r.term
		r.mu.Unlock()
		return 0, err
	}
	r.mu.Unlock()

	if len(b) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(readRequest{ID: r.id, Max: len(b)})
	if err != nil {
		return 0, err
	}
	resp, err := r.p.ch.Call(context.Background(), MethodRead, payload)
	if err != nil {
		if errors.Is(err, channel.ErrClosed) {
			r.fail(ErrChannelClosed)
			return 0, ErrChannelClosed
		}
		return 0, &IOError{Op: "read", Err: err}
	}

	var reply readReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return 0, &IOError{Op: "read", Err: err}
	}

	n := copy(b, reply.Data)
	switch {
	case reply.Err != nil:
		r.fail(decodeError(reply.Err))
	case reply.EOF:
		r.fail(io.EOF)
	}
	if n > 0 {
		return n, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != nil {
		return 0, r.term
	}
	return 0, nil
}

// push applies a greedy chunk. Chunks arrive in order on the channel's
// read loop.
func (r *remoteReader) push(msg chunkMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.term != nil {
		return
	}
	if msg.Seq != r.next {
		log.Warn().
			Str("stream", r.id.String()).
			Uint64("expected", r.next).
			Uint64("got", msg.Seq).
			Msg("out-of-order stream chunk")
		r.term = &IOError{Op: "read", Err: errors.New("stream chunks out of order")}
		r.cond.Broadcast()
		return
	}
	r.next++

	r.buf.Write(msg.Data)
	switch {
	case msg.Err != nil:
		r.term = decodeError(msg.Err)
	case msg.EOF:
		r.term = io.EOF
	}
	r.cond.Broadcast()
}

// fail records a terminal state unless one is already known.
func (r *remoteReader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term == nil {
		r.term = err
	}
	r.cond.Broadcast()
}

func (r *remoteReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	done := r.term != nil
	r.cond.Broadcast()
	r.mu.Unlock()

	r.p.dropReader(r.id)
	if r.mode == Greedy && !done {
		r.p.discard(r.id)
	}

	payload, err := json.Marshal(closeMessage{ID: r.id})
	if err != nil {
		return err
	}
	if err := r.p.ch.Notify(MethodClose, payload); err != nil && !errors.Is(err, channel.ErrClosed) {
		return err
	}
	return nil
}
