package streamproxy

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// export is the local half of a stream. Its terminal state is sticky: once
// the reader reported EOF or failed, it is never read again.
type export struct {
	id   uuid.UUID
	r    io.Reader
	mode Mode

	mu  sync.Mutex
	eof bool
	err error

	abandoned atomic.Bool
}

// read performs one Read of at most limit bytes.
func (e *export) read(limit int) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eof {
		return nil, true, nil
	}
	if e.err != nil {
		return nil, false, e.err
	}

	buf := make([]byte, limit)
	n, err := e.r.Read(buf)
	switch {
	case errors.Is(err, io.EOF):
		e.eof = true
	case err != nil:
		e.err = err
	}
	return buf[:n], e.eof, e.err
}

// abandon stops a greedy drain. It may run while a Read is in progress and
// never waits for it.
func (e *export) abandon() {
	if e.abandoned.Swap(true) {
		return
	}
	if c, ok := e.r.(io.Closer); ok {
		_ = c.Close()
	}
}

func (e *export) isAbandoned() bool {
	return e.abandoned.Load()
}
