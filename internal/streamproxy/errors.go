package streamproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"sync"
)

var (
	// ErrChannelClosed is returned by remote readers once the channel
	// carrying them has terminated.
	ErrChannelClosed = errors.New("stream proxy: channel closed")

	// ErrClosed is returned by a remote reader after Close.
	ErrClosed = errors.New("stream proxy: reader closed")
)

// IOError is a remote read failure whose kind is not registered locally.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "stream " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// RemoteError carries a failure raised by the exporting side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindError lets an error choose the kind it is transmitted under.
type KindError interface {
	error
	StreamErrorKind() string
}

// wireError is a failure as transmitted on the channel.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type sentinel struct {
	kind string
	err  error
}

var (
	kindsMu   sync.RWMutex
	builders  = map[string]func(msg string) error{}
	sentinels []sentinel
)

func init() {
	RegisterSentinel("io.ErrUnexpectedEOF", io.ErrUnexpectedEOF)
	RegisterSentinel("io.ErrClosedPipe", io.ErrClosedPipe)
	RegisterSentinel("fs.ErrPermission", fs.ErrPermission)
	RegisterSentinel("fs.ErrNotExist", fs.ErrNotExist)
	RegisterSentinel("context.Canceled", context.Canceled)
	RegisterSentinel("context.DeadlineExceeded", context.DeadlineExceeded)
}

// RegisterErrorKind makes failures of kind arrive as the error returned by
// build instead of an *IOError.
func RegisterErrorKind(kind string, build func(msg string) error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	builders[kind] = build
}

// RegisterSentinel transmits errors matching target (errors.Is) as kind and
// rebuilds them so that errors.Is(received, target) holds.
func RegisterSentinel(kind string, target error) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	sentinels = append(sentinels, sentinel{kind: kind, err: target})
	builders[kind] = func(msg string) error {
		if msg == target.Error() {
			return target
		}
		return fmt.Errorf("%s: %w", msg, target)
	}
}

// kindOf names err for transmission.
func kindOf(err error) string {
	var k KindError
	if errors.As(err, &k) {
		return k.StreamErrorKind()
	}

	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return reflect.TypeOf(err).String()
}

func encodeError(err error) *wireError {
	if err == nil {
		return nil
	}
	return &wireError{Kind: kindOf(err), Message: err.Error()}
}

// decodeError rebuilds a transmitted failure. Registered kinds come back as
// themselves; anything else is an *IOError wrapping a *RemoteError.
func decodeError(w *wireError) error {
	kindsMu.RLock()
	build, ok := builders[w.Kind]
	kindsMu.RUnlock()
	if ok {
		return build(w.Message)
	}
	return &IOError{Op: "read", Err: &RemoteError{Kind: w.Kind, Message: w.Message}}
}
