// Package channel provides the bidirectional request/notify session that the
// connection engine hands to the agent once a protocol handshake succeeds.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a channel that has terminated.
var ErrClosed = errors.New("channel closed")

// HandlerFunc serves one inbound call or notification. For notifications the
// returned payload is discarded.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Executor runs channel work off the read loop.
type Executor interface {
	Go(fn func(ctx context.Context))
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func(ctx context.Context))

// Go implements Executor.
func (f ExecutorFunc) Go(fn func(ctx context.Context)) { f(fn) }

// goExecutor starts a bare goroutine per task.
type goExecutor struct{}

func (goExecutor) Go(fn func(ctx context.Context)) {
	go fn(context.Background())
}

// Options configures a channel. The connection-state listener may adjust
// them before the channel is built.
type Options struct {
	// Name identifies the channel in logs.
	Name string

	// Executor runs call handlers. Nil starts a goroutine per call.
	Executor Executor

	// Compress enables s2 compression of large frames.
	Compress bool

	// Setup runs on the new channel before its read loop starts. Handlers
	// registered here see every inbound message.
	Setup func(ch Channel)
}

// Channel is an established session with the master.
type Channel interface {
	// Name returns the channel's display name.
	Name() string

	// Call invokes method on the peer and waits for its reply.
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message. Notifications are delivered to the
	// peer's handlers in the order they were sent.
	Notify(method string, payload []byte) error

	// Handle registers the handler for inbound calls and notifications of
	// method. Call handlers run on the executor; notification handlers run
	// in order on the read loop and must not block.
	Handle(method string, h HandlerFunc)

	// Done is closed when the channel terminates.
	Done() <-chan struct{}

	// Join blocks until the channel terminates and returns the cause, or
	// nil for an orderly close.
	Join() error

	// Close terminates the channel.
	Close() error
}

// RemoteError is a failure reported by the peer's handler.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}
