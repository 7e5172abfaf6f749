package streamproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshagent/internal/channel"
)

func proxyPair(t *testing.T) (*Proxy, *Proxy, *channel.Mux, *channel.Mux) {
	t.Helper()
	a, b := net.Pipe()
	var lp, rp *Proxy
	left := channel.NewMux(a, channel.Options{Name: "left", Setup: func(ch channel.Channel) { lp = Bind(ch, nil) }})
	right := channel.NewMux(b, channel.Options{Name: "right", Setup: func(ch channel.Channel) { rp = Bind(ch, nil) }})
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return lp, rp, left, right
}

// failingReader yields data and then err.
type failingReader struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (r *failingReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func (r *failingReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type quotaError struct{ msg string }

func (e *quotaError) Error() string           { return e.msg }
func (e *quotaError) StreamErrorKind() string { return "test.quota" }

func init() {
	RegisterErrorKind("test.quota", func(msg string) error { return &quotaError{msg: msg} })
}

func TestGreedy_ExactBytesAndIdempotentEOF(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 10000) // several chunks
	h := exporter.Export(bytes.NewReader(payload), Greedy)
	assert.Equal(t, Greedy, h.Mode)

	r := reader.Open(h)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	for i := 0; i < 3; i++ {
		n, err := r.Read(make([]byte, 16))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	}
	require.NoError(t, r.Close())

	assert.Eventually(t, func() bool { return exporter.Exports() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGreedy_EmptyStream(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	r := reader.Open(exporter.Export(strings.NewReader(""), Greedy))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGreedy_ErrorAfterData(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	src := &failingReader{data: []byte("partial"), err: &quotaError{msg: "quota exceeded"}}
	r := reader.Open(exporter.Export(src, Greedy))

	got, err := io.ReadAll(r)
	assert.Equal(t, "partial", string(got))
	var quota *quotaError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, "quota exceeded", quota.msg)

	// Remembered.
	_, err = r.Read(make([]byte, 1))
	require.ErrorAs(t, err, &quota)
}

func TestLazy_ErrorAfterKBytesRepeated(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	const k = 10
	src := &failingReader{data: []byte("0123456789"), err: errors.New("disk on fire")}
	r := reader.Open(exporter.Export(src, Lazy))

	buf := make([]byte, 4)
	var got []byte
	var err error
	for err == nil {
		var n int
		n, err = r.Read(buf)
		assert.LessOrEqual(t, n, len(buf))
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, k, len(got))

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "*errors.errorString", remote.Kind)
	assert.Equal(t, "disk on fire", remote.Message)

	calls := src.Calls()
	for i := 0; i < 3; i++ {
		n, again := r.Read(buf)
		assert.Equal(t, 0, n)
		assert.Equal(t, err, again)
	}
	assert.Equal(t, calls, src.Calls(), "terminal state must not touch the source again")
}

func TestLazy_RegisteredKindUnwrapped(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	src := &failingReader{data: []byte("ab"), err: io.ErrUnexpectedEOF}
	r := reader.Open(exporter.Export(src, Lazy))

	got, err := io.ReadAll(r)
	assert.Equal(t, "ab", string(got))
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	var ioErr *IOError
	assert.False(t, errors.As(err, &ioErr))
}

func TestLazy_ReadRespectsBufferSize(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	r := reader.Open(exporter.Export(strings.NewReader("hello world"), Lazy))
	buf := make([]byte, 5)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, " world", string(rest))

	n, err = r.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChannelClosedFailsReaders(t *testing.T) {
	exporter, reader, left, _ := proxyPair(t)

	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	greedy := reader.Open(exporter.Export(pr, Greedy))
	lazy := reader.Open(exporter.Export(strings.NewReader("never read"), Lazy))

	errCh := make(chan error, 1)
	go func() {
		_, err := greedy.Read(make([]byte, 8))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, left.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("greedy reader not released")
	}

	assert.Eventually(t, func() bool {
		_, err := lazy.Read(make([]byte, 8))
		return errors.Is(err, ErrChannelClosed)
	}, 5*time.Second, 10*time.Millisecond)

	late := reader.Open(Handle{ID: exporter.Export(strings.NewReader("x"), Lazy).ID, Mode: Lazy})
	_, err := late.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestReaderClose(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	h := exporter.Export(pr, Greedy)
	r := reader.Open(h)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)

	// The exporting side abandons the drain and closes the pipe reader.
	assert.Eventually(t, func() bool { return exporter.Exports() == 0 }, 5*time.Second, 5*time.Millisecond)
	_, err = pw.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestReaderClose_ForgetsDiscardedStream(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	r := reader.Open(exporter.Export(pr, Greedy))
	require.NoError(t, r.Close())

	assert.Eventually(t, func() bool {
		return exporter.Exports() == 0 && reader.discards() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestGreedy_ExportBeforePeerBinds(t *testing.T) {
	a, b := net.Pipe()
	left := channel.NewMux(a, channel.Options{Name: "left"})
	t.Cleanup(func() { _ = left.Close() })
	exporter := Bind(left, nil)

	// Every chunk and the EOF go out before the reading side is built.
	payload := bytes.Repeat([]byte("abcdefgh"), 3*ChunkSize/8+5)
	h := exporter.Export(bytes.NewReader(payload), Greedy)

	var reader *Proxy
	right := channel.NewMux(b, channel.Options{Name: "right", Setup: func(ch channel.Channel) {
		reader = Bind(ch, nil)
	}})
	t.Cleanup(func() { _ = right.Close() })

	got := make(chan []byte, 1)
	go func() {
		data, err := io.ReadAll(reader.Open(h))
		assert.NoError(t, err)
		got <- data
	}()

	select {
	case data := <-got:
		assert.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("greedy stream lost chunks sent before bind")
	}
}

func TestTransferObserved(t *testing.T) {
	exporter, reader, _, _ := proxyPair(t)

	var mu sync.Mutex
	totals := map[Mode]int{}
	exporter.OnTransfer(func(mode Mode, n int) {
		mu.Lock()
		defer mu.Unlock()
		totals[mode] += n
	})

	_, err := io.ReadAll(reader.Open(exporter.Export(strings.NewReader("greedy!"), Greedy)))
	require.NoError(t, err)
	_, err = io.ReadAll(reader.Open(exporter.Export(strings.NewReader("lazy"), Lazy)))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return totals[Greedy] == 7 && totals[Lazy] == 4
	}, time.Second, 5*time.Millisecond)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "test.quota", kindOf(&quotaError{}))
	assert.Equal(t, "io.ErrUnexpectedEOF", kindOf(io.ErrUnexpectedEOF))
	assert.Equal(t, "context.Canceled", kindOf(context.Canceled))
	assert.Equal(t, "*errors.errorString", kindOf(errors.New("x")))

	wrapped := decodeError(encodeError(errors.Join(errors.New("ctx"), io.ErrUnexpectedEOF)))
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
}

func TestMode_Text(t *testing.T) {
	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("lazy")))
	assert.Equal(t, Lazy, m)
	assert.Error(t, m.UnmarshalText([]byte("eager")))
	assert.Equal(t, "Mode(7)", Mode(7).String())
}
