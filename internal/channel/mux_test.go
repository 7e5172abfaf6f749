package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func muxPair(t *testing.T, compress bool) (*Mux, *Mux) {
	t.Helper()
	a, b := net.Pipe()
	left := NewMux(a, Options{Name: "left", Compress: compress})
	right := NewMux(b, Options{Name: "right", Compress: compress})
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return left, right
}

func TestMux_Call(t *testing.T) {
	left, right := muxPair(t, false)

	right.Handle("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	reply, err := left.Call(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}

func TestMux_CallCompressed(t *testing.T) {
	left, right := muxPair(t, true)

	right.Handle("upper", func(_ context.Context, payload []byte) ([]byte, error) {
		return bytes.ToUpper(payload), nil
	})

	big := strings.Repeat("abcdefgh", 4096)
	reply, err := left.Call(context.Background(), "upper", []byte(big))
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(big), string(reply))
}

func TestMux_RemoteError(t *testing.T) {
	left, right := muxPair(t, false)

	right.Handle("fail", func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("nope")
	})
	right.Handle("panic", func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})

	_, err := left.Call(context.Background(), "fail", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "fail", remote.Method)
	assert.Equal(t, "nope", remote.Message)

	_, err = left.Call(context.Background(), "panic", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "boom")

	_, err = left.Call(context.Background(), "missing", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no handler")
}

func TestMux_NotifyOrdered(t *testing.T) {
	left, right := muxPair(t, false)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	right.Handle("seq", func(_ context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
		if len(got) == 100 {
			close(done)
		}
		return nil, nil
	})

	var want []string
	for i := 0; i < 100; i++ {
		s := strings.Repeat("x", i)
		want = append(want, s)
		require.NoError(t, left.Notify("seq", []byte(s)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestMux_CloseFailsPendingCalls(t *testing.T) {
	left, right := muxPair(t, false)

	block := make(chan struct{})
	defer close(block)
	right.Handle("slow", func(context.Context, []byte) ([]byte, error) {
		<-block
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := left.Call(context.Background(), "slow", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, right.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not released")
	}

	<-left.Done()
	assert.NoError(t, left.Join())
	_, err := left.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, left.Notify("x", nil), ErrClosed)
}

func TestMux_CallContextCancel(t *testing.T) {
	left, right := muxPair(t, false)

	block := make(chan struct{})
	defer close(block)
	right.Handle("slow", func(context.Context, []byte) ([]byte, error) {
		<-block
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := left.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMux_Executor(t *testing.T) {
	a, b := net.Pipe()
	var ran int
	var mu sync.Mutex
	exec := ExecutorFunc(func(fn func(ctx context.Context)) {
		mu.Lock()
		ran++
		mu.Unlock()
		go fn(context.Background())
	})
	left := NewMux(a, Options{Name: "left"})
	right := NewMux(b, Options{Name: "right", Executor: exec})
	defer func() { _ = left.Close(); _ = right.Close() }()

	right.Handle("ping", func(context.Context, []byte) ([]byte, error) {
		return []byte("pong"), nil
	})
	reply, err := left.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, ran)
	assert.NotEqual(t, left.Session(), right.Session())
}

func TestFrame_RejectsGarbage(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{99, 0, 0, 0, 0, 1, 0, 0, 0, 0}))
	assert.Error(t, err)

	_, err = readFrame(bytes.NewReader([]byte{byte(frameCall), 0, 0, 0, 0, 1, 0, 0, 0, 1, 0}))
	assert.Error(t, err)

	_, err = readFrame(bytes.NewReader([]byte{byte(frameReply), 0, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff}))
	assert.Error(t, err)
}

func TestFrame_RejectsOversizedDecompressed(t *testing.T) {
	body := s2.Encode(nil, make([]byte, MaxFrameSize+1))
	require.Less(t, len(body), MaxFrameSize)

	buf := make([]byte, headerSize+len(body))
	buf[0] = byte(frameReply)
	buf[1] = flagCompressed
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[headerSize:], body)

	_, err := readFrame(bytes.NewReader(buf))
	assert.ErrorContains(t, err, "too large")

	_, err = encodeFrame(frame{typ: frameReply, payload: make([]byte, MaxFrameSize+1)}, true)
	assert.ErrorContains(t, err, "too large")
}

func TestMux_SetupSeesFirstMessage(t *testing.T) {
	a, b := net.Pipe()
	left := NewMux(a, Options{Name: "left"})
	t.Cleanup(func() { _ = left.Close() })

	// The notification is on the wire before the right side exists.
	sent := make(chan error, 1)
	go func() { sent <- left.Notify("hello", []byte("first")) }()

	got := make(chan string, 1)
	right := NewMux(b, Options{Name: "right", Setup: func(ch Channel) {
		ch.Handle("hello", func(_ context.Context, payload []byte) ([]byte, error) {
			got <- string(payload)
			return nil, nil
		})
	}})
	t.Cleanup(func() { _ = right.Close() })

	require.NoError(t, <-sent)
	select {
	case msg := <-got:
		assert.Equal(t, "first", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("first notification was dropped")
	}
}
