package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_FansOut(t *testing.T) {
	a := &Recorder{}
	b := &Recorder{}
	s := NewSplitter(a, nil, b)
	require.Equal(t, 2, s.Len())

	s.Status("Handshaking")
	s.StatusErr("Protocol X failed", errors.New("boom"))
	s.Error(errors.New("fatal"))
	s.OnDisconnect()
	s.OnReconnect()

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, []string{"Handshaking", "Protocol X failed: boom"}, r.Statuses())
		require.Len(t, r.Errors(), 1)
		assert.EqualError(t, r.Errors()[0], "fatal")
		assert.Equal(t, 1, r.Disconnects())
		assert.Equal(t, 1, r.Reconnects())
	}
}

func TestSplitter_Remove(t *testing.T) {
	a := &Recorder{}
	b := &Recorder{}
	s := NewSplitter(a, b)

	s.Remove(a)
	s.Status("only b")

	assert.Empty(t, a.Statuses())
	assert.Equal(t, []string{"only b"}, b.Statuses())
	assert.Equal(t, 1, s.Len())
}

func TestRecorder_CountStatus(t *testing.T) {
	r := &Recorder{}
	r.Status("Connecting to a:1")
	r.Status("Connecting to a:1 (retrying:2)")
	r.Status("Connected")

	assert.Equal(t, 2, r.CountStatus("Connecting to"))
	assert.Equal(t, 1, r.CountStatus("retrying"))
}

func TestConsoleSink_Lines(t *testing.T) {
	oldNoColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = oldNoColor }()

	var buf bytes.Buffer
	c := NewConsoleSink(&buf)
	c.now = func() time.Time { return time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC) }

	c.Status("Connected")
	c.StatusErr("Protocol SSH-connect failed", errors.New("refused"))
	c.Error(errors.New("no endpoint"))

	out := buf.String()
	assert.Contains(t, out, "12:30:00 INFO  Connected\n")
	assert.Contains(t, out, "WARN  Protocol SSH-connect failed: refused\n")
	assert.Contains(t, out, "ERROR no endpoint\n")
}

func TestNop_ImplementsSink(t *testing.T) {
	var s Sink = Nop{}
	s.Status("ignored")
	s.Error(errors.New("ignored"))
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	sink := NewLogSink(&logger)

	sink.Status("Connected")
	sink.StatusErr("Failed to connect to a:1", errors.New("refused"))
	sink.Error(errors.New("fatal"))
	sink.OnDisconnect()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	want := []struct{ level, msg, err string }{
		{"info", "Connected", ""},
		{"warn", "Failed to connect to a:1", "refused"},
		{"error", "engine error", "fatal"},
		{"info", "disconnected from master", ""},
	}
	for i, w := range want {
		var entry map[string]string
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &entry))
		assert.Equal(t, w.level, entry["level"])
		assert.Equal(t, w.msg, entry["message"])
		assert.Equal(t, w.err, entry["error"])
	}
}
