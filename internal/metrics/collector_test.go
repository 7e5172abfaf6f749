package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStreams struct {
	mu      sync.Mutex
	exports int
}

func (m *mockStreams) Exports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exports
}

func (m *mockStreams) Set(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports = n
}

type mockConnection struct {
	since time.Time
}

func (m *mockConnection) ConnectedSince() time.Time {
	return m.since
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	mf := gather(t, name)
	require.NotNil(t, mf, name)
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func TestCollector_CollectStreamStats(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-agent", "1.0.0")

	streams := &mockStreams{exports: 3}
	c := NewCollector(m, CollectorConfig{Streams: streams})

	c.Collect()
	assert.Equal(t, 3.0, gaugeValue(t, "meshagent_stream_exports"))

	streams.Set(1)
	c.Collect()
	assert.Equal(t, 1.0, gaugeValue(t, "meshagent_stream_exports"))
}

func TestCollector_CollectConnectionStats(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-agent", "1.0.0")

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	conn := &mockConnection{since: now.Add(-90 * time.Second)}
	c := NewCollector(m, CollectorConfig{
		Connection: conn,
		now:        func() time.Time { return now },
	})

	c.Collect()
	assert.Equal(t, 90.0, gaugeValue(t, "meshagent_connected_seconds"))

	conn.since = time.Time{}
	c.Collect()
	assert.Equal(t, 0.0, gaugeValue(t, "meshagent_connected_seconds"))
}

func TestCollector_Run(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-agent", "1.0.0")

	streams := &mockStreams{exports: 2}
	c := NewCollector(m, CollectorConfig{Streams: streams})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return gaugeValue(t, "meshagent_stream_exports") == 2
	}, time.Second, 10*time.Millisecond)

	streams.Set(7)
	assert.Eventually(t, func() bool {
		return gaugeValue(t, "meshagent_stream_exports") == 7
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCollector_NilComponents(t *testing.T) {
	freshRegistry(t)
	m := InitMetrics("test-agent", "1.0.0")

	assert.NotPanics(t, func() {
		NewCollector(m, CollectorConfig{}).Collect()
		NewCollector(nil, CollectorConfig{Streams: &mockStreams{}}).Collect()
	})
}
