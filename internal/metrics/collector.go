package metrics

import (
	"context"
	"time"
)

// StreamStatus reports the stream proxy bound to the current channel.
type StreamStatus interface {
	Exports() int
}

// ConnectionStatus reports when the current channel was established.
type ConnectionStatus interface {
	// ConnectedSince returns the zero time when no channel is up.
	ConnectedSince() time.Time
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Streams    StreamStatus
	Connection ConnectionStatus

	// now is overridden in tests.
	now func() time.Time
}

// Collector periodically samples gauges that have no natural event to hook.
type Collector struct {
	metrics    *AgentMetrics
	streams    StreamStatus
	connection ConnectionStatus
	now        func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(m *AgentMetrics, cfg CollectorConfig) *Collector {
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	return &Collector{
		metrics:    m,
		streams:    cfg.Streams,
		connection: cfg.Connection,
		now:        now,
	}
}

// Collect updates all sampled metrics from the current state.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	c.collectStreamStats()
	c.collectConnectionStats()
}

func (c *Collector) collectStreamStats() {
	if c.streams == nil {
		return
	}
	c.metrics.StreamExports.Set(float64(c.streams.Exports()))
}

func (c *Collector) collectConnectionStats() {
	if c.connection == nil {
		return
	}
	since := c.connection.ConnectedSince()
	if since.IsZero() {
		c.metrics.ConnectedSeconds.Set(0)
		return
	}
	c.metrics.ConnectedSeconds.Set(c.now().Sub(since).Seconds())
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
