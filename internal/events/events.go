// Package events carries engine progress and failures to interested listeners.
package events

import (
	"sync"
)

// Sink receives status and error reports from the connection engine.
// Implementations are called synchronously from the engine goroutine and
// should not block.
type Sink interface {
	// Status reports a human-readable progress line.
	Status(msg string)

	// StatusErr reports a progress line caused by a recoverable error.
	StatusErr(msg string, err error)

	// Error reports a failure. Fatal failures are reported exactly once
	// before the engine stops.
	Error(err error)

	// OnDisconnect is called after an established channel terminated and
	// the engine is about to reconnect.
	OnDisconnect()

	// OnReconnect is called once the endpoint is ready again, right before
	// the next connection cycle starts.
	OnReconnect()
}

// Splitter fans events out to a dynamic set of sinks.
type Splitter struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewSplitter creates a Splitter with the given sinks.
func NewSplitter(sinks ...Sink) *Splitter {
	s := &Splitter{}
	for _, sink := range sinks {
		s.Add(sink)
	}
	return s
}

// Add registers a sink. Nil sinks are ignored.
func (s *Splitter) Add(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Remove unregisters a previously added sink.
func (s *Splitter) Remove(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sinks {
		if existing == sink {
			s.sinks = append(s.sinks[:i:i], s.sinks[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered sinks.
func (s *Splitter) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

// snapshot copies the sink list so callbacks run without holding the lock.
func (s *Splitter) snapshot() []Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sink, len(s.sinks))
	copy(out, s.sinks)
	return out
}

// Status implements Sink.
func (s *Splitter) Status(msg string) {
	for _, sink := range s.snapshot() {
		sink.Status(msg)
	}
}

// StatusErr implements Sink.
func (s *Splitter) StatusErr(msg string, err error) {
	for _, sink := range s.snapshot() {
		sink.StatusErr(msg, err)
	}
}

// Error implements Sink.
func (s *Splitter) Error(err error) {
	for _, sink := range s.snapshot() {
		sink.Error(err)
	}
}

// OnDisconnect implements Sink.
func (s *Splitter) OnDisconnect() {
	for _, sink := range s.snapshot() {
		sink.OnDisconnect()
	}
}

// OnReconnect implements Sink.
func (s *Splitter) OnReconnect() {
	for _, sink := range s.snapshot() {
		sink.OnReconnect()
	}
}

// Nop is a Sink that discards everything. Embed it to implement only the
// callbacks you care about.
type Nop struct{}

func (Nop) Status(string)           {}
func (Nop) StatusErr(string, error) {}
func (Nop) Error(error)             {}
func (Nop) OnDisconnect()           {}
func (Nop) OnReconnect()            {}
