package events

import (
	"fmt"
	"strings"
	"sync"
)

// Recorder is a Sink that keeps every event in memory. It is used by tests
// and by the CLI's dry-run diagnostics.
type Recorder struct {
	mu          sync.Mutex
	statuses    []string
	errors      []error
	disconnects int
	reconnects  int
}

// Status implements Sink.
func (r *Recorder) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

// StatusErr implements Sink.
func (r *Recorder) StatusErr(msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, fmt.Sprintf("%s: %v", msg, err))
}

// Error implements Sink.
func (r *Recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// OnDisconnect implements Sink.
func (r *Recorder) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

// OnReconnect implements Sink.
func (r *Recorder) OnReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
}

// Statuses returns a copy of the recorded status lines.
func (r *Recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statuses))
	copy(out, r.statuses)
	return out
}

// Errors returns a copy of the recorded errors.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errors))
	copy(out, r.errors)
	return out
}

// Disconnects returns how many times OnDisconnect was called.
func (r *Recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

// Reconnects returns how many times OnReconnect was called.
func (r *Recorder) Reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

// CountStatus returns how many status lines contain substr.
func (r *Recorder) CountStatus(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}
