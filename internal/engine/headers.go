package engine

import (
	"sync"

	"github.com/tunnelmesh/meshagent/internal/protocol"
)

// headerStore holds the handshake headers replayed on every cycle.
type headerStore struct {
	mu      sync.Mutex
	headers protocol.Headers
}

func newHeaderStore(name, secret string) *headerStore {
	return &headerStore{
		headers: protocol.Headers{
			protocol.HeaderAgentName: name,
			protocol.HeaderSecret:    secret,
		},
	}
}

// Snapshot returns a copy for one cycle.
func (s *headerStore) Snapshot() protocol.Headers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Clone()
}

// SetCookie records the server cookie. An empty cookie removes it.
func (s *headerStore) SetCookie(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cookie == "" {
		delete(s.headers, protocol.HeaderCookie)
		return
	}
	s.headers[protocol.HeaderCookie] = cookie
}

// Cookie returns the stored cookie, if any.
func (s *headerStore) Cookie() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.headers[protocol.HeaderCookie]
	return c, ok
}
