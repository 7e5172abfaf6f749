package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// WebSocket handshake headers.
const (
	WSHeaderPrefix     = "X-Agent-"
	WSHeaderAgentName  = "X-Agent-Name"
	WSHeaderSecret     = "X-Agent-Secret"
	WSHeaderCookie     = "X-Agent-Cookie"
	WSPath             = "wsagents/"
	wsCloseGracePeriod = 5 * time.Second
)

// WSHandler speaks WS-connect: TLS, a WebSocket upgrade carrying the agent
// headers, then the multiplexed channel over binary messages.
type WSHandler struct {
	handlerBase
}

// NewWSHandler creates the WS-connect handler.
func NewWSHandler(cfg HandlerConfig) *WSHandler {
	return &WSHandler{handlerBase: newHandlerBase(NameWS, cfg)}
}

// Connect implements Handler.
func (h *WSHandler) Connect(ctx context.Context, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (channel.Channel, error) {
	tlsConn, err := h.secure(ctx, conn, ep, state)
	if err != nil {
		return nil, err
	}

	target := wsURL(ep)
	dialer := websocket.Dialer{
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return tlsConn, nil
		},
	}

	headers := http.Header{}
	headers.Set(WSHeaderAgentName, state.Headers[HeaderAgentName])
	headers.Set(WSHeaderSecret, state.Headers[HeaderSecret])
	if cookie := state.Headers[HeaderCookie]; cookie != "" {
		headers.Set(WSHeaderCookie, cookie)
	}

	wsConn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &RefusalError{Reason: resp.Status}
		}
		return nil, fmt.Errorf("WebSocket handshake: %w", err)
	}

	if err := state.fireAfterProperties(responseProperties(resp.Header)); err != nil {
		_ = wsConn.Close()
		return nil, err
	}
	return establish(conn, &wsStream{conn: wsConn}, state)
}

// wsURL addresses the agent WebSocket under the service URL. TLS is already
// in place underneath, so the plain scheme is used.
func wsURL(ep *endpoint.Endpoint) string {
	u := url.URL{Scheme: "ws", Host: ep.Address(), Path: "/"}
	if ep.ServiceURL != nil {
		u.Host = ep.ServiceURL.Host
		u.Path = ep.ServiceURL.Path
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Path += WSPath
	return u.String()
}

// responseProperties maps X-Agent-* response headers to properties, e.g.
// X-Agent-Cookie becomes Cookie.
func responseProperties(h http.Header) map[string]string {
	props := make(map[string]string)
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		if !strings.HasPrefix(canonical, WSHeaderPrefix) {
			continue
		}
		props[strings.TrimPrefix(canonical, WSHeaderPrefix)] = values[0]
	}
	return props
}

// wsStream carries a byte stream over binary WebSocket messages.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader

	mu     sync.Mutex
	closed bool
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			messageType, reader, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, fmt.Errorf("read message: %w", err)
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			s.reader = reader
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGracePeriod),
	)
	return s.conn.Close()
}
