package protocol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// tokenLifetime is how long a greeting token stays valid.
const tokenLifetime = 5 * time.Minute

// Greeting statuses.
const (
	StatusOK      = "ok"
	StatusRefused = "refused"
)

// GreetingClaims are the JWT claims presented in a MUX4 greeting. The token
// is signed with the agent secret.
type GreetingClaims struct {
	Cookie string `json:"cookie,omitempty"`
	jwt.RegisteredClaims
}

// Greeting opens a MUX4 session.
type Greeting struct {
	Protocol string `json:"protocol"`
	Agent    string `json:"agent"`
	Token    string `json:"token"`
}

// GreetingReply is the master's answer to a Greeting.
type GreetingReply struct {
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// MUX4Handler speaks MUX4-connect: TLS, a token-authenticated greeting, then
// the multiplexed channel directly over the TLS stream.
type MUX4Handler struct {
	handlerBase
	now func() time.Time
}

// NewMUX4Handler creates the MUX4-connect handler.
func NewMUX4Handler(cfg HandlerConfig) *MUX4Handler {
	return &MUX4Handler{handlerBase: newHandlerBase(NameMUX4, cfg), now: time.Now}
}

// Connect implements Handler.
func (h *MUX4Handler) Connect(ctx context.Context, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (channel.Channel, error) {
	tlsConn, err := h.secure(ctx, conn, ep, state)
	if err != nil {
		return nil, err
	}

	token, err := h.token(state.Headers)
	if err != nil {
		return nil, err
	}
	greeting := Greeting{
		Protocol: NameMUX4,
		Agent:    state.Headers[HeaderAgentName],
		Token:    token,
	}
	if err := writeMessage(tlsConn, greeting); err != nil {
		return nil, fmt.Errorf("send greeting: %w", err)
	}

	var reply GreetingReply
	if err := readMessage(tlsConn, &reply); err != nil {
		return nil, fmt.Errorf("read greeting reply: %w", err)
	}
	if reply.Status != StatusOK {
		reason := reply.Reason
		if reason == "" {
			reason = "status " + reply.Status
		}
		return nil, &RefusalError{Reason: reason}
	}

	if err := state.fireAfterProperties(reply.Properties); err != nil {
		return nil, err
	}
	return establish(conn, tlsConn, state)
}

func (h *MUX4Handler) token(headers Headers) (string, error) {
	now := h.now()
	claims := GreetingClaims{
		Cookie: headers[HeaderCookie],
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   headers[HeaderAgentName],
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(headers[HeaderSecret]))
	if err != nil {
		return "", fmt.Errorf("sign greeting: %w", err)
	}
	return token, nil
}

// ParseGreetingToken validates a greeting token against secret. Masters and
// tests use it to authenticate agents.
func ParseGreetingToken(token, secret string) (*GreetingClaims, error) {
	claims := &GreetingClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AcceptMUX4 runs the master side of a MUX4-connect handshake over an
// accepted TLS connection. decide chooses the reply for an authenticated
// greeting. A greeting that fails authentication is refused without calling
// decide. On a nil error the connection carries the channel.
func AcceptMUX4(conn net.Conn, secret string, decide func(*GreetingClaims) GreetingReply) (*GreetingClaims, error) {
	var greeting Greeting
	if err := readMessage(conn, &greeting); err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if greeting.Protocol != NameMUX4 {
		_ = writeMessage(conn, GreetingReply{Status: StatusRefused, Reason: "unexpected protocol " + greeting.Protocol})
		return nil, &RefusalError{Reason: "unexpected protocol " + greeting.Protocol}
	}
	claims, err := ParseGreetingToken(greeting.Token, secret)
	if err != nil {
		_ = writeMessage(conn, GreetingReply{Status: StatusRefused, Reason: "invalid greeting token"})
		return nil, fmt.Errorf("authenticate %s: %w", greeting.Agent, err)
	}

	reply := decide(claims)
	if err := writeMessage(conn, reply); err != nil {
		return claims, fmt.Errorf("send greeting reply: %w", err)
	}
	if reply.Status != StatusOK {
		return claims, &RefusalError{Reason: reply.Reason}
	}
	return claims, nil
}
