package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// SSH-connect request and channel types.
const (
	RequestAgentHeaders = "agent-headers"
	ChannelAgent        = "agent-channel"
)

// SSHHandler speaks SSH-connect: TLS, an SSH session authenticated with the
// agent name and secret (or the configured client key), a header exchange, then the multiplexed channel
// over a dedicated SSH channel.
type SSHHandler struct {
	handlerBase
}

// NewSSHHandler creates the SSH-connect handler.
func NewSSHHandler(cfg HandlerConfig) *SSHHandler {
	return &SSHHandler{handlerBase: newHandlerBase(NameSSH, cfg)}
}

// Connect implements Handler.
func (h *SSHHandler) Connect(ctx context.Context, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (channel.Channel, error) {
	tlsConn, err := h.secure(ctx, conn, ep, state)
	if err != nil {
		return nil, err
	}

	auth := []ssh.AuthMethod{ssh.Password(state.Headers[HeaderSecret])}
	if h.cfg.SSHKey != nil {
		auth = append([]ssh.AuthMethod{ssh.PublicKeys(h.cfg.SSHKey)}, auth...)
	}
	config := &ssh.ClientConfig{
		User:            state.Headers[HeaderAgentName],
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         h.cfg.HandshakeTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tlsConn, ep.Address(), config)
	if err != nil {
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ch, err := h.open(client, conn, state)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return ch, nil
}

func (h *SSHHandler) open(client *ssh.Client, conn net.Conn, state *ConnectionState) (channel.Channel, error) {
	payload, err := json.Marshal(publicHeaders(state.Headers))
	if err != nil {
		return nil, err
	}

	ok, reply, err := client.SendRequest(RequestAgentHeaders, true, payload)
	if err != nil {
		return nil, fmt.Errorf("send headers: %w", err)
	}
	if !ok {
		reason := string(reply)
		if reason == "" {
			reason = "headers rejected"
		}
		return nil, &RefusalError{Reason: reason}
	}

	props := map[string]string{}
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &props); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}
	if err := state.fireAfterProperties(props); err != nil {
		return nil, err
	}

	sch, reqs, err := client.OpenChannel(ChannelAgent, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ChannelAgent, err)
	}
	go ssh.DiscardRequests(reqs)

	return establish(conn, &sshStream{Channel: sch, client: client}, state)
}

// sshStream closes the whole SSH session along with its channel.
type sshStream struct {
	ssh.Channel
	client *ssh.Client
}

func (s *sshStream) Close() error {
	_ = s.Channel.Close()
	return s.client.Close()
}

// hostKeyCallback accepts any host key. The master was already authenticated
// by the TLS layer underneath.
func hostKeyCallback(hostname string, _ net.Addr, key ssh.PublicKey) error {
	log.Debug().
		Str("host", hostname).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Msg("SSH host key")
	return nil
}

// publicHeaders drops the secret, which only travels as a credential.
func publicHeaders(h Headers) Headers {
	out := h.Clone()
	delete(out, HeaderSecret)
	return out
}
