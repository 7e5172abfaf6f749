package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelmesh/meshagent/internal/channel"
	"github.com/tunnelmesh/meshagent/internal/endpoint"
)

// DefaultHandshakeTimeout bounds a handshake before the channel is up.
const DefaultHandshakeTimeout = 30 * time.Second

// maxMessageSize bounds a length-prefixed handshake message.
const maxMessageSize = 1 << 20

// TLSConfigFunc returns the client TLS configuration for serverName.
type TLSConfigFunc func(serverName string) *tls.Config

// HandlerConfig is shared by the built-in handlers.
type HandlerConfig struct {
	// TLSConfig supplies the client TLS configuration, normally from the
	// engine's trust context.
	TLSConfig TLSConfigFunc

	// Disabled turns the handler off.
	Disabled bool

	// HandshakeTimeout bounds the handshake (default 30s).
	HandshakeTimeout time.Duration

	// SSHKey is offered by SSH-connect before falling back to the secret.
	SSHKey ssh.Signer
}

type handlerBase struct {
	name string
	cfg  HandlerConfig
}

func newHandlerBase(name string, cfg HandlerConfig) handlerBase {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return handlerBase{name: name, cfg: cfg}
}

// Name implements Handler.
func (b *handlerBase) Name() string { return b.name }

// Enabled implements Handler.
func (b *handlerBase) Enabled() bool { return !b.cfg.Disabled && b.cfg.TLSConfig != nil }

// secure runs the TLS handshake over conn and hands the peer certificate to
// the listener. The connection deadline covers the rest of the handshake
// until the caller clears it.
func (b *handlerBase) secure(ctx context.Context, conn net.Conn, ep *endpoint.Endpoint, state *ConnectionState) (*tls.Conn, error) {
	deadline := time.Now().Add(b.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, b.cfg.TLSConfig(ep.Host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	var leaf *x509.Certificate
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		leaf = certs[0]
	}
	if err := state.fireBeforeProperties(leaf); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// establish builds the channel over rwc and hands it to the listener.
func establish(conn net.Conn, rwc io.ReadWriteCloser, state *ConnectionState) (channel.Channel, error) {
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	opts := state.fireBeforeChannel()
	if opts.Name == "" {
		opts.Name = state.Protocol
	}
	ch := channel.NewMux(rwc, opts)
	state.fireAfterChannel(ch)
	return ch, nil
}

// writeMessage writes v as a length-prefixed JSON message.
func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// readMessage reads one length-prefixed JSON message into v.
func readMessage(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return fmt.Errorf("handshake message too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
