package trust

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Context owns the agent's channel TLS configuration. The configuration is
// built once; only the pinned identity changes between connection cycles.
type Context struct {
	verifier *DelegatingVerifier
	config   *tls.Config
}

// NewContext creates a Context that initially trusts any certificate.
func NewContext() *Context {
	v := NewDelegatingVerifier(BlindVerifier{})
	return &Context{
		verifier: v,
		config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Chain validation is replaced by the pinned-key check below.
			InsecureSkipVerify:    true, //nolint:gosec // verified by VerifyPeerCertificate
			VerifyPeerCertificate: v.VerifyPeerCertificate,
		},
	}
}

// Pin restricts trust to certificates carrying key. A nil key falls back to
// accepting any certificate, which allows masters without a published
// identity.
func (c *Context) Pin(key crypto.PublicKey) {
	if key == nil {
		log.Debug().Msg("no instance identity published, trusting any certificate")
		c.verifier.SetDelegate(BlindVerifier{})
		return
	}
	log.Debug().Str("identity", Fingerprint(key)).Msg("pinning master identity")
	c.verifier.SetDelegate(NewPublicKeyVerifier(key))
}

// ClientConfig returns a TLS client configuration for serverName. All
// returned configs share the same delegating verifier.
func (c *Context) ClientConfig(serverName string) *tls.Config {
	cfg := c.config.Clone()
	cfg.ServerName = serverName
	return cfg
}

// CandidatePool builds a root pool containing only the given certificates.
// It returns nil when certs is empty so callers fall back to system roots.
func CandidatePool(certs []*x509.Certificate) *x509.CertPool {
	if len(certs) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}

// LoadCertificates reads every CERTIFICATE block from the given PEM files.
func LoadCertificates(paths ...string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read certificate %s: %w", path, err)
		}
		found := 0
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate %s: %w", path, err)
			}
			certs = append(certs, cert)
			found++
		}
		if found == 0 {
			return nil, fmt.Errorf("no certificates found in %s", path)
		}
	}
	return certs, nil
}
