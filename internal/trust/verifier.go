package trust

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNoCertificate is returned when the peer presented no certificate.
var ErrNoCertificate = errors.New("peer presented no certificate")

// Verifier decides whether a presented certificate chain is trusted.
// certs[0] is the leaf.
type Verifier interface {
	Verify(certs []*x509.Certificate) error
}

// BlindVerifier accepts any certificate.
type BlindVerifier struct{}

// Verify implements Verifier.
func (BlindVerifier) Verify([]*x509.Certificate) error {
	return nil
}

// IdentityMismatchError is returned when the leaf certificate does not carry
// the pinned public key.
type IdentityMismatchError struct {
	Expected string
	Actual   string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("identity mismatch: expecting identity %s, got %s", e.Expected, e.Actual)
}

// PublicKeyVerifier accepts only leaf certificates whose public key matches
// one of the configured keys. With no keys configured it accepts anything.
type PublicKeyVerifier struct {
	keys []crypto.PublicKey
}

// NewPublicKeyVerifier creates a verifier pinned to the given keys.
// Nil keys are ignored.
func NewPublicKeyVerifier(keys ...crypto.PublicKey) *PublicKeyVerifier {
	v := &PublicKeyVerifier{}
	for _, k := range keys {
		if k != nil {
			v.keys = append(v.keys, k)
		}
	}
	return v
}

// Verify implements Verifier.
func (v *PublicKeyVerifier) Verify(certs []*x509.Certificate) error {
	if len(v.keys) == 0 {
		return nil
	}
	if len(certs) == 0 {
		return ErrNoCertificate
	}
	leaf := certs[0].PublicKey
	for _, k := range v.keys {
		if KeysEqual(k, leaf) {
			return nil
		}
	}
	return &IdentityMismatchError{
		Expected: Fingerprint(v.keys[0]),
		Actual:   Fingerprint(leaf),
	}
}

type verifierBox struct {
	v Verifier
}

// DelegatingVerifier forwards to a replaceable inner verifier. Replacement is
// atomic: a concurrent verification observes either the previous or the new
// delegate.
type DelegatingVerifier struct {
	delegate atomic.Pointer[verifierBox]
}

// NewDelegatingVerifier creates a DelegatingVerifier. A nil initial
// delegate behaves like BlindVerifier.
func NewDelegatingVerifier(initial Verifier) *DelegatingVerifier {
	d := &DelegatingVerifier{}
	d.SetDelegate(initial)
	return d
}

// SetDelegate replaces the inner verifier.
func (d *DelegatingVerifier) SetDelegate(v Verifier) {
	if v == nil {
		v = BlindVerifier{}
	}
	d.delegate.Store(&verifierBox{v: v})
}

// Delegate returns the current inner verifier.
func (d *DelegatingVerifier) Delegate() Verifier {
	return d.delegate.Load().v
}

// Verify implements Verifier.
func (d *DelegatingVerifier) Verify(certs []*x509.Certificate) error {
	return d.Delegate().Verify(certs)
}

// VerifyPeerCertificate matches tls.Config.VerifyPeerCertificate.
func (d *DelegatingVerifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return d.Verify(certs)
}
