// Package trust decides which master certificates the agent accepts.
//
// The agent has no client certificate of its own. Channel trust is pinned to
// the public key the master publishes during endpoint discovery; when no key
// is published any certificate is accepted.
package trust

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Fingerprint returns a SHA-256 colon-separated hex fingerprint of the
// PKIX-encoded key, or "null" when key is nil or cannot be encoded.
func Fingerprint(key crypto.PublicKey) string {
	if key == nil {
		return "null"
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "null"
	}
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// KeysEqual reports whether two public keys have the same PKIX encoding.
// Two nil keys are equal; a nil and a non-nil key are not.
func KeysEqual(a, b crypto.PublicKey) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	da, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return false
	}
	db, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}

// ParsePublicKey decodes a base64 DER (PKIX) public key as published in the
// instance identity header. An empty string yields a nil key.
func ParsePublicKey(encoded string) (crypto.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode instance identity: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse instance identity: %w", err)
	}
	return key, nil
}

// EncodePublicKey is the inverse of ParsePublicKey.
func EncodePublicKey(key crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
