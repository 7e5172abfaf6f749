package config

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// GenerateKeyPair creates the ED25519 client key offered by SSH-connect.
// The private key goes to privPath, the authorized_keys line to privPath.pub
// with comment (usually the agent name) appended.
func GenerateKeyPair(privPath, comment string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate agent key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("wrap agent public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return fmt.Errorf("encode agent key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("write agent key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", AuthorizedKeyLine(sshPub, comment), 0644); err != nil {
		return fmt.Errorf("write agent public key: %w", err)
	}
	return nil
}

// AuthorizedKeyLine renders key as one authorized_keys line.
func AuthorizedKeyLine(key ssh.PublicKey, comment string) []byte {
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(key))
	if comment != "" {
		line = append(append(line, ' '), comment...)
	}
	return append(line, '\n')
}

// LoadPrivateKey reads an unencrypted SSH private key.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse agent key %s: %w", path, err)
	}
	return signer, nil
}

// EnsureKeyPairExists loads the key at privPath, generating it on first use.
// An unreadable existing key is reported, never replaced.
func EnsureKeyPairExists(privPath, comment string) (ssh.Signer, error) {
	signer, err := LoadPrivateKey(privPath)
	switch {
	case err == nil:
		return signer, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if err := GenerateKeyPair(privPath, comment); err != nil {
		return nil, err
	}
	return LoadPrivateKey(privPath)
}

// PublicKeyFingerprint returns the padded SHA256 fingerprint of key.
func PublicKeyFingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}
