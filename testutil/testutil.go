// Package testutil provides shared test helpers for meshpath tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/meshpath/meshpath/pkg/proto"
)

// TempFile creates a file with the given content under dir and returns its
// path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Identity generates an ED25519 identity for testing.
func Identity(t *testing.T) (proto.PeerID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	id, err := proto.PeerIDFromKey(pub)
	if err != nil {
		t.Fatalf("failed to derive peer id: %v", err)
	}
	return id, priv
}

// WriteKeyPair writes an OpenSSH-format ED25519 key pair into dir and
// returns the private key path and the derived peer ID.
func WriteKeyPair(t *testing.T, dir string) (string, proto.PeerID) {
	t.Helper()

	id, priv := Identity(t)
	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	privPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write private key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("failed to create public key: %v", err)
	}
	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644); err != nil {
		t.Fatalf("failed to write public key: %v", err)
	}
	return privPath, id
}
