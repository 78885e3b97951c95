package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/meshpath/meshpath/pkg/proto"
)

// GenerateKey generates a new ED25519 key pair and saves it to disk in
// OpenSSH format. The public key goes to privPath.pub.
func GenerateKey(privPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("create public key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	pubPath := privPath + ".pub"
	if err := os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadKey loads an ED25519 private key from an OpenSSH PEM file.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("key is not ED25519 (got %T)", key)
	}
}

// EnsureKey loads the key at path, generating a fresh one when the file
// does not exist yet.
func EnsureKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := GenerateKey(path); err != nil {
		return nil, err
	}
	return LoadKey(path)
}

// Identity derives the node's peer ID from its private key. An ed25519
// public key is always exactly PeerIDSize bytes, so the conversion cannot
// fail for keys produced by GenerateKey or LoadKey.
func Identity(key ed25519.PrivateKey) proto.PeerID {
	id, _ := proto.PeerIDFromKey(key.Public().(ed25519.PublicKey))
	return id
}
