// Package sshkey generates the Ed25519 keypairs used to seed a VPS's
// authorized_keys when ssh_key_mode=generate.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated Ed25519 SSH keypair. The private key is
// returned in OpenSSH PEM form exactly once by the create response; it is
// never persisted by this package.
type KeyPair struct {
	PrivateKeyPEM string
	AuthorizedKey string
}

// Generate creates a new Ed25519 keypair and renders both the OpenSSH
// private-key PEM block and the public key's authorized_keys line.
func Generate(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshkey: generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("sshkey: marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sshkey: derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPEM: string(pem.EncodeToMemory(block)),
		AuthorizedKey: formatAuthorizedKey(sshPub, comment),
	}, nil
}

func formatAuthorizedKey(pub ssh.PublicKey, comment string) string {
	line := string(ssh.MarshalAuthorizedKey(pub))
	if comment == "" {
		return line
	}
	// MarshalAuthorizedKey already terminates with "\n"; append the
	// comment before it.
	return line[:len(line)-1] + " " + comment + "\n"
}
