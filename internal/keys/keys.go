package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Provider generates and derives tunnel key material. It is a capability
// interface so the concrete primitive can be swapped or stubbed in tests
// without touching the reconciler.
type Provider interface {
	GenerateKeyPair() (privateKey, publicKey string, err error)
	DerivePublicKey(privateKey string) (string, error)
}

// Curve25519Provider implements Provider with X25519, the key agreement
// primitive wireguard uses. Keys are base64-encoded 32-byte values, the
// same format the panel stores in its settings documents.
type Curve25519Provider struct{}

func NewCurve25519Provider() *Curve25519Provider {
	return &Curve25519Provider{}
}

// GenerateKeyPair returns a fresh private/public key pair. The private
// scalar is clamped before encoding so the stored value is itself a
// valid wireguard private key.
func (p *Curve25519Provider) GenerateKeyPair() (string, string, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("read random key bytes: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(priv),
		base64.StdEncoding.EncodeToString(pub), nil
}

// DerivePublicKey recomputes the public key for a stored private key
func (p *Curve25519Provider) DerivePublicKey(privateKey string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", curve25519.ScalarSize, len(priv))
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(pub), nil
}
