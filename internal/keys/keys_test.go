package keys

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	p := NewCurve25519Provider()

	priv, pub, err := p.GenerateKeyPair()
	require.NoError(t, err)

	privBytes, err := base64.StdEncoding.DecodeString(priv)
	require.NoError(t, err)
	pubBytes, err := base64.StdEncoding.DecodeString(pub)
	require.NoError(t, err)

	assert.Len(t, privBytes, 32)
	assert.Len(t, pubBytes, 32)

	// Clamped per the X25519 private key convention
	assert.Zero(t, privBytes[0]&7)
	assert.Zero(t, privBytes[31]&128)
	assert.NotZero(t, privBytes[31]&64)

	// The pair's public key must match an independent derivation
	derived, err := p.DerivePublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestGenerateKeyPair_Unique(t *testing.T) {
	p := NewCurve25519Provider()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		priv, _, err := p.GenerateKeyPair()
		require.NoError(t, err)
		assert.False(t, seen[priv], "key pair generated twice")
		seen[priv] = true
	}
}

func TestDerivePublicKey_Deterministic(t *testing.T) {
	p := NewCurve25519Provider()

	priv, _, err := p.GenerateKeyPair()
	require.NoError(t, err)

	first, err := p.DerivePublicKey(priv)
	require.NoError(t, err)
	second, err := p.DerivePublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDerivePublicKey_Invalid(t *testing.T) {
	p := NewCurve25519Provider()

	_, err := p.DerivePublicKey("not base64!!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = p.DerivePublicKey(short)
	assert.Error(t, err)
}
