package service

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/vpn-controller/internal/keys"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

func renderAccount(t *testing.T, settings models.WireGuardSettings) *models.VPNAccount {
	t.Helper()
	raw, err := json.Marshal(settings)
	require.NoError(t, err)
	return &models.VPNAccount{
		ID:            "acc-1",
		ServerAddress: "vpn.example.com",
		Port:          23456,
		ConnectionParams: &models.InboundSnapshot{
			Protocol: models.ProtocolWireGuard,
			Settings: string(raw),
		},
	}
}

func TestRenderWireGuardProfile(t *testing.T) {
	provider := keys.NewCurve25519Provider()
	serverPrivate, _, err := provider.GenerateKeyPair()
	require.NoError(t, err)
	clientPrivate, clientPublic, err := provider.GenerateKeyPair()
	require.NoError(t, err)
	serverPublic, err := provider.DerivePublicKey(serverPrivate)
	require.NoError(t, err)

	account := renderAccount(t, models.WireGuardSettings{
		Peers: []models.WireGuardPeer{{
			PrivateKey: clientPrivate,
			PublicKey:  clientPublic,
			AllowedIPs: []string{"10.9.0.7/32"},
			KeepAlive:  25,
		}},
		SecretKey: serverPrivate,
		MTU:       1420,
	})

	rendered, err := NewConfigService(provider).Render(account)
	require.NoError(t, err)

	expected := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.9.0.7/32
DNS = 8.8.8.8, 8.8.4.4
MTU = 1420

[Peer]
PublicKey = %s
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = vpn.example.com:23456
PersistentKeepalive = 25
`, clientPrivate, serverPublic)
	assert.Equal(t, expected, rendered)
}

func TestRenderUsesDefaultsWhenFieldsOmitted(t *testing.T) {
	provider := keys.NewCurve25519Provider()
	serverPrivate, _, err := provider.GenerateKeyPair()
	require.NoError(t, err)
	clientPrivate, clientPublic, err := provider.GenerateKeyPair()
	require.NoError(t, err)

	account := renderAccount(t, models.WireGuardSettings{
		Peers: []models.WireGuardPeer{{
			PrivateKey: clientPrivate,
			PublicKey:  clientPublic,
		}},
		SecretKey: serverPrivate,
	})

	rendered, err := NewConfigService(provider).Render(account)
	require.NoError(t, err)

	assert.Contains(t, rendered, "Address = 10.0.0.2/32\n")
	assert.Contains(t, rendered, "MTU = 1420\n")
	assert.Contains(t, rendered, "PersistentKeepalive = 25\n")
}

func TestRenderWithoutConnectionParams(t *testing.T) {
	account := &models.VPNAccount{ID: "acc-1"}

	_, err := NewConfigService(keys.NewCurve25519Provider()).Render(account)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRenderMalformedSettings(t *testing.T) {
	account := &models.VPNAccount{
		ID:               "acc-1",
		ConnectionParams: &models.InboundSnapshot{Settings: "{not json"},
	}

	_, err := NewConfigService(keys.NewCurve25519Provider()).Render(account)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode inbound settings")
}

func TestRenderWithoutPeers(t *testing.T) {
	provider := keys.NewCurve25519Provider()
	serverPrivate, _, err := provider.GenerateKeyPair()
	require.NoError(t, err)

	account := renderAccount(t, models.WireGuardSettings{SecretKey: serverPrivate})

	_, err = NewConfigService(provider).Render(account)
	require.Error(t, err)
}
