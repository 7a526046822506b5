package service

import (
	"fmt"
	"strings"

	"github.com/wenwu/saas-platform/vpn-controller/internal/keys"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
)

// ConfigService renders stored connection parameters into a client
// profile. Rendering is pure: everything comes from the account row plus
// the fixed resolver/MTU/keepalive constants.
type ConfigService struct {
	keys keys.Provider
}

func NewConfigService(keyProvider keys.Provider) *ConfigService {
	return &ConfigService{keys: keyProvider}
}

// Render produces the WireGuard profile for an account. The stored
// settings carry the client private key and the server secret; the
// server public key is derived on the fly and never stored.
func (s *ConfigService) Render(account *models.VPNAccount) (string, error) {
	if account.ConnectionParams == nil {
		return "", &NotFoundError{Resource: "connection parameters", Ref: account.ID}
	}

	settings, err := account.ConnectionParams.WireGuardSettings()
	if err != nil {
		return "", fmt.Errorf("decode inbound settings: %w", err)
	}
	if len(settings.Peers) == 0 {
		return "", fmt.Errorf("inbound settings carry no peers")
	}
	peer := settings.Peers[0]

	serverPublic, err := s.keys.DerivePublicKey(settings.SecretKey)
	if err != nil {
		return "", fmt.Errorf("derive server public key: %w", err)
	}

	address := peerAddress
	if len(peer.AllowedIPs) > 0 {
		address = strings.Join(peer.AllowedIPs, ", ")
	}
	mtu := settings.MTU
	if mtu == 0 {
		mtu = tunnelMTU
	}
	keepalive := peer.KeepAlive
	if keepalive == 0 {
		keepalive = keepaliveSecs
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", address)
	fmt.Fprintf(&b, "DNS = %s\n", dnsServers)
	fmt.Fprintf(&b, "MTU = %d\n", mtu)
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPublic)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", account.ServerAddress, account.Port)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", keepalive)
	return b.String(), nil
}
