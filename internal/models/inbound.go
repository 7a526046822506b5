package models

import "encoding/json"

// InboundSnapshot is the panel's representation of one inbound as
// returned by the get/list endpoints. Settings and Sniffing are JSON
// documents encoded as strings on the wire; they are kept verbatim so
// updates can resend the panel's own view (merge-by-replace).
type InboundSnapshot struct {
	ID             int64  `json:"id"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Tag            string `json:"tag"`
}

// WireGuardSettings decodes the snapshot's settings document. Fails when
// the inbound is not a wireguard inbound or the document is malformed.
func (s *InboundSnapshot) WireGuardSettings() (*WireGuardSettings, error) {
	var settings WireGuardSettings
	if err := json.Unmarshal([]byte(s.Settings), &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// InboundSpec is the full field set submitted to the panel's add and
// update endpoints. The panel replaces the stored inbound wholesale, so
// every field must be populated on update, not just the changed ones.
type InboundSpec struct {
	Up             int64
	Down           int64
	Total          int64
	Remark         string
	Tag            string
	Enable         bool
	ExpiryTime     int64
	Listen         string
	Port           int
	Protocol       string
	Settings       string
	StreamSettings string
	Sniffing       string
}

// SpecFromSnapshot converts a fetched inbound back into a submittable
// spec, preserving every panel-side field.
func SpecFromSnapshot(snap *InboundSnapshot) InboundSpec {
	return InboundSpec{
		Up:             snap.Up,
		Down:           snap.Down,
		Total:          snap.Total,
		Remark:         snap.Remark,
		Tag:            snap.Tag,
		Enable:         snap.Enable,
		ExpiryTime:     snap.ExpiryTime,
		Listen:         snap.Listen,
		Port:           snap.Port,
		Protocol:       snap.Protocol,
		Settings:       snap.Settings,
		StreamSettings: snap.StreamSettings,
		Sniffing:       snap.Sniffing,
	}
}

// WireGuardSettings is the settings document stored inside a wireguard
// inbound. SecretKey is the server-side private key; the client profile
// derives the server public key from it.
type WireGuardSettings struct {
	Peers                 []WireGuardPeer `json:"peers"`
	DisableLocalInterface bool            `json:"disableLocalInterface"`
	SecretKey             string          `json:"secretKey"`
	MTU                   int             `json:"mtu"`
}

// WireGuardPeer is one peer entry inside a wireguard settings document
type WireGuardPeer struct {
	PrivateKey string   `json:"privateKey"`
	PublicKey  string   `json:"publicKey"`
	AllowedIPs []string `json:"allowedIPs"`
	KeepAlive  int      `json:"keepAlive"`
}

// SniffingSettings mirrors the panel's sniffing document
type SniffingSettings struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	MetadataOnly bool     `json:"metadataOnly"`
	RouteOnly    bool     `json:"routeOnly"`
}
