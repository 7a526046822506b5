package models

import "time"

// VPN account status constants
const (
	AccountStatusInactive  = "inactive"
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusExpired   = "expired"
)

// Tunnel protocol constants
const (
	ProtocolWireGuard = "wireguard"
)

// Port allocation range for new accounts
const (
	PortRangeMin = 10000
	PortRangeMax = 60000
)

// VPNAccount represents one provisioned tunnel endpoint on the remote
// panel. The local row is the system of record for lifecycle intent; the
// panel is authoritative for usage counters.
type VPNAccount struct {
	ID             string
	UserID         string
	SubscriptionID *string

	// Remote panel inbound reference. Nil until the remote create
	// succeeds, cleared again when the inbound is fully removed.
	InboundID *int64

	// Unique slug used as the panel-side account tag. Never reused,
	// even after removal.
	Email string

	Protocol      string
	Port          int
	ServerAddress string

	// Panel-echoed inbound snapshot. The settings document inside it
	// carries the key material needed to render a client profile.
	ConnectionParams *InboundSnapshot

	Status    string
	UsageUp   int64
	UsageDown int64
	DataLimit int64 // 0 means unlimited

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Removed reports whether the account has been fully removed from the
// panel. Removed accounts no longer hold their port or remote reference.
func (a *VPNAccount) Removed() bool {
	return a.Status == AccountStatusExpired && a.InboundID == nil
}

// Account log status constants
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
)

// AccountLog represents one lifecycle action log entry
type AccountLog struct {
	ID        string
	AccountID string
	UserID    string
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}
