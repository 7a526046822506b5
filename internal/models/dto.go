package models

import "time"

// ==================== User API DTOs ====================

// CreateAccountRequest asks for a new account under a subscription
type CreateAccountRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

// AccountResponse is the user-facing account view
type AccountResponse struct {
	ID             string     `json:"id"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	Email          string     `json:"email"`
	Protocol       string     `json:"protocol"`
	Status         string     `json:"status"`
	ServerAddress  string     `json:"server_address"`
	Port           int        `json:"port"`
	UsageUp        int64      `json:"usage_up"`
	UsageDown      int64      `json:"usage_down"`
	DataLimit      int64      `json:"data_limit"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewAccountResponse maps an account onto its API view
func NewAccountResponse(a *VPNAccount) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		SubscriptionID: a.SubscriptionID,
		Email:          a.Email,
		Protocol:       a.Protocol,
		Status:         a.Status,
		ServerAddress:  a.ServerAddress,
		Port:           a.Port,
		UsageUp:        a.UsageUp,
		UsageDown:      a.UsageDown,
		DataLimit:      a.DataLimit,
		CreatedAt:      a.CreatedAt,
		ExpiresAt:      a.ExpiresAt,
	}
}

// ConfigResponse carries a rendered client connection profile
type ConfigResponse struct {
	Protocol   string `json:"protocol"`
	ConfigFile string `json:"config_file"`
}

// UsageResponse is returned by the usage refresh endpoint
type UsageResponse struct {
	UsageUp   int64     `json:"usage_up"`
	UsageDown int64     `json:"usage_down"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ==================== Internal API DTOs ====================

// SubscriptionEvent is the billing system's subscription lifecycle
// notification. The same payload arrives on the queue and on the
// internal webhook fallback route.
type SubscriptionEvent struct {
	SubscriptionID     string `json:"subscription_id" binding:"required"`
	UserID             string `json:"user_id" binding:"required"`
	UserEmail          string `json:"user_email"`
	Status             string `json:"status" binding:"required"`
	PreviousStatus     string `json:"previous_status"`
	CurrentPeriodStart *int64 `json:"current_period_start,omitempty"` // unix seconds
	CurrentPeriodEnd   *int64 `json:"current_period_end,omitempty"`   // unix seconds
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end,omitempty"`
	CanceledAt         *int64 `json:"canceled_at,omitempty"` // unix seconds
}

// ==================== Admin API DTOs ====================

// Admin lifecycle action constants
const (
	AdminActionDeactivate = "deactivate"
	AdminActionRemove     = "remove"
	AdminActionRefresh    = "refresh"
)

// AdminActionRequest invokes a lifecycle action on an account
type AdminActionRequest struct {
	Action string `json:"action" binding:"required"` // deactivate / remove / refresh
}
