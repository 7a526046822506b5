package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/models"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

type Handler struct {
	accounts *service.AccountService
	configs  *service.ConfigService
}

func NewHandler(accounts *service.AccountService, configs *service.ConfigService) *Handler {
	return &Handler{
		accounts: accounts,
		configs:  configs,
	}
}

// respondError maps reconciler errors onto HTTP statuses: state
// conflicts and panel rejections are 409, missing records 404, panel
// transport or login trouble 502.
func respondError(c *gin.Context, err error) {
	var conflict *service.ConflictError
	var notFound *service.NotFoundError
	var rejection *client.ApplicationRejection
	var gateway *client.GatewayError
	var auth *client.AuthError

	switch {
	case errors.As(err, &conflict) || errors.As(err, &rejection):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &gateway) || errors.As(err, &auth):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func currentUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return "", false
	}
	return userID.(string), true
}

// ==================== User API Handlers ====================

// CreateAccount provisions a new account under one of the caller's
// subscriptions
func (h *Handler) CreateAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req models.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.accounts.CreateForSubscription(c.Request.Context(), userID, req.SubscriptionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewAccountResponse(account))
}

// ListMyAccounts lists the caller's accounts
func (h *Handler) ListMyAccounts(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccountsForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]models.AccountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, models.NewAccountResponse(account))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": resp})
}

// GetMyAccount fetches one of the caller's accounts
func (h *Handler) GetMyAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccountForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewAccountResponse(account))
}

// GetMyAccountConfig renders the caller's connection profile
func (h *Handler) GetMyAccountConfig(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccountForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	rendered, err := h.configs.Render(account)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ConfigResponse{
		Protocol:   account.Protocol,
		ConfigFile: rendered,
	})
}

// RefreshMyAccount pulls current traffic counters from the panel
func (h *Handler) RefreshMyAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	// Ownership check before the remote round-trip
	account, err := h.accounts.GetAccountForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	refreshed, err := h.accounts.RefreshUsage(c.Request.Context(), account.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.UsageResponse{
		UsageUp:   refreshed.UsageUp,
		UsageDown: refreshed.UsageDown,
		UpdatedAt: refreshed.UpdatedAt,
	})
}

// DeactivateMyAccount disables the caller's tunnel
func (h *Handler) DeactivateMyAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	account, err := h.accounts.GetAccountForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.accounts.Deactivate(c.Request.Context(), account.ID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== Internal API Handlers ====================

// SubscriptionEvent is the webhook fallback for the billing queue: same
// payload, same handling
func (h *Handler) SubscriptionEvent(c *gin.Context) {
	var event models.SubscriptionEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.accounts.ProcessSubscriptionEvent(c.Request.Context(), &event); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== Admin API Handlers ====================

// AdminAccountAction invokes a lifecycle action on any account
func (h *Handler) AdminAccountAction(c *gin.Context) {
	accountID := c.Param("id")

	var req models.AdminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Action {
	case models.AdminActionDeactivate:
		if err := h.accounts.Deactivate(c.Request.Context(), accountID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case models.AdminActionRemove:
		if err := h.accounts.Remove(c.Request.Context(), accountID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})

	case models.AdminActionRefresh:
		account, err := h.accounts.RefreshUsage(c.Request.Context(), accountID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.UsageResponse{
			UsageUp:   account.UsageUp,
			UsageDown: account.UsageDown,
			UpdatedAt: account.UpdatedAt,
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
	}
}

// AdminListAccounts filters accounts by user and status
func (h *Handler) AdminListAccounts(c *gin.Context) {
	accounts, err := h.accounts.ListAccounts(c.Request.Context(), c.Query("user_id"), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]models.AccountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, models.NewAccountResponse(account))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": resp})
}

// AdminAccountLogs returns the lifecycle audit trail for an account
func (h *Handler) AdminAccountLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	logs, err := h.accounts.AccountLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
