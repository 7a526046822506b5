package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/vpn-controller/internal/client"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRespondErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", &service.ConflictError{Reason: "subscription already has an account"}, http.StatusConflict},
		{"panel rejection", &client.ApplicationRejection{Op: "create inbound", Msg: "port in use"}, http.StatusConflict},
		{"not found", &service.NotFoundError{Resource: "account", Ref: "acc-1"}, http.StatusNotFound},
		{"gateway", &client.GatewayError{Op: "get inbound", Attempts: 3, Err: errors.New("timeout")}, http.StatusBadGateway},
		{"auth", &client.AuthError{Err: errors.New("login rejected")}, http.StatusBadGateway},
		{"wrapped conflict", fmt.Errorf("process event: %w", &service.ConflictError{Reason: "busy"}), http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			respondError(c, tt.err)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestJWTAuthMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/probe", JWTAuthMiddleware("test-secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("userID")})
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "token abc")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": "user-1"}).
			SignedString([]byte("other-secret"))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token via uid claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": "user-1"}).
			SignedString([]byte("test-secret"))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"user_id":"user-1"`)
	})

	t.Run("valid token via sub claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-2"}).
			SignedString([]byte("test-secret"))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"user_id":"user-2"`)
	})
}

func TestInternalAuthMiddleware(t *testing.T) {
	router := gin.New()
	router.POST("/probe", InternalAuthMiddleware("internal-secret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/probe", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/probe", nil)
	req.Header.Set("X-Internal-Secret", "wrong")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/probe", nil)
	req.Header.Set("X-Internal-Secret", "internal-secret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuthMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/probe", AdminAuthMiddleware("admin-key"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Admin-API-Key", "admin-key")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	assert.True(t, rl.Allow("user-1"))
	assert.True(t, rl.Allow("user-1"))
	assert.True(t, rl.Allow("user-1"))
	assert.False(t, rl.Allow("user-1"), "fourth request in the window is rejected")
	assert.True(t, rl.Allow("user-2"), "keys are limited independently")
}

func TestAdminAccountActionRejectsUnknownAction(t *testing.T) {
	router := gin.New()
	h := NewHandler(nil, nil)
	router.POST("/admin/vpn-accounts/:id/actions", h.AdminAccountAction)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/vpn-accounts/acc-1/actions",
		strings.NewReader(`{"action": "destroy"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown action")
}

func TestAdminAccountActionRequiresAction(t *testing.T) {
	router := gin.New()
	h := NewHandler(nil, nil)
	router.POST("/admin/vpn-accounts/:id/actions", h.AdminAccountAction)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/vpn-accounts/acc-1/actions",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAccountRequiresSubscriptionID(t *testing.T) {
	router := gin.New()
	h := NewHandler(nil, nil)
	router.POST("/api/v1/vpn-accounts", func(c *gin.Context) {
		c.Set("userID", "user-1")
		h.CreateAccount(c)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vpn-accounts", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAccountRequiresAuthenticatedUser(t *testing.T) {
	router := gin.New()
	h := NewHandler(nil, nil)
	router.POST("/api/v1/vpn-accounts", h.CreateAccount)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vpn-accounts",
		strings.NewReader(`{"subscription_id": "sub-1"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
