package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-controller/internal/config"
	"github.com/wenwu/saas-platform/vpn-controller/internal/service"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	db      *pgxpool.Pool
}

// 全局速率限制器: 每用户每分钟最多 30 次请求
var userRateLimiter = NewRateLimiter(30, time.Minute)

// 创建账户速率限制器: 每用户每小时最多 5 次创建请求
// 说明: 每个订阅只能有一个账户，5 次足够处理重试和重建场景
var createRateLimiter = NewRateLimiter(5, time.Hour)

func NewServer(cfg *config.Config, db *pgxpool.Pool, accounts *service.AccountService, configs *service.ConfigService) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: NewHandler(accounts, configs),
		cfg:     cfg,
		db:      db,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "vpn-controller",
		})
	})

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(userRateLimiter)) // 用户 API 速率限制
	{
		// 创建账户使用更严格的速率限制
		user.POST("/vpn-accounts", RateLimitMiddleware(createRateLimiter), s.handler.CreateAccount)
		user.GET("/vpn-accounts", s.handler.ListMyAccounts)
		user.GET("/vpn-accounts/:id", s.handler.GetMyAccount)
		user.GET("/vpn-accounts/:id/config", s.handler.GetMyAccountConfig)       // 获取连接配置
		user.POST("/vpn-accounts/:id/refresh", s.handler.RefreshMyAccount)       // 刷新流量统计
		user.POST("/vpn-accounts/:id/deactivate", s.handler.DeactivateMyAccount) // 停用账户
	}

	// Internal API - called by the billing service (webhook fallback for
	// the event queue)
	internal := s.router.Group("/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/subscription-events", s.handler.SubscriptionEvent)
	}

	// Admin API - staff tooling
	admin := s.router.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.cfg.AdminKey))
	{
		admin.GET("/vpn-accounts", s.handler.AdminListAccounts)
		admin.POST("/vpn-accounts/:id/actions", s.handler.AdminAccountAction)
		admin.GET("/vpn-accounts/:id/logs", s.handler.AdminAccountLogs)

		// DB Browser API (通用数据库浏览)
		dbAdminHandler := NewDBAdminHandler(s.db, "vpn")
		dbAdmin := admin.Group("/db")
		{
			dbAdmin.GET("/tables", dbAdminHandler.ListTables)
			dbAdmin.GET("/tables/:table/schema", dbAdminHandler.GetTableSchema)
			dbAdmin.GET("/tables/:table/rows", dbAdminHandler.QueryRows)
		}
	}
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
