package httptransport

import (
	"strconv"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/auth"
	jwtpkg "botmail/backend/internal/auth/jwt"
	"botmail/backend/internal/config"
	"botmail/backend/internal/health"
	"botmail/backend/internal/middleware"
	"botmail/backend/internal/monitoring"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage/redis"
	"botmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	IdentityService *service.IdentityService
	SendService     *service.SendService
	InboundService  *service.InboundService
	SecurityService *service.SecurityService
	AuthService     *auth.Service
	JWTManager      *jwtpkg.Manager
	WebSocketHub    *websocket.Hub
	RedisCache      *redis.Cache // 可选
	Metrics         *monitoring.Metrics
	HealthChecker   *health.HealthChecker
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	log := deps.Logger

	// 使用自定义中间件替代默认中间件
	monitoringMW := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitoringMW.PanicRecovery())
	router.Use(monitoringMW.HTTPMetrics())
	router.Use(monitoringMW.BusinessMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Api-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	botHandler := NewBotHandler(deps.IdentityService, log)
	mailHandler := NewMailHandler(deps.SendService, deps.InboundService, log)
	securityHandler := NewSecurityHandler(deps.SecurityService, log)
	authHandler := NewAuthHandler(deps.AuthService, deps.JWTManager, log)

	// 创建中间件
	botAuth := middleware.NewBotAuth(deps.IdentityService, deps.RedisCache, log)
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
	adminAuth := middleware.NewAdminAuth(deps.AuthService)
	webhookLimit := middleware.NewWebhookRateLimit(deps.RedisCache, deps.Config.Webhook.RatePerMinute, log)

	// 能力说明文档（代理以程序方式抓取）
	router.GET("/skill.md", SkillDocument(deps.Config))

	// 健康检查与指标
	router.GET("/healthz", gin.WrapH(deps.HealthChecker.Handler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// V1 API
	// 入站 Webhook 需要更大的请求体上限，单独挂载
	v1 := router.Group("/v1")
	v1.POST("/webhook/inbound",
		webhookLimit.Limit(),
		middleware.WebhookBodySizeLimit(middleware.InboundBodyLimit),
		mailHandler.InboundWebhook)

	v1.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))
	{
		// 人类用户认证
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.GET("/me", jwtAuth.RequireAuth(), authHandler.Me)
		}

		// Bot 身份与绑定
		bots := v1.Group("/bots")
		{
			bots.POST("/register", botHandler.Register)
			bots.POST("/reserve", jwtAuth.RequireAuth(), botHandler.Reserve)
			bots.POST("/claim", jwtAuth.RequireAuth(), botHandler.Claim)
			bots.POST("/rotate-key", botAuth.RequireBot(), botHandler.RotateKey)
		}

		// 收发邮件
		mail := v1.Group("/mail", botAuth.RequireBot())
		{
			mail.POST("/send", mailHandler.Send)
			mail.GET("/inbox", mailHandler.Inbox)
			mail.GET("/messages/:id", mailHandler.Message)
			mail.GET("/quota", mailHandler.Quota)
		}

		// 入站邮件实时推送
		v1.GET("/ws/inbox", botAuth.RequireBot(), deps.WebSocketHub.HandleWS)

		// 信任复核（管理员）
		botSecurity := v1.Group("/bot-security", jwtAuth.RequireAuth(), adminAuth.RequireAdmin())
		{
			botSecurity.GET("/flags", securityHandler.ListFlags)
			botSecurity.POST("/flags/:id/reject", securityHandler.RejectFlag)
			botSecurity.POST("/flags/:id/apply", securityHandler.ApplyFlag)
			botSecurity.POST("/bots/:id/reinstate", securityHandler.ReinstateBot)
			botSecurity.POST("/force-review", securityHandler.ForceReview)
		}
	}

	return router
}

// queryInt 解析正整数查询参数，非法值回退到默认值
func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
