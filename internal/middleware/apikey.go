package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage/redis"
)

// ContextBotKey Bot 认证中间件写入上下文的键
const ContextBotKey = "bot"

// BotAuth Bot API 密钥认证中间件
type BotAuth struct {
	identity *service.IdentityService
	cache    *redis.Cache // 可选，未启用 Redis 时为 nil
	log      *zap.Logger
}

// NewBotAuth 创建 Bot 认证中间件
func NewBotAuth(identity *service.IdentityService, cache *redis.Cache, log *zap.Logger) *BotAuth {
	return &BotAuth{
		identity: identity,
		cache:    cache,
		log:      log,
	}
}

// RequireBot 要求 X-Api-Key 或 Bearer 形式的 Bot 密钥认证
func (m *BotAuth) RequireBot() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := extractAPIKey(c)
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "missing api key",
			})
			c.Abort()
			return
		}

		bot := m.resolveBot(c, apiKey)
		if bot == nil {
			m.log.Warn("API 密钥认证失败", zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "invalid api key",
			})
			c.Abort()
			return
		}

		c.Set(ContextBotKey, bot)
		c.Next()
	}
}

// resolveBot 解析密钥对应的 Bot，优先查 Redis 缓存
func (m *BotAuth) resolveBot(c *gin.Context, apiKey string) *domain.Bot {
	if m.cache != nil {
		if bot, err := m.cache.GetCachedBotByAPIKey(c.Request.Context(), apiKey); err == nil && bot != nil {
			return bot
		}
	}

	bot, err := m.identity.GetBotByAPIKey(apiKey)
	if err != nil {
		return nil
	}

	if m.cache != nil {
		// 缓存 TTL 取短值，状态变更最多滞后一分钟
		if err := m.cache.CacheBotByAPIKey(c.Request.Context(), apiKey, bot, time.Minute); err != nil {
			m.log.Warn("Bot 缓存写入失败", zap.Error(err))
		}
	}
	return bot
}

// BotFromContext 从上下文取出已认证的 Bot
func BotFromContext(c *gin.Context) (*domain.Bot, bool) {
	value, exists := c.Get(ContextBotKey)
	if !exists {
		return nil, false
	}
	bot, ok := value.(*domain.Bot)
	return bot, ok
}

// extractAPIKey 依次尝试 X-Api-Key 头与 Bearer 认证头
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" && strings.HasPrefix(parts[1], "bm_") {
			return parts[1]
		}
	}
	return ""
}
