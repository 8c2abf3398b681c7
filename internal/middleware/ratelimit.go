package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"botmail/backend/internal/cache"
	"botmail/backend/internal/storage/redis"
)

// WebhookRateLimit 入站 Webhook 的按来源 IP 限流。
// 启用 Redis 时使用共享计数窗口，多实例一致；
// 否则退化为进程内的令牌桶，闲置 IP 的限流器随缓存过期回收。
// 超限请求被丢弃但仍应答 200，Webhook 通道不得返回非 200。
type WebhookRateLimit struct {
	cache         *redis.Cache
	ratePerMinute int
	log           *zap.Logger
	limiters      *cache.LocalCache
}

// NewWebhookRateLimit 创建 Webhook 限流中间件
func NewWebhookRateLimit(redisCache *redis.Cache, ratePerMinute int, log *zap.Logger) *WebhookRateLimit {
	if ratePerMinute <= 0 {
		ratePerMinute = 120
	}
	return &WebhookRateLimit{
		cache:         redisCache,
		ratePerMinute: ratePerMinute,
		log:           log,
		limiters:      cache.NewLocalCache(10 * time.Minute),
	}
}

// Limit 返回限流 gin 处理函数
func (m *WebhookRateLimit) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		if !m.allow(c, ip) {
			m.log.Warn("Webhook 请求被限流丢弃", zap.String("ip", ip))
			c.Set("dropReason", "rate_limited")
			ackDropped(c)
			return
		}

		c.Next()
	}
}

func (m *WebhookRateLimit) allow(c *gin.Context, ip string) bool {
	if m.cache != nil {
		count, err := m.cache.IncrementRateLimit(c.Request.Context(), "webhook:"+ip, time.Minute)
		if err == nil {
			return count <= int64(m.ratePerMinute)
		}
		// Redis 故障时放行到本地限流
		m.log.Warn("Redis 限流计数失败，回退本地限流", zap.Error(err))
	}
	return m.localLimiter(ip).Allow()
}

func (m *WebhookRateLimit) localLimiter(ip string) *rate.Limiter {
	limiter := m.limiters.GetOrSet(ip, func() interface{} {
		return rate.NewLimiter(rate.Limit(float64(m.ratePerMinute)/60.0), m.ratePerMinute)
	})
	return limiter.(*rate.Limiter)
}
