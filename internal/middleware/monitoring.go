package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/monitoring"
)

// MonitoringMiddleware 监控中间件
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewMonitoringMiddleware 创建监控中间件
func NewMonitoringMiddleware(metrics *monitoring.Metrics, logger *zap.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger,
	}
}

// HTTPMetrics HTTP 指标中间件
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		statusCode := strconv.Itoa(c.Writer.Status())

		mm.metrics.RecordHTTPRequest(
			c.Request.Method,
			c.FullPath(),
			statusCode,
			duration,
		)

		if c.Writer.Status() >= 400 {
			mm.metrics.RecordError("http_error", "http")
		}
	}
}

// PanicRecovery Panic 恢复中间件
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				mm.metrics.RecordPanic()

				mm.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("ip", c.ClientIP()),
				)

				c.JSON(500, gin.H{
					"code": 500,
					"msg":  "internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}

// BusinessMetrics 业务指标中间件
func (mm *MonitoringMiddleware) BusinessMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Status() >= 400 {
			if c.Writer.Status() == 429 && c.FullPath() == "/v1/mail/send" {
				mm.metrics.QuotaRejections.Inc()
			}
			return
		}

		// 根据路径记录业务指标
		switch c.FullPath() {
		case "/v1/bots/register":
			mm.metrics.BotsRegistered.Inc()
		case "/v1/bots/claim":
			mm.metrics.BotsClaimed.Inc()
		case "/v1/bots/reserve":
			mm.metrics.HandlesReserved.Inc()
		case "/v1/mail/send":
			if bot, ok := BotFromContext(c); ok {
				mm.metrics.RecordEmailSent(bot.Verified)
			}
		case "/v1/webhook/inbound":
			if reason := c.GetString("dropReason"); reason != "" {
				mm.metrics.InboundDropped.WithLabelValues(reason).Inc()
			} else {
				mm.metrics.EmailsInbound.Inc()
			}
		case "/v1/bot-security/flags/:id/reject":
			mm.metrics.FlagsRejected.Inc()
		case "/v1/bot-security/flags/:id/apply":
			status := c.GetString("appliedStatus")
			if status == "" {
				status = "unknown"
			}
			mm.metrics.FlagsApplied.WithLabelValues(status).Inc()
		case "/v1/bot-security/bots/:id/reinstate":
			mm.metrics.BotsReinstated.Inc()
		case "/v1/bot-security/force-review":
			if created := c.GetInt("flagsCreated"); created > 0 {
				mm.metrics.FlagsCreated.Add(float64(created))
			}
		}
	}
}
