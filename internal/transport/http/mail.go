package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/middleware"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage"
)

// MailHandler 处理收发邮件相关的 HTTP 请求
type MailHandler struct {
	send    *service.SendService
	inbound *service.InboundService
	log     *zap.Logger
}

// NewMailHandler 创建邮件处理器
func NewMailHandler(send *service.SendService, inbound *service.InboundService, log *zap.Logger) *MailHandler {
	return &MailHandler{send: send, inbound: inbound, log: log}
}

// Send 处理出站发信请求（Bot 认证）
func (h *MailHandler) Send(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var req service.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.send.Send(c.Request.Context(), bot, req)
	if err != nil {
		var quotaErr *service.QuotaExceededError
		switch {
		case errors.Is(err, service.ErrBotSuspended):
			Forbidden(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrBotNotLinked), errors.Is(err, service.ErrRecipientRequired):
			BadRequest(c, GetErrorMessage(err))
		case errors.As(err, &quotaErr):
			TooManyRequests(c, MsgQuotaExceeded, gin.H{
				"limit":     quotaErr.Limit,
				"used":      quotaErr.Used,
				"remaining": 0,
				"resetsAt":  quotaErr.ResetsAt,
			})
		default:
			h.log.Error("failed to send mail",
				zap.String("botId", bot.ID),
				zap.Error(err))
			BadGateway(c, MsgDeliveryFailed)
		}
		return
	}

	Success(c, result)
}

// Inbox 列出当前 Bot 的邮件（Bot 认证）
func (h *MailHandler) Inbox(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var direction *domain.MessageDirection
	switch c.Query("direction") {
	case "inbound":
		d := domain.DirectionInbound
		direction = &d
	case "outbound":
		d := domain.DirectionOutbound
		direction = &d
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "pageSize", 20)

	result, err := h.send.Inbox(bot.ID, direction, page, pageSize)
	if err != nil {
		h.log.Error("failed to list inbox",
			zap.String("botId", bot.ID),
			zap.Error(err))
		InternalError(c, MsgInboxFailed)
		return
	}

	Success(c, result)
}

// Message 返回单封邮件详情（Bot 认证）
func (h *MailHandler) Message(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	message, err := h.send.Message(bot.ID, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to load message",
			zap.String("botId", bot.ID),
			zap.Error(err))
		InternalError(c, MsgInboxFailed)
		return
	}

	Success(c, message)
}

// Quota 返回当前 Bot 的当日配额视图（Bot 认证）
func (h *MailHandler) Quota(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	snapshot, err := h.send.Quota(bot)
	if err != nil {
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, snapshot)
}

// InboundWebhook 处理服务商入站 Webhook。
// 无论处理结果如何都应答 200，避免触发服务商重试风暴。
func (h *MailHandler) InboundWebhook(c *gin.Context) {
	var payload service.InboundPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.log.Warn("入站载荷解析失败", zap.Error(err))
		c.Set("dropReason", "unparseable")
		Success(c, gin.H{"accepted": false})
		return
	}

	accepted := h.inbound.HandleInbound(payload)
	if !accepted {
		c.Set("dropReason", "unrouted")
	}
	Success(c, gin.H{"accepted": accepted})
}
