package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/middleware"
	"botmail/backend/internal/service"
)

// BotHandler 处理 Bot 身份与绑定相关的 HTTP 请求
type BotHandler struct {
	identity *service.IdentityService
	log      *zap.Logger
}

// NewBotHandler 创建 Bot 处理器
func NewBotHandler(identity *service.IdentityService, log *zap.Logger) *BotHandler {
	return &BotHandler{identity: identity, log: log}
}

type registerBotRequest struct {
	Name string `json:"name" binding:"required"`
}

// Register 处理 Bot 注册请求
func (h *BotHandler) Register(c *gin.Context) {
	var req registerBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.identity.RegisterBot(req.Name)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNameRequired), errors.Is(err, domain.ErrNameTooLong):
			BadRequest(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to register bot", zap.Error(err))
			InternalError(c, MsgRegisterFailed)
		}
		return
	}

	Created(c, result)
}

type reserveHandleRequest struct {
	Handle     string `json:"handle" binding:"required"`
	SenderName string `json:"senderName"`
}

// Reserve 处理 Handle 预留请求（人类用户，JWT 认证）
func (h *BotHandler) Reserve(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var req reserveHandleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.identity.ReserveHandle(userID, req.Handle, req.SenderName)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrHandleTooShort), errors.Is(err, domain.ErrHandleInvalid):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrHandleTaken), errors.Is(err, service.ErrUserOwnsHandle):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to reserve handle", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Created(c, result)
}

type claimBotRequest struct {
	ClaimToken string `json:"claimToken" binding:"required"`
}

// Claim 处理认领令牌兑换请求（人类用户，JWT 认证）
func (h *BotHandler) Claim(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	var req claimBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.identity.ClaimBot(userID, req.ClaimToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrClaimTokenNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrClaimTokenUsed):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to claim bot", zap.Error(err))
			InternalError(c, MsgInternalError)
		}
		return
	}

	Success(c, result)
}

// RotateKey 处理 API 密钥轮换请求（Bot 认证）
func (h *BotHandler) RotateKey(c *gin.Context) {
	bot, ok := middleware.BotFromContext(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	newKey, err := h.identity.RotateAPIKey(bot.ID)
	if err != nil {
		h.log.Error("failed to rotate api key",
			zap.String("botId", bot.ID),
			zap.Error(err))
		InternalError(c, MsgRotateKeyFailed)
		return
	}

	Success(c, gin.H{"apiKey": newKey})
}
