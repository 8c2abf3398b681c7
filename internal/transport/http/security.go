package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/service"
	"botmail/backend/internal/storage"
)

// SecurityHandler 处理信任复核工作流的管理端 HTTP 请求
type SecurityHandler struct {
	security *service.SecurityService
	log      *zap.Logger
}

// NewSecurityHandler 创建信任复核处理器
func NewSecurityHandler(security *service.SecurityService, log *zap.Logger) *SecurityHandler {
	return &SecurityHandler{security: security, log: log}
}

// ListFlags 分页列出安全标记
func (h *SecurityHandler) ListFlags(c *gin.Context) {
	filter := domain.FlagFilter{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "pageSize", 20),
	}

	if raw := c.Query("status"); raw != "" {
		status := domain.BotStatus(raw)
		if !status.Valid() {
			BadRequest(c, "未知的Bot状态")
			return
		}
		filter.BotStatus = &status
	}

	switch c.Query("date") {
	case "":
	case "today":
		filter.DateBucket = domain.BucketToday
	case "last7":
		filter.DateBucket = domain.BucketLast7
	case "last30":
		filter.DateBucket = domain.BucketLast30
	default:
		BadRequest(c, "未知的日期档位")
		return
	}

	flags, total, err := h.security.ListFlags(filter)
	if err != nil {
		h.log.Error("failed to list flags", zap.Error(err))
		InternalError(c, MsgFlagListFailed)
		return
	}

	Success(c, gin.H{
		"flags":    flags,
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}

// RejectFlag 驳回一条待复核标记
func (h *SecurityHandler) RejectFlag(c *gin.Context) {
	flag, err := h.security.RejectFlag(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrFlagNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrFlagAlreadyReviewed):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to reject flag", zap.Error(err))
			InternalError(c, MsgFlagActionFailed)
		}
		return
	}

	Success(c, flag)
}

type applyFlagRequest struct {
	Status string `json:"status" binding:"required"`
}

// ApplyFlag 采纳一条待复核标记并变更 Bot 状态
func (h *SecurityHandler) ApplyFlag(c *gin.Context) {
	var req applyFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	flag, err := h.security.ApplyFlag(c.Param("id"), domain.BotStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTargetStatus):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrFlagNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrFlagAlreadyReviewed):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to apply flag", zap.Error(err))
			InternalError(c, MsgFlagActionFailed)
		}
		return
	}

	c.Set("appliedStatus", req.Status)
	Success(c, flag)
}

// ReinstateBot 将受限 Bot 恢复为正常状态
func (h *SecurityHandler) ReinstateBot(c *gin.Context) {
	bot, err := h.security.ReinstateBot(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBotNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrBotAlreadyNormal):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to reinstate bot", zap.Error(err))
			InternalError(c, MsgFlagActionFailed)
		}
		return
	}

	Success(c, bot)
}

type forceReviewRequest struct {
	Since *time.Time `json:"since"`
	Until *time.Time `json:"until"`
}

// ForceReview 触发外部分析进程扫描出站活动
func (h *SecurityHandler) ForceReview(c *gin.Context) {
	// 请求体可省略，解析失败时使用默认窗口
	var req forceReviewRequest
	_ = c.ShouldBindJSON(&req)

	var since, until time.Time
	if req.Since != nil {
		since = *req.Since
	}
	if req.Until != nil {
		until = *req.Until
	}

	created, summary, err := h.security.TriggerReview(c.Request.Context(), since, until)
	if err != nil {
		h.log.Error("failed to trigger review", zap.Error(err))
		BadGateway(c, MsgReviewFailed)
		return
	}

	c.Set("flagsCreated", created)
	Success(c, gin.H{
		"flagsCreated": created,
		"summary":      summary,
	})
}
