package service

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
)

// localPartPattern 从收件地址中提取本地部分
var localPartPattern = regexp.MustCompile(`([a-z0-9_]+)@`)

// InboundNotifier 入站邮件到达时的推送回调，由 WebSocket Hub 实现
type InboundNotifier interface {
	NotifyInbound(botID string, message *domain.Message)
}

// InboundPayload 服务商入站 Webhook 的已解析载荷
type InboundPayload struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Text     string `json:"text"`
	HTML     string `json:"html"`
	Envelope struct {
		To []string `json:"to"`
	} `json:"envelope"`
}

// InboundService 封装入站邮件路由。
//
// 所有失败都只记日志不向上传播，调用方始终应答 200，
// 避免触发服务商的重试风暴。
type InboundService struct {
	store    domain.Store
	cfg      *config.Config
	notifier InboundNotifier
	log      *zap.Logger
}

// NewInboundService 创建入站路由服务。
func NewInboundService(store domain.Store, cfg *config.Config, notifier InboundNotifier, log *zap.Logger) *InboundService {
	return &InboundService{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		log:      log,
	}
}

// HandleInbound 处理一封入站邮件。返回值仅表示是否完成了落库，
// 供测试与日志使用；HTTP 层不依赖它决定状态码。
func (s *InboundService) HandleInbound(payload InboundPayload) bool {
	localPart := s.extractLocalPart(payload)
	if localPart == "" {
		s.log.Warn("入站邮件收件地址无法解析，丢弃",
			zap.String("to", payload.To))
		return false
	}

	handle, err := s.store.GetHandleByAddress(localPart)
	if err != nil {
		if errors.Is(err, storage.ErrHandleNotFound) {
			s.log.Info("入站邮件地址无对应 Handle，丢弃",
				zap.String("localPart", localPart))
		} else {
			s.log.Error("入站邮件 Handle 查询失败，丢弃",
				zap.String("localPart", localPart),
				zap.Error(err))
		}
		return false
	}

	if !handle.Linked() {
		s.log.Info("入站邮件地址未绑定 Bot，丢弃",
			zap.String("localPart", localPart))
		return false
	}

	// 入站邮件不与历史会话关联，始终开启新会话
	message := &domain.Message{
		ID:          uuid.NewString(),
		BotID:       *handle.BotID,
		Direction:   domain.DirectionInbound,
		FromAddress: strings.TrimSpace(payload.From),
		ToAddress:   strings.TrimSpace(payload.To),
		Subject:     payload.Subject,
		BodyText:    payload.Text,
		BodyHTML:    payload.HTML,
		ThreadID:    uuid.NewString(),
		MessageID:   s.mintMessageID(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.SaveMessage(message); err != nil {
		s.log.Error("入站邮件落库失败，丢弃",
			zap.String("botId", message.BotID),
			zap.Error(err))
		return false
	}

	s.log.Info("入站邮件已入库",
		zap.String("botId", message.BotID),
		zap.String("messageId", message.MessageID),
		zap.String("from", message.FromAddress))

	if s.notifier != nil {
		s.notifier.NotifyInbound(message.BotID, message)
	}
	return true
}

// extractLocalPart 从 envelope.to 或 to 字段中取第一个可解析的本地部分。
func (s *InboundService) extractLocalPart(payload InboundPayload) string {
	candidates := make([]string, 0, len(payload.Envelope.To)+1)
	candidates = append(candidates, payload.Envelope.To...)
	candidates = append(candidates, payload.To)

	for _, to := range candidates {
		match := localPartPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(to)))
		if len(match) == 2 {
			return match[1]
		}
	}
	return ""
}

func (s *InboundService) mintMessageID() string {
	return "<" + uuid.NewString() + "@" + s.cfg.Mail.Domain + ">"
}
