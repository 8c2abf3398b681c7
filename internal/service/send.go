package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
	"botmail/backend/internal/mailer"
	"botmail/backend/internal/storage"
)

var (
	// ErrInvalidAPIKey API 密钥无效
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrBotSuspended Bot 已封禁，发信被拒绝
	ErrBotSuspended = errors.New("bot is suspended")
	// ErrBotNotLinked Bot 尚未绑定 Handle
	ErrBotNotLinked = errors.New("bot is not linked to a handle")
	// ErrRecipientRequired 收件人不能为空
	ErrRecipientRequired = errors.New("recipient is required")
)

// QuotaExceededError 当日配额用尽，携带限额视图供响应体透出
type QuotaExceededError struct {
	Limit    int
	Used     int
	ResetsAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d/%d", e.Used, e.Limit)
}

// SendService 封装配额门控的出站发信管道。
//
// 每次发送按固定顺序过闸: 状态检查、认证、绑定检查、配额检查、
// 投递、落库。配额检查到落库在存储层同一事务内完成。
type SendService struct {
	store     domain.Store
	transport mailer.Transport
	cfg       *config.Config
	log       *zap.Logger
}

// NewSendService 创建发信服务。
func NewSendService(store domain.Store, transport mailer.Transport, cfg *config.Config, log *zap.Logger) *SendService {
	return &SendService{
		store:     store,
		transport: transport,
		cfg:       cfg,
		log:       log,
	}
}

// SendInput 发信请求
type SendInput struct {
	To        string  `json:"to" binding:"required,email"`
	Subject   string  `json:"subject" binding:"max=500"`
	Body      string  `json:"body" binding:"required"`
	InReplyTo *string `json:"inReplyTo"`
}

// SendResult 发信结果
type SendResult struct {
	MessageID string               `json:"messageId"`
	ThreadID  string               `json:"threadId"`
	Quota     domain.QuotaSnapshot `json:"quota"`
}

// Send 以 Bot 身份发送一封邮件。
func (s *SendService) Send(ctx context.Context, bot *domain.Bot, input SendInput) (*SendResult, error) {
	if bot.Status == domain.BotStatusSuspended {
		return nil, ErrBotSuspended
	}

	to := strings.TrimSpace(input.To)
	if to == "" {
		return nil, ErrRecipientRequired
	}

	handle, err := s.store.GetHandleByBotID(bot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrHandleNotFound) {
			return nil, ErrBotNotLinked
		}
		return nil, err
	}

	now := time.Now().UTC()
	day := domain.QuotaDay(now)
	limit := s.cfg.Mail.DailyLimit(bot.Verified)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Mail.Domain)
	threadID := s.resolveThread(input.InReplyTo)
	from := fmt.Sprintf("%s@%s", handle.Address, s.cfg.Mail.Domain)

	message := &domain.Message{
		ID:          uuid.NewString(),
		BotID:       bot.ID,
		Direction:   domain.DirectionOutbound,
		FromAddress: from,
		ToAddress:   to,
		Subject:     input.Subject,
		BodyText:    input.Body,
		ThreadID:    threadID,
		MessageID:   messageID,
		InReplyTo:   input.InReplyTo,
		CreatedAt:   now,
	}

	envelope := mailer.Envelope{
		From:      from,
		FromName:  bot.Name,
		To:        to,
		Subject:   input.Subject,
		Text:      input.Body,
		MessageID: messageID,
	}
	if input.InReplyTo != nil {
		envelope.InReplyTo = *input.InReplyTo
	}

	used, err := s.store.RecordOutbound(bot.ID, day, limit, message, func() error {
		_, sendErr := s.transport.Send(ctx, envelope)
		if errors.Is(sendErr, mailer.ErrUnverifiedSender) {
			// 软失败: 照常计入配额并落库，保持账本一致
			s.log.Warn("发信身份未验证，仅记录不投递",
				zap.String("botId", bot.ID),
				zap.String("messageId", messageID))
			return nil
		}
		return sendErr
	})
	if err != nil {
		if errors.Is(err, storage.ErrQuotaLimitReached) {
			// RecordOutbound 在持锁检查时返回权威的已用量
			return nil, &QuotaExceededError{
				Limit:    limit,
				Used:     used,
				ResetsAt: domain.QuotaResetTime(now),
			}
		}
		return nil, err
	}

	s.log.Info("出站邮件已发送",
		zap.String("botId", bot.ID),
		zap.String("messageId", messageID),
		zap.String("threadId", threadID),
		zap.Int("quotaUsed", used))

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return &SendResult{
		MessageID: messageID,
		ThreadID:  threadID,
		Quota: domain.QuotaSnapshot{
			Used:      used,
			Limit:     limit,
			Remaining: remaining,
			ResetsAt:  domain.QuotaResetTime(now),
		},
	}, nil
}

// resolveThread 解析回复所属会话: inReplyTo 命中已存邮件时继承其
// threadId，未命中或未提供时铸造新会话。未知引用不报错。
func (s *SendService) resolveThread(inReplyTo *string) string {
	if inReplyTo != nil && *inReplyTo != "" {
		if parent, err := s.store.GetMessageByMessageID(*inReplyTo); err == nil {
			return parent.ThreadID
		}
	}
	return uuid.NewString()
}

// InboxPage 收件箱分页结果
type InboxPage struct {
	Messages []domain.Message `json:"messages"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

// Inbox 列出 Bot 的邮件，按创建时间倒序，可按方向过滤。
func (s *SendService) Inbox(botID string, direction *domain.MessageDirection, page, pageSize int) (*InboxPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	messages, total, err := s.store.ListMessagesByBot(botID, direction, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &InboxPage{
		Messages: messages,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Message 返回属于该 Bot 的单封邮件详情。
func (s *SendService) Message(botID, id string) (*domain.Message, error) {
	return s.store.GetMessage(botID, id)
}

// Quota 返回 Bot 当日的配额视图。
func (s *SendService) Quota(bot *domain.Bot) (*domain.QuotaSnapshot, error) {
	now := time.Now().UTC()
	limit := s.cfg.Mail.DailyLimit(bot.Verified)

	used, err := s.store.GetQuotaUsed(bot.ID, domain.QuotaDay(now))
	if err != nil {
		return nil, err
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	return &domain.QuotaSnapshot{
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  domain.QuotaResetTime(now),
	}, nil
}
