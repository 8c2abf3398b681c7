package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/review"
	"botmail/backend/internal/storage"
)

var (
	// ErrFlagAlreadyReviewed 安全标记已进入终态，不可再操作
	ErrFlagAlreadyReviewed = errors.New("flag already reviewed")
	// ErrInvalidTargetStatus ApplyFlag 的目标状态非法
	ErrInvalidTargetStatus = errors.New("target status must be flagged, under_review or suspended")
	// ErrBotAlreadyNormal Bot 已处于 normal 状态，无需恢复
	ErrBotAlreadyNormal = errors.New("bot status is already normal")
)

// SecurityService 封装信任标记的复核工作流与 Bot 状态机操作。
//
// 外部分析进程只提交提案（pending Flag），状态变更全部经由
// 这里的管理员操作完成。
type SecurityService struct {
	store    domain.Store
	analyzer review.Analyzer
	cache    BotCacheInvalidator // 可选，未启用缓存时为 nil
	log      *zap.Logger
}

// NewSecurityService 创建信任复核服务。
func NewSecurityService(store domain.Store, analyzer review.Analyzer, cache BotCacheInvalidator, log *zap.Logger) *SecurityService {
	return &SecurityService{store: store, analyzer: analyzer, cache: cache, log: log}
}

// ListFlags 分页列出安全标记，按 FlaggedAt 倒序。
func (s *SecurityService) ListFlags(filter domain.FlagFilter) ([]domain.SecurityFlag, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	return s.store.ListFlags(filter)
}

// RejectFlag 驳回一条待复核标记，Bot 状态不变。
// 并发操作同一标记时恰有一个成功，其余收到冲突错误。
func (s *SecurityService) RejectFlag(flagID string) (*domain.SecurityFlag, error) {
	flag, err := s.store.RejectFlag(flagID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrFlagNotPending) {
			return nil, ErrFlagAlreadyReviewed
		}
		return nil, err
	}

	s.log.Info("安全标记已驳回",
		zap.String("flagId", flag.ID),
		zap.String("botId", flag.BotID))
	return flag, nil
}

// ApplyFlag 采纳一条待复核标记，将 Bot 状态改为指定的受限状态。
// 目标状态只允许 flagged / under_review / suspended，不做严重度排序。
func (s *SecurityService) ApplyFlag(flagID string, status domain.BotStatus) (*domain.SecurityFlag, error) {
	if !status.Restricted() {
		return nil, ErrInvalidTargetStatus
	}

	flag, err := s.store.ApplyFlag(flagID, status, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrFlagNotPending) {
			return nil, ErrFlagAlreadyReviewed
		}
		return nil, err
	}

	if bot, err := s.store.GetBot(flag.BotID); err == nil {
		invalidateCachedKey(s.cache, bot.APIKey, s.log)
	}

	s.log.Info("安全标记已采纳",
		zap.String("flagId", flag.ID),
		zap.String("botId", flag.BotID),
		zap.String("appliedStatus", string(status)))
	return flag, nil
}

// ReinstateBot 将受限 Bot 恢复为 normal 并清零标记计数。
// 历史标记记录保留为审计轨迹。
func (s *SecurityService) ReinstateBot(botID string) (*domain.Bot, error) {
	bot, err := s.store.ReinstateBot(botID)
	if err != nil {
		if errors.Is(err, storage.ErrBotNotRestricted) {
			return nil, ErrBotAlreadyNormal
		}
		return nil, err
	}

	invalidateCachedKey(s.cache, bot.APIKey, s.log)

	s.log.Info("Bot 已恢复",
		zap.String("botId", bot.ID))
	return bot, nil
}

// TriggerReview 触发外部分析进程扫描指定窗口（默认最近 24 小时），
// 分析产出的提案以 pending 标记落库，返回创建数量与摘要。
func (s *SecurityService) TriggerReview(ctx context.Context, since, until time.Time) (int, string, error) {
	now := time.Now().UTC()
	if until.IsZero() {
		until = now
	}
	if since.IsZero() {
		since = until.Add(-24 * time.Hour)
	}

	result, err := s.analyzer.Analyze(ctx, since, until)
	if err != nil {
		return 0, "", err
	}

	created := 0
	for _, p := range result.Proposals {
		if !p.SuggestedStatus.Restricted() {
			s.log.Warn("忽略目标状态非法的提案",
				zap.String("botId", p.BotID),
				zap.String("suggestedStatus", string(p.SuggestedStatus)))
			continue
		}

		flag := &domain.SecurityFlag{
			ID:              uuid.NewString(),
			BotID:           p.BotID,
			SuggestedStatus: p.SuggestedStatus,
			Reason:          p.Reason,
			ReviewStatus:    domain.FlagPending,
			FlaggedAt:       now,
		}
		if p.MessageID != "" {
			messageID := p.MessageID
			flag.MessageID = &messageID
		}

		if err := s.store.CreateFlag(flag); err != nil {
			s.log.Error("提案落库失败",
				zap.String("botId", p.BotID),
				zap.Error(err))
			continue
		}
		created++
	}

	s.log.Info("复核扫描完成",
		zap.Int("created", created),
		zap.Time("since", since),
		zap.Time("until", until))
	return created, result.Summary, nil
}
