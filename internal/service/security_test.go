package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/review"
	"botmail/backend/internal/storage/memory"
)

// fakeAnalyzer 返回预置的分析结果
type fakeAnalyzer struct {
	result *review.Result
	err    error
	since  time.Time
	until  time.Time
}

func (f *fakeAnalyzer) Analyze(_ context.Context, since, until time.Time) (*review.Result, error) {
	f.since, f.until = since, until
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newSecurityFixture(t *testing.T, analyzer review.Analyzer) (*SecurityService, *memory.Store, *domain.Bot) {
	t.Helper()
	store := memory.NewStore()
	if analyzer == nil {
		analyzer = review.NoopAnalyzer{}
	}
	svc := NewSecurityService(store, analyzer, nil, zap.NewNop())

	bot := &domain.Bot{
		ID:        uuid.NewString(),
		Name:      "Scout",
		APIKey:    "bm_sec",
		Status:    domain.BotStatusNormal,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveBot(bot))
	return svc, store, bot
}

func pendingFlag(t *testing.T, store *memory.Store, botID string) *domain.SecurityFlag {
	t.Helper()
	flag := &domain.SecurityFlag{
		ID:              uuid.NewString(),
		BotID:           botID,
		SuggestedStatus: domain.BotStatusFlagged,
		Reason:          "unusual send burst",
		ReviewStatus:    domain.FlagPending,
		FlaggedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateFlag(flag))
	return flag
}

func TestRejectFlag(t *testing.T) {
	t.Run("驳回后Bot状态不变", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		rejected, err := svc.RejectFlag(flag.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagRejected, rejected.ReviewStatus)

		stored, err := store.GetBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusNormal, stored.Status)
	})

	t.Run("重复驳回返回冲突", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		_, err := svc.RejectFlag(flag.ID)
		require.NoError(t, err)

		_, err = svc.RejectFlag(flag.ID)
		assert.ErrorIs(t, err, ErrFlagAlreadyReviewed)
	})
}

func TestApplyFlag(t *testing.T) {
	t.Run("采纳后Bot转入目标状态并盖时间戳", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		applied, err := svc.ApplyFlag(flag.ID, domain.BotStatusSuspended)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagApplied, applied.ReviewStatus)
		require.NotNil(t, applied.AppliedStatus)
		assert.Equal(t, domain.BotStatusSuspended, *applied.AppliedStatus)
		assert.NotNil(t, applied.AppliedAt)

		stored, err := store.GetBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusSuspended, stored.Status)
	})

	t.Run("目标状态不允许为normal", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		_, err := svc.ApplyFlag(flag.ID, domain.BotStatusNormal)
		assert.ErrorIs(t, err, ErrInvalidTargetStatus)
	})

	t.Run("终态标记不可再采纳", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		_, err := svc.ApplyFlag(flag.ID, domain.BotStatusFlagged)
		require.NoError(t, err)

		_, err = svc.ApplyFlag(flag.ID, domain.BotStatusSuspended)
		assert.ErrorIs(t, err, ErrFlagAlreadyReviewed)
	})
}

func TestReinstateBot(t *testing.T) {
	t.Run("恢复受限Bot并保留审计记录", func(t *testing.T) {
		svc, store, bot := newSecurityFixture(t, nil)
		flag := pendingFlag(t, store, bot.ID)

		_, err := svc.ApplyFlag(flag.ID, domain.BotStatusSuspended)
		require.NoError(t, err)

		reinstated, err := svc.ReinstateBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusNormal, reinstated.Status)
		assert.Equal(t, 0, reinstated.TotalFlags)

		stored, err := store.GetFlag(flag.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagApplied, stored.ReviewStatus)
		require.NotNil(t, stored.AppliedStatus)
		assert.Equal(t, domain.BotStatusSuspended, *stored.AppliedStatus)
	})

	t.Run("normal状态的Bot无需恢复", func(t *testing.T) {
		svc, _, bot := newSecurityFixture(t, nil)

		_, err := svc.ReinstateBot(bot.ID)
		assert.ErrorIs(t, err, ErrBotAlreadyNormal)
	})
}

func TestStatusChangeInvalidatesCache(t *testing.T) {
	t.Run("采纳标记后缓存条目被删除", func(t *testing.T) {
		store := memory.NewStore()
		invalidator := &recordingInvalidator{}
		svc := NewSecurityService(store, review.NoopAnalyzer{}, invalidator, zap.NewNop())

		bot := &domain.Bot{
			ID:        uuid.NewString(),
			Name:      "Scout",
			APIKey:    "bm_sec",
			Status:    domain.BotStatusNormal,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.SaveBot(bot))
		flag := pendingFlag(t, store, bot.ID)

		_, err := svc.ApplyFlag(flag.ID, domain.BotStatusSuspended)
		require.NoError(t, err)

		// 封禁必须即时生效，不能等缓存过期
		assert.Equal(t, []string{bot.APIKey}, invalidator.keys)

		_, err = svc.ReinstateBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{bot.APIKey, bot.APIKey}, invalidator.keys)
	})
}

func TestTriggerReview(t *testing.T) {
	t.Run("提案以pending标记落库", func(t *testing.T) {
		analyzer := &fakeAnalyzer{}
		svc, store, bot := newSecurityFixture(t, analyzer)
		analyzer.result = &review.Result{
			Summary: "2 anomalies detected",
			Proposals: []review.FlagProposal{
				{BotID: bot.ID, SuggestedStatus: domain.BotStatusFlagged, Reason: "send burst"},
				{BotID: bot.ID, SuggestedStatus: domain.BotStatusSuspended, Reason: "repeated bounces"},
				{BotID: bot.ID, SuggestedStatus: domain.BotStatusNormal, Reason: "invalid target"},
			},
		}

		created, summary, err := svc.TriggerReview(context.Background(), time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, created)
		assert.Equal(t, "2 anomalies detected", summary)

		flags, total, err := store.ListFlags(domain.FlagFilter{Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		for _, f := range flags {
			assert.Equal(t, domain.FlagPending, f.ReviewStatus)
		}
	})

	t.Run("默认扫描最近24小时", func(t *testing.T) {
		analyzer := &fakeAnalyzer{result: &review.Result{}}
		svc, _, _ := newSecurityFixture(t, analyzer)

		_, _, err := svc.TriggerReview(context.Background(), time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.WithinDuration(t, analyzer.until.Add(-24*time.Hour), analyzer.since, time.Second)
	})

	t.Run("未配置分析服务返回空结果", func(t *testing.T) {
		svc, _, _ := newSecurityFixture(t, nil)

		created, summary, err := svc.TriggerReview(context.Background(), time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 0, created)
		assert.Equal(t, "analyzer not configured", summary)
	})
}
