package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
)

func newBot(t *testing.T, s *Store) *domain.Bot {
	t.Helper()
	token := "reef-" + uuid.NewString()[:4]
	bot := &domain.Bot{
		ID:         uuid.NewString(),
		Name:       "testbot",
		APIKey:     "bot_" + uuid.NewString(),
		ClaimToken: &token,
		Status:     domain.BotStatusNormal,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SaveBot(bot))
	return bot
}

func TestClaimBot(t *testing.T) {
	t.Run("认领成功并清空令牌", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		token := *bot.ClaimToken

		result, err := s.ClaimBot(token, "user-1", time.Now().UTC())

		require.NoError(t, err)
		assert.Equal(t, "user-1", *result.Bot.UserID)
		assert.Nil(t, result.Bot.ClaimToken)
		assert.NotNil(t, result.Bot.ClaimedAt)
		assert.Nil(t, result.Handle)

		// 令牌已不可再查询
		_, err = s.GetBotByClaimToken(token)
		assert.ErrorIs(t, err, storage.ErrBotNotFound)
	})

	t.Run("认领时自动绑定未绑定的Handle", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		require.NoError(t, s.SaveHandle(&domain.Handle{
			ID:         uuid.NewString(),
			Address:    "acme_sales",
			UserID:     "user-2",
			ReservedAt: time.Now().UTC(),
		}))

		result, err := s.ClaimBot(*bot.ClaimToken, "user-2", time.Now().UTC())

		require.NoError(t, err)
		require.NotNil(t, result.Handle)
		assert.Equal(t, bot.ID, *result.Handle.BotID)

		linked, err := s.GetHandleByBotID(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, "acme_sales", linked.Address)
	})

	t.Run("未知令牌返回NotFound", func(t *testing.T) {
		s := NewStore()
		_, err := s.ClaimBot("no-such-token", "user-1", time.Now().UTC())
		assert.ErrorIs(t, err, storage.ErrBotNotFound)
	})

	t.Run("已兑换令牌返回冲突而非NotFound", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		token := *bot.ClaimToken

		_, err := s.ClaimBot(token, "user-1", time.Now().UTC())
		require.NoError(t, err)

		_, err = s.ClaimBot(token, "user-2", time.Now().UTC())
		assert.ErrorIs(t, err, storage.ErrTokenClaimed)
	})

	t.Run("并发认领同一令牌恰有一个成功", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		token := *bot.ClaimToken

		const workers = 16
		var wg sync.WaitGroup
		errs := make([]error, workers)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.ClaimBot(token, fmt.Sprintf("user-%d", i), time.Now().UTC())
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, storage.ErrTokenClaimed)
			}
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestSaveHandle(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.SaveHandle(&domain.Handle{
		ID:      uuid.NewString(),
		Address: "acme_sales",
		UserID:  "user-1",
	}))

	t.Run("地址被占用返回冲突", func(t *testing.T) {
		err := s.SaveHandle(&domain.Handle{
			ID:      uuid.NewString(),
			Address: "acme_sales",
			UserID:  "user-2",
		})
		assert.ErrorIs(t, err, storage.ErrHandleExists)
	})

	t.Run("同一用户重复预留返回冲突", func(t *testing.T) {
		err := s.SaveHandle(&domain.Handle{
			ID:      uuid.NewString(),
			Address: "another_addr",
			UserID:  "user-1",
		})
		assert.ErrorIs(t, err, storage.ErrUserHasHandle)
	})
}

func TestRecordOutbound(t *testing.T) {
	day := domain.QuotaDay(time.Now())

	outbound := func(botID string) *domain.Message {
		return &domain.Message{
			ID:        uuid.NewString(),
			BotID:     botID,
			Direction: domain.DirectionOutbound,
			ThreadID:  uuid.NewString(),
			MessageID: fmt.Sprintf("<%s@relay.botmail.dev>", uuid.NewString()),
			CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("成功发送恰好递增一次并写入一行", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)

		msg := outbound(bot.ID)
		used, err := s.RecordOutbound(bot.ID, day, 2, msg, func() error { return nil })

		require.NoError(t, err)
		assert.Equal(t, 1, used)

		stored, err := s.GetMessage(bot.ID, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DirectionOutbound, stored.Direction)

		count, err := s.GetQuotaUsed(bot.ID, day)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("达到上限返回QuotaLimitReached", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)

		for i := 0; i < 2; i++ {
			_, err := s.RecordOutbound(bot.ID, day, 2, outbound(bot.ID), func() error { return nil })
			require.NoError(t, err)
		}

		used, err := s.RecordOutbound(bot.ID, day, 2, outbound(bot.ID), func() error { return nil })
		assert.ErrorIs(t, err, storage.ErrQuotaLimitReached)
		assert.Equal(t, 2, used)
	})

	t.Run("投递硬失败不消耗配额不写入邮件", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)

		delivery := errors.New("provider unreachable")
		msg := outbound(bot.ID)
		_, err := s.RecordOutbound(bot.ID, day, 2, msg, func() error { return delivery })

		assert.ErrorIs(t, err, delivery)

		count, err := s.GetQuotaUsed(bot.ID, day)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		_, err = s.GetMessage(bot.ID, msg.ID)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})

	t.Run("并发发送不突破上限", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)

		const workers = 10
		const limit = 5

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.RecordOutbound(bot.ID, day, limit, outbound(bot.ID), func() error { return nil })
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, storage.ErrQuotaLimitReached)
			}
		}
		assert.Equal(t, limit, succeeded)

		count, err := s.GetQuotaUsed(bot.ID, day)
		require.NoError(t, err)
		assert.Equal(t, limit, count)
	})

	t.Run("配额按UTC日期键区分", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)

		_, err := s.RecordOutbound(bot.ID, "2026-03-14", 2, outbound(bot.ID), func() error { return nil })
		require.NoError(t, err)

		count, err := s.GetQuotaUsed(bot.ID, "2026-03-15")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestFlagLifecycle(t *testing.T) {
	newFlag := func(t *testing.T, s *Store, botID string) *domain.SecurityFlag {
		t.Helper()
		flag := &domain.SecurityFlag{
			ID:              uuid.NewString(),
			BotID:           botID,
			SuggestedStatus: domain.BotStatusFlagged,
			Reason:          "unusual sending pattern",
			ReviewStatus:    domain.FlagPending,
			FlaggedAt:       time.Now().UTC(),
		}
		require.NoError(t, s.CreateFlag(flag))
		return flag
	}

	t.Run("创建标记递增TotalFlags", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		newFlag(t, s, bot.ID)
		newFlag(t, s, bot.ID)

		stored, err := s.GetBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.TotalFlags)
	})

	t.Run("驳回不改变Bot状态", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		flag := newFlag(t, s, bot.ID)

		rejected, err := s.RejectFlag(flag.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.FlagRejected, rejected.ReviewStatus)
		assert.Nil(t, rejected.AppliedStatus)

		stored, err := s.GetBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusNormal, stored.Status)
	})

	t.Run("采纳联动更新Bot状态并盖章", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		flag := newFlag(t, s, bot.ID)

		applied, err := s.ApplyFlag(flag.ID, domain.BotStatusSuspended, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.FlagApplied, applied.ReviewStatus)
		assert.Equal(t, domain.BotStatusSuspended, *applied.AppliedStatus)
		assert.NotNil(t, applied.AppliedAt)

		stored, err := s.GetBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusSuspended, stored.Status)
	})

	t.Run("终态标记不可再次流转", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		flag := newFlag(t, s, bot.ID)

		_, err := s.RejectFlag(flag.ID, time.Now().UTC())
		require.NoError(t, err)

		_, err = s.RejectFlag(flag.ID, time.Now().UTC())
		assert.ErrorIs(t, err, storage.ErrFlagNotPending)

		_, err = s.ApplyFlag(flag.ID, domain.BotStatusFlagged, time.Now().UTC())
		assert.ErrorIs(t, err, storage.ErrFlagNotPending)
	})

	t.Run("并发操作同一标记恰有一个成功", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		flag := newFlag(t, s, bot.ID)

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_, errs[i] = s.RejectFlag(flag.ID, time.Now().UTC())
				} else {
					_, errs[i] = s.ApplyFlag(flag.ID, domain.BotStatusFlagged, time.Now().UTC())
				}
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, storage.ErrFlagNotPending)
			}
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("复位清零计数但保留历史标记", func(t *testing.T) {
		s := NewStore()
		bot := newBot(t, s)
		flag := newFlag(t, s, bot.ID)

		_, err := s.ApplyFlag(flag.ID, domain.BotStatusFlagged, time.Now().UTC())
		require.NoError(t, err)

		reinstated, err := s.ReinstateBot(bot.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BotStatusNormal, reinstated.Status)
		assert.Equal(t, 0, reinstated.TotalFlags)

		// 历史标记保持 applied 状态不变
		stored, err := s.GetFlag(flag.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagApplied, stored.ReviewStatus)
		assert.Equal(t, domain.BotStatusFlagged, *stored.AppliedStatus)

		// normal 状态不可再复位
		_, err = s.ReinstateBot(bot.ID)
		assert.ErrorIs(t, err, storage.ErrBotNotRestricted)
	})
}

func TestListFlags(t *testing.T) {
	s := NewStore()
	botA := newBot(t, s)
	botB := newBot(t, s)

	// botB 置为 suspended 以便按状态过滤
	flagged := &domain.SecurityFlag{
		ID: uuid.NewString(), BotID: botB.ID,
		SuggestedStatus: domain.BotStatusSuspended,
		ReviewStatus:    domain.FlagPending,
		FlaggedAt:       time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateFlag(flagged))
	_, err := s.ApplyFlag(flagged.ID, domain.BotStatusSuspended, time.Now().UTC())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateFlag(&domain.SecurityFlag{
			ID: uuid.NewString(), BotID: botA.ID,
			SuggestedStatus: domain.BotStatusFlagged,
			ReviewStatus:    domain.FlagPending,
			FlaggedAt:       time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}))
	}

	t.Run("按FlaggedAt倒序分页", func(t *testing.T) {
		flags, total, err := s.ListFlags(domain.FlagFilter{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, flags, 2)
		assert.True(t, flags[0].FlaggedAt.After(flags[1].FlaggedAt))
	})

	t.Run("按Bot状态过滤", func(t *testing.T) {
		suspended := domain.BotStatusSuspended
		flags, total, err := s.ListFlags(domain.FlagFilter{BotStatus: &suspended, Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, flags, 1)
		assert.Equal(t, botB.ID, flags[0].BotID)
	})

	t.Run("按日期档位过滤", func(t *testing.T) {
		_, total, err := s.ListFlags(domain.FlagFilter{DateBucket: domain.BucketLast7, Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	})
}

func TestListMessagesByBot(t *testing.T) {
	s := NewStore()
	bot := newBot(t, s)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		direction := domain.DirectionOutbound
		if i%2 == 0 {
			direction = domain.DirectionInbound
		}
		require.NoError(t, s.SaveMessage(&domain.Message{
			ID:        uuid.NewString(),
			BotID:     bot.ID,
			Direction: direction,
			ThreadID:  uuid.NewString(),
			MessageID: fmt.Sprintf("<m-%d@relay.botmail.dev>", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	messages, total, err := s.ListMessagesByBot(bot.ID, nil, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, messages, 3)
	assert.True(t, messages[0].CreatedAt.After(messages[1].CreatedAt))

	inbound := domain.DirectionInbound
	messages, total, err = s.ListMessagesByBot(bot.ID, &inbound, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, m := range messages {
		assert.Equal(t, domain.DirectionInbound, m.Direction)
	}
}
