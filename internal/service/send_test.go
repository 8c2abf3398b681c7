package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
	"botmail/backend/internal/mailer"
	"botmail/backend/internal/storage/memory"
)

// fakeTransport 可编程的投递桩
type fakeTransport struct {
	mu        sync.Mutex
	err       error
	delivered []mailer.Envelope
}

func (f *fakeTransport) Send(_ context.Context, env mailer.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.delivered = append(f.delivered, env)
	return env.MessageID, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func sendTestConfig() *config.Config {
	return &config.Config{
		Mail: config.MailConfig{
			Domain:          "relay.botmail.dev",
			VerifiedLimit:   5,
			UnverifiedLimit: 2,
		},
	}
}

func newSendFixture(t *testing.T, verified bool) (*SendService, *memory.Store, *fakeTransport, *domain.Bot) {
	t.Helper()
	store := memory.NewStore()
	transport := &fakeTransport{}
	svc := NewSendService(store, transport, sendTestConfig(), zap.NewNop())

	bot := &domain.Bot{
		ID:        uuid.NewString(),
		Name:      "Scout",
		APIKey:    "bm_test",
		Verified:  verified,
		Status:    domain.BotStatusNormal,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveBot(bot))

	botID := bot.ID
	require.NoError(t, store.SaveHandle(&domain.Handle{
		ID:         uuid.NewString(),
		Address:    "scout",
		UserID:     "user-1",
		BotID:      &botID,
		ReservedAt: time.Now().UTC(),
	}))

	return svc, store, transport, bot
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("发送成功计入配额并落库", func(t *testing.T) {
		svc, store, transport, bot := newSendFixture(t, true)

		result, err := svc.Send(ctx, bot, SendInput{
			To:      "buyer@example.com",
			Subject: "Intro",
			Body:    "Hello there",
		})
		require.NoError(t, err)
		assert.Regexp(t, `^<[0-9a-f-]{36}@relay\.botmail\.dev>$`, result.MessageID)
		assert.NotEmpty(t, result.ThreadID)
		assert.Equal(t, 1, result.Quota.Used)
		assert.Equal(t, 5, result.Quota.Limit)
		assert.Equal(t, 4, result.Quota.Remaining)

		used, err := store.GetQuotaUsed(bot.ID, domain.QuotaDay(time.Now()))
		require.NoError(t, err)
		assert.Equal(t, 1, used)

		stored, err := store.GetMessageByMessageID(result.MessageID)
		require.NoError(t, err)
		assert.Equal(t, domain.DirectionOutbound, stored.Direction)
		assert.Equal(t, "scout@relay.botmail.dev", stored.FromAddress)
		assert.Equal(t, 1, transport.count())
	})

	t.Run("封禁Bot发送被拒绝", func(t *testing.T) {
		svc, store, transport, bot := newSendFixture(t, true)
		bot.Status = domain.BotStatusSuspended
		require.NoError(t, store.SaveBot(bot))

		_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		assert.ErrorIs(t, err, ErrBotSuspended)
		assert.Equal(t, 0, transport.count())

		used, _ := store.GetQuotaUsed(bot.ID, domain.QuotaDay(time.Now()))
		assert.Equal(t, 0, used)
	})

	t.Run("未绑定Handle发送被拒绝", func(t *testing.T) {
		store := memory.NewStore()
		transport := &fakeTransport{}
		svc := NewSendService(store, transport, sendTestConfig(), zap.NewNop())

		bot := &domain.Bot{ID: uuid.NewString(), Name: "Loner", APIKey: "bm_x", Status: domain.BotStatusNormal}
		require.NoError(t, store.SaveBot(bot))

		_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		assert.ErrorIs(t, err, ErrBotNotLinked)
	})

	t.Run("未验证Bot第三次发送超限", func(t *testing.T) {
		svc, _, _, bot := newSendFixture(t, false)

		for i := 0; i < 2; i++ {
			_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
			require.NoError(t, err)
		}

		_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		var quotaErr *QuotaExceededError
		require.ErrorAs(t, err, &quotaErr)
		assert.Equal(t, 2, quotaErr.Limit)
		assert.Equal(t, 2, quotaErr.Used)
		assert.False(t, quotaErr.ResetsAt.IsZero())
	})

	t.Run("投递硬失败不产生副作用", func(t *testing.T) {
		svc, store, transport, bot := newSendFixture(t, true)
		transport.err = errors.New("provider error: HTTP 502")

		_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		require.Error(t, err)

		used, _ := store.GetQuotaUsed(bot.ID, domain.QuotaDay(time.Now()))
		assert.Equal(t, 0, used)

		_, _, total := listAll(t, store, bot.ID)
		assert.Equal(t, 0, total)
	})

	t.Run("未验证发信身份软失败照常记录", func(t *testing.T) {
		svc, store, _, bot := newSendFixture(t, true)
		transport := &fakeTransport{err: mailer.ErrUnverifiedSender}
		svc.transport = transport

		result, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Quota.Used)

		_, err = store.GetMessageByMessageID(result.MessageID)
		assert.NoError(t, err)
	})

	t.Run("并发发送不越过配额上限", func(t *testing.T) {
		svc, store, _, bot := newSendFixture(t, true)

		const attempts = 10
		var wg sync.WaitGroup
		results := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded, exceeded := 0, 0
		for err := range results {
			var quotaErr *QuotaExceededError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &quotaErr):
				exceeded++
				assert.Equal(t, 5, quotaErr.Used)
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 5, succeeded)
		assert.Equal(t, 5, exceeded)

		used, _ := store.GetQuotaUsed(bot.ID, domain.QuotaDay(time.Now()))
		assert.Equal(t, 5, used)
	})
}

func TestSendThreading(t *testing.T) {
	ctx := context.Background()

	t.Run("回复继承被引用邮件的会话", func(t *testing.T) {
		svc, _, _, bot := newSendFixture(t, true)

		first, err := svc.Send(ctx, bot, SendInput{To: "buyer@example.com", Body: "hi"})
		require.NoError(t, err)

		reply, err := svc.Send(ctx, bot, SendInput{
			To:        "buyer@example.com",
			Body:      "following up",
			InReplyTo: &first.MessageID,
		})
		require.NoError(t, err)
		assert.Equal(t, first.ThreadID, reply.ThreadID)
	})

	t.Run("未知引用开启新会话不报错", func(t *testing.T) {
		svc, _, _, bot := newSendFixture(t, true)

		unknown := "<nobody@elsewhere.example>"
		result, err := svc.Send(ctx, bot, SendInput{
			To:        "buyer@example.com",
			Body:      "hi",
			InReplyTo: &unknown,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.ThreadID)
	})
}

func TestInbox(t *testing.T) {
	svc, store, _, bot := newSendFixture(t, true)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveMessage(&domain.Message{
			ID:        uuid.NewString(),
			BotID:     bot.ID,
			Direction: domain.DirectionInbound,
			ThreadID:  uuid.NewString(),
			MessageID: "<in-" + uuid.NewString() + "@elsewhere.example>",
			CreatedAt: time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}))
	}
	_, err := svc.Send(context.Background(), bot, SendInput{To: "buyer@example.com", Body: "hi"})
	require.NoError(t, err)

	t.Run("默认列出全部方向", func(t *testing.T) {
		page, err := svc.Inbox(bot.ID, nil, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
	})

	t.Run("按方向过滤", func(t *testing.T) {
		inbound := domain.DirectionInbound
		page, err := svc.Inbox(bot.ID, &inbound, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
	})

	t.Run("分页参数越界被钳制", func(t *testing.T) {
		page, err := svc.Inbox(bot.ID, nil, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, 20, page.PageSize)
	})
}

func listAll(t *testing.T, store *memory.Store, botID string) ([]domain.Message, int, int) {
	t.Helper()
	messages, total, err := store.ListMessagesByBot(botID, nil, 1, 100)
	require.NoError(t, err)
	return messages, len(messages), total
}
