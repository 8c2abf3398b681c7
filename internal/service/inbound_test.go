package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage/memory"
)

// fakeNotifier 记录推送调用
type fakeNotifier struct {
	botIDs   []string
	messages []*domain.Message
}

func (f *fakeNotifier) NotifyInbound(botID string, message *domain.Message) {
	f.botIDs = append(f.botIDs, botID)
	f.messages = append(f.messages, message)
}

func newInboundFixture(t *testing.T) (*InboundService, *memory.Store, *fakeNotifier, string) {
	t.Helper()
	store := memory.NewStore()
	notifier := &fakeNotifier{}
	svc := NewInboundService(store, sendTestConfig(), notifier, zap.NewNop())

	bot := &domain.Bot{
		ID:        uuid.NewString(),
		Name:      "Scout",
		APIKey:    "bm_inbound",
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

	return svc, store, notifier, bot.ID
}

func TestHandleInbound(t *testing.T) {
	t.Run("入站邮件匹配绑定Handle后入库", func(t *testing.T) {
		svc, store, notifier, botID := newInboundFixture(t)

		ok := svc.HandleInbound(InboundPayload{
			To:      "Scout <scout@relay.botmail.dev>",
			From:    "buyer@example.com",
			Subject: "Re: Intro",
			Text:    "Sounds good",
			HTML:    "<p>Sounds good</p>",
		})
		assert.True(t, ok)

		messages, total, err := store.ListMessagesByBot(botID, nil, 1, 10)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, domain.DirectionInbound, messages[0].Direction)
		assert.Equal(t, "buyer@example.com", messages[0].FromAddress)
		assert.NotEmpty(t, messages[0].ThreadID)

		require.Len(t, notifier.botIDs, 1)
		assert.Equal(t, botID, notifier.botIDs[0])
	})

	t.Run("优先使用envelope收件人", func(t *testing.T) {
		svc, store, _, botID := newInboundFixture(t)

		payload := InboundPayload{
			To:   "undisclosed-recipients:;",
			From: "buyer@example.com",
		}
		payload.Envelope.To = []string{"scout@relay.botmail.dev"}

		assert.True(t, svc.HandleInbound(payload))

		_, total, err := store.ListMessagesByBot(botID, nil, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("无对应Handle的地址被丢弃", func(t *testing.T) {
		svc, store, notifier, botID := newInboundFixture(t)

		ok := svc.HandleInbound(InboundPayload{
			To:   "ghost@relay.botmail.dev",
			From: "buyer@example.com",
		})
		assert.False(t, ok)

		_, total, err := store.ListMessagesByBot(botID, nil, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, total)
		assert.Empty(t, notifier.botIDs)
	})

	t.Run("未绑定Bot的Handle被丢弃", func(t *testing.T) {
		svc, store, _, _ := newInboundFixture(t)

		require.NoError(t, store.SaveHandle(&domain.Handle{
			ID:         uuid.NewString(),
			Address:    "orphan",
			UserID:     "user-2",
			ReservedAt: time.Now().UTC(),
		}))

		ok := svc.HandleInbound(InboundPayload{
			To:   "orphan@relay.botmail.dev",
			From: "buyer@example.com",
		})
		assert.False(t, ok)
	})

	t.Run("收件地址无法解析被丢弃", func(t *testing.T) {
		svc, _, _, _ := newInboundFixture(t)

		assert.False(t, svc.HandleInbound(InboundPayload{
			To:   "not an address",
			From: "buyer@example.com",
		}))
	})

	t.Run("入站邮件始终开启新会话", func(t *testing.T) {
		svc, store, _, botID := newInboundFixture(t)

		for i := 0; i < 2; i++ {
			require.True(t, svc.HandleInbound(InboundPayload{
				To:   "scout@relay.botmail.dev",
				From: "buyer@example.com",
			}))
		}

		messages, _, err := store.ListMessagesByBot(botID, nil, 1, 10)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.NotEqual(t, messages[0].ThreadID, messages[1].ThreadID)
	})
}
