package service

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
	"botmail/backend/internal/storage/memory"
)

func newIdentityService() (*IdentityService, *memory.Store) {
	store := memory.NewStore()
	return NewIdentityService(store, nil, zap.NewNop()), store
}

// recordingInvalidator 记录被失效的密钥，供轮换与封禁用例断言。
type recordingInvalidator struct {
	keys []string
}

func (r *recordingInvalidator) InvalidateBotAPIKey(_ context.Context, apiKey string) error {
	r.keys = append(r.keys, apiKey)
	return nil
}

func TestRegisterBot(t *testing.T) {
	t.Run("注册成功返回密钥与认领令牌", func(t *testing.T) {
		svc, store := newIdentityService()

		result, err := svc.RegisterBot("Outreach Scout")
		require.NoError(t, err)
		assert.NotEmpty(t, result.BotID)
		assert.True(t, strings.HasPrefix(result.APIKey, "bm_"))
		assert.Regexp(t, regexp.MustCompile(`^[a-z]+-[0-9A-F]{4}$`), result.ClaimToken)

		bot, err := store.GetBot(result.BotID)
		require.NoError(t, err)
		assert.Equal(t, "Outreach Scout", bot.Name)
		assert.Equal(t, domain.BotStatusNormal, bot.Status)
		assert.False(t, bot.Claimed())
	})

	t.Run("名称为空注册失败", func(t *testing.T) {
		svc, _ := newIdentityService()

		_, err := svc.RegisterBot("   ")
		assert.ErrorIs(t, err, domain.ErrNameRequired)
	})

	t.Run("密钥可用于认证", func(t *testing.T) {
		svc, _ := newIdentityService()

		result, err := svc.RegisterBot("Scout")
		require.NoError(t, err)

		bot, err := svc.GetBotByAPIKey(result.APIKey)
		require.NoError(t, err)
		assert.Equal(t, result.BotID, bot.ID)
	})
}

func TestReserveHandle(t *testing.T) {
	t.Run("预留成功并规范化地址", func(t *testing.T) {
		svc, _ := newIdentityService()

		result, err := svc.ReserveHandle("user-1", "Sales.Team!", "Sales Team")
		require.NoError(t, err)
		assert.Equal(t, "salesteam", result.Address)
	})

	t.Run("地址过短预留失败", func(t *testing.T) {
		svc, _ := newIdentityService()

		_, err := svc.ReserveHandle("user-1", "a!", "")
		assert.ErrorIs(t, err, domain.ErrHandleTooShort)
	})

	t.Run("同一用户重复预留冲突", func(t *testing.T) {
		svc, _ := newIdentityService()

		_, err := svc.ReserveHandle("user-1", "first_handle", "")
		require.NoError(t, err)

		_, err = svc.ReserveHandle("user-1", "second_handle", "")
		assert.ErrorIs(t, err, ErrUserOwnsHandle)
	})

	t.Run("地址被占用预留失败", func(t *testing.T) {
		svc, _ := newIdentityService()

		_, err := svc.ReserveHandle("user-1", "shared", "")
		require.NoError(t, err)

		_, err = svc.ReserveHandle("user-2", "shared", "")
		assert.ErrorIs(t, err, ErrHandleTaken)
	})
}

func TestClaimBot(t *testing.T) {
	t.Run("认领成功并自动绑定Handle", func(t *testing.T) {
		svc, store := newIdentityService()

		registered, err := svc.RegisterBot("Scout")
		require.NoError(t, err)
		reserved, err := svc.ReserveHandle("user-1", "scout", "Scout")
		require.NoError(t, err)

		claimed, err := svc.ClaimBot("user-1", registered.ClaimToken)
		require.NoError(t, err)
		assert.Equal(t, registered.BotID, claimed.BotID)
		assert.Equal(t, "Scout", claimed.Name)

		bot, err := store.GetBot(registered.BotID)
		require.NoError(t, err)
		assert.True(t, bot.Claimed())
		assert.Nil(t, bot.ClaimToken)
		assert.NotNil(t, bot.ClaimedAt)

		handle, err := store.GetHandle(reserved.HandleID)
		require.NoError(t, err)
		require.NotNil(t, handle.BotID)
		assert.Equal(t, registered.BotID, *handle.BotID)
	})

	t.Run("无Handle也可认领", func(t *testing.T) {
		svc, store := newIdentityService()

		registered, err := svc.RegisterBot("Scout")
		require.NoError(t, err)

		_, err = svc.ClaimBot("user-1", registered.ClaimToken)
		require.NoError(t, err)

		_, err = store.GetHandleByBotID(registered.BotID)
		assert.ErrorIs(t, err, storage.ErrHandleNotFound)
	})

	t.Run("未知令牌返回未找到", func(t *testing.T) {
		svc, _ := newIdentityService()

		_, err := svc.ClaimBot("user-1", "reef-FFFF")
		assert.ErrorIs(t, err, ErrClaimTokenNotFound)
	})

	t.Run("重复兑换返回冲突", func(t *testing.T) {
		svc, _ := newIdentityService()

		registered, err := svc.RegisterBot("Scout")
		require.NoError(t, err)

		_, err = svc.ClaimBot("user-1", registered.ClaimToken)
		require.NoError(t, err)

		_, err = svc.ClaimBot("user-2", registered.ClaimToken)
		assert.ErrorIs(t, err, ErrClaimTokenUsed)
	})
}

func TestRotateAPIKey(t *testing.T) {
	svc, _ := newIdentityService()

	registered, err := svc.RegisterBot("Scout")
	require.NoError(t, err)

	newKey, err := svc.RotateAPIKey(registered.BotID)
	require.NoError(t, err)
	assert.NotEqual(t, registered.APIKey, newKey)

	_, err = svc.GetBotByAPIKey(registered.APIKey)
	assert.ErrorIs(t, err, storage.ErrBotNotFound)

	bot, err := svc.GetBotByAPIKey(newKey)
	require.NoError(t, err)
	assert.Equal(t, registered.BotID, bot.ID)
}

func TestRotateAPIKeyInvalidatesCache(t *testing.T) {
	store := memory.NewStore()
	invalidator := &recordingInvalidator{}
	svc := NewIdentityService(store, invalidator, zap.NewNop())

	registered, err := svc.RegisterBot("Scout")
	require.NoError(t, err)

	_, err = svc.RotateAPIKey(registered.BotID)
	require.NoError(t, err)

	// 旧密钥的缓存条目必须被删除，轮换才能即时生效
	assert.Equal(t, []string{registered.APIKey}, invalidator.keys)
}
