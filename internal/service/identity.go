package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"botmail/backend/internal/domain"
	"botmail/backend/internal/storage"
)

var (
	// ErrClaimTokenNotFound 认领令牌不存在
	ErrClaimTokenNotFound = errors.New("claim token not found")
	// ErrClaimTokenUsed 认领令牌已被兑换
	ErrClaimTokenUsed = errors.New("claim token already claimed")
	// ErrHandleTaken 地址已被占用
	ErrHandleTaken = errors.New("handle address already taken")
	// ErrUserOwnsHandle 用户已持有一个 Handle
	ErrUserOwnsHandle = errors.New("user already owns a handle")
)

// claimWords 认领令牌的词根表，搭配短十六进制后缀生成便于口述的令牌
var claimWords = []string{
	"reef", "dune", "fern", "cove", "mesa", "pine", "wren", "kelp",
	"moss", "tide", "vale", "brook", "cliff", "ridge", "shoal", "grove",
}

// BotCacheInvalidator 在密钥轮换或状态变更后删除缓存的认证条目，
// 由 Redis 缓存层实现。
type BotCacheInvalidator interface {
	InvalidateBotAPIKey(ctx context.Context, apiKey string) error
}

// IdentityService 封装 Bot 注册、认领与 Handle 预留。
type IdentityService struct {
	store domain.Store
	cache BotCacheInvalidator // 可选，未启用缓存时为 nil
	log   *zap.Logger
}

// NewIdentityService 创建身份绑定服务。
func NewIdentityService(store domain.Store, cache BotCacheInvalidator, log *zap.Logger) *IdentityService {
	return &IdentityService{store: store, cache: cache, log: log}
}

// RegisterBotResult Bot 注册结果，apiKey 与 claimToken 仅此一次下发
type RegisterBotResult struct {
	BotID      string `json:"botId"`
	APIKey     string `json:"apiKey"`
	ClaimToken string `json:"claimToken"`
}

// RegisterBot 注册新 Bot，生成 API 密钥与一次性认领令牌。
func (s *IdentityService) RegisterBot(name string) (*RegisterBotResult, error) {
	name = strings.TrimSpace(name)
	if err := domain.ValidateBotName(name); err != nil {
		return nil, err
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	// 令牌理论上可能撞库，带重试
	var claimToken string
	for attempt := 0; attempt < 5; attempt++ {
		claimToken, err = generateClaimToken()
		if err != nil {
			return nil, err
		}
		if _, err := s.store.GetBotByClaimToken(claimToken); errors.Is(err, storage.ErrBotNotFound) {
			break
		}
		claimToken = ""
	}
	if claimToken == "" {
		return nil, errors.New("failed to generate unique claim token")
	}

	bot := &domain.Bot{
		ID:         uuid.NewString(),
		Name:       name,
		APIKey:     apiKey,
		ClaimToken: &claimToken,
		Status:     domain.BotStatusNormal,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.SaveBot(bot); err != nil {
		return nil, err
	}

	s.log.Info("Bot 注册成功",
		zap.String("botId", bot.ID),
		zap.String("name", bot.Name))

	return &RegisterBotResult{
		BotID:      bot.ID,
		APIKey:     apiKey,
		ClaimToken: claimToken,
	}, nil
}

// ReserveHandleResult Handle 预留结果
type ReserveHandleResult struct {
	HandleID string `json:"id"`
	Address  string `json:"address"`
}

// ReserveHandle 为用户预留发信地址本地部分。
// 输入会被规范化（小写、剔除非法字符、截断到 30 字符）。
func (s *IdentityService) ReserveHandle(userID, rawAddress, senderName string) (*ReserveHandleResult, error) {
	address, err := domain.NormalizeHandle(rawAddress)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetHandleByUserID(userID); err == nil {
		return nil, ErrUserOwnsHandle
	} else if !errors.Is(err, storage.ErrHandleNotFound) {
		return nil, err
	}

	handle := &domain.Handle{
		ID:         uuid.NewString(),
		Address:    address,
		UserID:     userID,
		SenderName: strings.TrimSpace(senderName),
		ReservedAt: time.Now().UTC(),
	}

	if err := s.store.SaveHandle(handle); err != nil {
		if errors.Is(err, storage.ErrHandleExists) {
			return nil, ErrHandleTaken
		}
		if errors.Is(err, storage.ErrUserHasHandle) {
			return nil, ErrUserOwnsHandle
		}
		return nil, err
	}

	s.log.Info("Handle 预留成功",
		zap.String("handleId", handle.ID),
		zap.String("address", address),
		zap.String("userId", userID))

	return &ReserveHandleResult{HandleID: handle.ID, Address: address}, nil
}

// ClaimBotResult 认领结果
type ClaimBotResult struct {
	BotID string `json:"botId"`
	Name  string `json:"name"`
}

// ClaimBot 兑换认领令牌，将 Bot 绑定到用户。
// 若用户已持有未绑定 Bot 的 Handle，会在同一事务内自动建立绑定。
func (s *IdentityService) ClaimBot(userID, claimToken string) (*ClaimBotResult, error) {
	claimToken = strings.TrimSpace(claimToken)
	if claimToken == "" {
		return nil, ErrClaimTokenNotFound
	}

	result, err := s.store.ClaimBot(claimToken, userID, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBotNotFound):
			return nil, ErrClaimTokenNotFound
		case errors.Is(err, storage.ErrTokenClaimed):
			return nil, ErrClaimTokenUsed
		}
		return nil, err
	}

	fields := []zap.Field{
		zap.String("botId", result.Bot.ID),
		zap.String("userId", userID),
	}
	if result.Handle != nil {
		fields = append(fields, zap.String("linkedHandle", result.Handle.Address))
	}
	s.log.Info("Bot 认领成功", fields...)

	return &ClaimBotResult{BotID: result.Bot.ID, Name: result.Bot.Name}, nil
}

// RotateAPIKey 为指定 Bot 生成并持久化新的 API 密钥，旧密钥立即失效。
func (s *IdentityService) RotateAPIKey(botID string) (string, error) {
	bot, err := s.store.GetBot(botID)
	if err != nil {
		return "", err
	}

	newKey, err := generateAPIKey()
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateBotAPIKey(botID, newKey); err != nil {
		return "", err
	}
	invalidateCachedKey(s.cache, bot.APIKey, s.log)

	s.log.Info("API 密钥已轮换", zap.String("botId", botID))
	return newKey, nil
}

// invalidateCachedKey 删除旧密钥的缓存认证条目，使轮换与封禁即时生效。
// 不绑定请求上下文，客户端提前断开也应完成失效。
func invalidateCachedKey(cache BotCacheInvalidator, apiKey string, log *zap.Logger) {
	if cache == nil || apiKey == "" {
		return
	}
	if err := cache.InvalidateBotAPIKey(context.Background(), apiKey); err != nil {
		log.Warn("密钥缓存失效失败", zap.Error(err))
	}
}

// GetBotByAPIKey 按 API 密钥解析 Bot，供认证中间件使用。
func (s *IdentityService) GetBotByAPIKey(apiKey string) (*domain.Bot, error) {
	return s.store.GetBotByAPIKey(apiKey)
}

// generateAPIKey 生成 256 位随机 API 密钥。
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return "bm_" + hex.EncodeToString(buf), nil
}

// generateClaimToken 生成便于口述的认领令牌，如 reef-X4B2。
func generateClaimToken() (string, error) {
	word := make([]byte, 1)
	if _, err := rand.Read(word); err != nil {
		return "", fmt.Errorf("failed to generate claim token: %w", err)
	}
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate claim token: %w", err)
	}
	return fmt.Sprintf("%s-%s",
		claimWords[int(word[0])%len(claimWords)],
		strings.ToUpper(hex.EncodeToString(suffix))), nil
}
