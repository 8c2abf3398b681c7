package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"botmail/backend/internal/config"
	"botmail/backend/internal/domain"
)

// Cache Redis 缓存层：API Key 到 Bot 的热路径查询与入站限流计数。
//
// 认领、配额、标记流转不经过缓存，始终走主存储。
type Cache struct {
	rdb *goredis.Client
}

// NewCache 创建 Redis 缓存
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{rdb: rdb}, nil
}

// CacheBotByAPIKey 缓存 API Key 对应的 Bot
func (c *Cache) CacheBotByAPIKey(ctx context.Context, apiKey string, bot *domain.Bot, ttl time.Duration) error {
	data, err := json.Marshal(bot)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, "botmail:apikey:"+apiKey, data, ttl).Err()
}

// GetCachedBotByAPIKey 查询缓存的 Bot，未命中返回 nil
func (c *Cache) GetCachedBotByAPIKey(ctx context.Context, apiKey string) (*domain.Bot, error) {
	data, err := c.rdb.Get(ctx, "botmail:apikey:"+apiKey).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var bot domain.Bot
	if err := json.Unmarshal(data, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

// InvalidateBotAPIKey 使指定 API Key 的缓存失效（轮换或状态变更后调用）
func (c *Cache) InvalidateBotAPIKey(ctx context.Context, apiKey string) error {
	return c.rdb.Del(ctx, "botmail:apikey:"+apiKey).Err()
}

// IncrementRateLimit 递增限流计数并在首次递增时设置窗口过期
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := "botmail:ratelimit:" + key

	count, err := c.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Health 检查 Redis 连接
func (c *Cache) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.rdb.Close()
}
