package cache

import (
	"sync"
	"time"
)

// LocalCache 进程内 TTL 缓存。
// 用于限流器、短期查询结果等不需要跨实例共享的条目，
// 过期条目由后台循环定期回收。
type LocalCache struct {
	data sync.Map
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存，ttl 为默认过期时间
func NewLocalCache(ttl time.Duration) *LocalCache {
	c := &LocalCache{
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	go c.cleanupLoop()

	return c
}

// Get 获取缓存值，过期条目视为不存在
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, false
	}

	return entry.value, true
}

// GetOrSet 返回已有值，不存在或已过期时写入 create 的结果。
// 并发调用同一 key 时以先写入者为准。
func (c *LocalCache) GetOrSet(key string, create func() interface{}) interface{} {
	if value, ok := c.Get(key); ok {
		return value
	}

	entry := &cacheEntry{
		value:     create(),
		expiresAt: time.Now().Add(c.ttl),
	}
	actual, loaded := c.data.LoadOrStore(key, entry)
	if loaded {
		existing := actual.(*cacheEntry)
		if time.Now().Before(existing.expiresAt) {
			return existing.value
		}
		c.data.Store(key, entry)
	}
	return entry.value
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.data.Store(key, &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.data.Delete(key)
}

// Close 停止后台清理循环
func (c *LocalCache) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

// cleanupLoop 定期回收过期条目
func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.data.Range(func(key, value interface{}) bool {
				entry := value.(*cacheEntry)
				if now.After(entry.expiresAt) {
					c.data.Delete(key)
				}
				return true
			})
		}
	}
}
