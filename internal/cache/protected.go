package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	ri "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SiteAttend/pkg/logger"
	"SiteAttend/storage/redis"
)

const (
	// 空值缓存标识
	emptyValueFlag = "__EMPTY__"
	// 空值缓存 TTL
	emptyValueTTL = 5 * time.Minute
	// 防雪崩随机延迟上限
	breakerRandomDelayMax = 50 * time.Millisecond
)

// ProtectedCache 带空值保护与防雪崩延迟的缓存包装器，所有读写经过熔断器
type ProtectedCache struct {
	keyPrefix string
	ttl       time.Duration
	emptyTTL  time.Duration
	breaker   *CircuitBreaker
}

// NewProtectedCache 创建受保护的缓存实例
func NewProtectedCache(keyPrefix string, ttl time.Duration, breaker *CircuitBreaker) *ProtectedCache {
	return &ProtectedCache{
		keyPrefix: keyPrefix,
		ttl:       ttl,
		emptyTTL:  emptyValueTTL,
		breaker:   breaker,
	}
}

// Set 设置缓存，value 为 nil 时写入空值标识
func (pc *ProtectedCache) Set(ctx context.Context, key string, value interface{}) error {
	cacheKey := redis.Key(pc.keyPrefix, key)

	data := emptyValueFlag
	ttl := pc.emptyTTL
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal cache value: %w", err)
		}
		data = string(raw)
		ttl = pc.ttl
	}

	return pc.breaker.Call(ctx, func() error {
		return redis.Client().Set(ctx, cacheKey, data, ttl).Err()
	})
}

// Get 读取缓存。found 表示命中（含空值命中），empty 表示命中的是空值标识
func (pc *ProtectedCache) Get(ctx context.Context, key string, dest interface{}) (found, empty bool, err error) {
	cacheKey := redis.Key(pc.keyPrefix, key)

	if err := pc.addBreakerDelay(ctx); err != nil {
		return false, false, err
	}

	var data string
	err = pc.breaker.Call(ctx, func() error {
		var getErr error
		data, getErr = redis.Client().Get(ctx, cacheKey).Result()
		if errors.Is(getErr, ri.Nil) {
			return nil
		}
		return getErr
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to get cache: %w", err)
	}

	switch data {
	case "":
		return false, false, nil
	case emptyValueFlag:
		return true, true, nil
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		logger.Logger.Warn("Dropping undecodable cache entry",
			zap.String("key", cacheKey),
			zap.Error(err),
		)
		_ = pc.Delete(ctx, key)
		return false, false, nil
	}

	return true, false, nil
}

// Delete 删除缓存
func (pc *ProtectedCache) Delete(ctx context.Context, key string) error {
	cacheKey := redis.Key(pc.keyPrefix, key)
	return pc.breaker.Call(ctx, func() error {
		return redis.Client().Del(ctx, cacheKey).Err()
	})
}

func (pc *ProtectedCache) addBreakerDelay(ctx context.Context) error {
	delay := time.Duration(rand.Int63n(int64(breakerRandomDelayMax)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
