package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"SiteAttend/storage/redis"
)

const lockPrefix = "lock"

// 只删除自己持有的锁
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 一次成功的 TryLock 返回的锁句柄
type Lock struct {
	key   string
	token string
}

// TryLock 基于 SetNX 的分布式锁，未拿到锁时返回 nil
func TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	fullKey := redis.Key(lockPrefix, key)
	token := uuid.NewString()

	ok, err := redis.Client().SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return &Lock{key: fullKey, token: token}, nil
}

// Unlock 释放锁，锁已过期或被他人持有时不做任何事
func (l *Lock) Unlock(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return unlockScript.Run(ctx, redis.Client(), []string{l.key}, l.token).Err()
}
