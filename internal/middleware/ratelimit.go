package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/response"
	"SiteAttend/storage/redis"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	KeyPrefix   string
	Window      int // 时间窗口（秒）
	MaxRequests int // 窗口内最大请求数
	ByUserID    bool
	ByIP        bool
}

// AttendanceRateLimitConfig 打卡写接口：每用户每分钟 20 次
var AttendanceRateLimitConfig = RateLimitConfig{
	KeyPrefix:   "rate:attendance",
	Window:      60,
	MaxRequests: 20,
	ByUserID:    true,
	ByIP:        true,
}

// GeneralRateLimitConfig 全局按 IP 限流，阈值来自 RATE_LIMIT_RPS
func GeneralRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		KeyPrefix:   "rate:general",
		Window:      1,
		MaxRequests: config.Cfg.RateLimitRPS,
		ByIP:        true,
	}
}

// RateLimiter 基于 redis zset 的滑动窗口限流器
type RateLimiter struct {
	config RateLimitConfig
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{config: config}
}

func (rl *RateLimiter) getKey(ctx context.Context, c *app.RequestContext) string {
	var identifier string

	if rl.config.ByUserID {
		if userID, exists := GetUserID(ctx, c); exists {
			identifier = "user:" + userID
		}
	}

	if identifier == "" && rl.config.ByIP {
		identifier = "ip:" + c.ClientIP()
	}

	return redis.Key(rl.config.KeyPrefix, identifier)
}

// Allow 返回是否放行以及当前窗口内的请求数
func (rl *RateLimiter) Allow(ctx context.Context, c *app.RequestContext) (bool, int, error) {
	key := rl.getKey(ctx, c)
	now := time.Now()
	windowStart := now.Add(-time.Duration(rl.config.Window) * time.Second)

	pipe := redis.Client().Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redislib.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	zcardCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(rl.config.Window+10)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	count := int(zcardCmd.Val())
	return count <= rl.config.MaxRequests, count, nil
}

// RateLimitMiddleware redis 不可用时放行，限流不能成为打卡的单点故障
func RateLimitMiddleware(cfg RateLimitConfig) app.HandlerFunc {
	limiter := NewRateLimiter(cfg)

	return func(ctx context.Context, c *app.RequestContext) {
		if !config.Cfg.RateLimitEnabled || cfg.MaxRequests <= 0 {
			c.Next(ctx)
			return
		}

		allowed, count, err := limiter.Allow(ctx, c)
		if err != nil {
			logger.Logger.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			c.Next(ctx)
			return
		}

		remaining := cfg.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		c.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(cfg.Window)*time.Second).Unix(), 10))

		if !allowed {
			response.Error(ctx, c, errors.RateLimited)
			c.Abort()
			return
		}

		c.Next(ctx)
	}
}

func AttendanceRateLimitMiddleware() app.HandlerFunc {
	return RateLimitMiddleware(AttendanceRateLimitConfig)
}

func GeneralRateLimitMiddleware() app.HandlerFunc {
	return RateLimitMiddleware(GeneralRateLimitConfig())
}
