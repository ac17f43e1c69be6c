package cache

import (
	"context"
	"strconv"
	"time"

	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/storage/redis"
)

const (
	statusPrefix           = "attendance:status"
	sitePrefix             = "site:geofence"
	messageProcessedPrefix = "message:processed"
)

// StatusCache 当天考勤状态缓存，任何写操作后失效
type StatusCache struct {
	pc *ProtectedCache
}

func NewStatusCache(ttl time.Duration) *StatusCache {
	return &StatusCache{pc: NewProtectedCache(statusPrefix, ttl, RedisBreaker)}
}

func statusKey(userID int64, day string) string {
	return strconv.FormatInt(userID, 10) + ":" + day
}

func (c *StatusCache) Get(ctx context.Context, userID int64, day string) (*dto.AttendanceStatusData, bool, error) {
	var data dto.AttendanceStatusData
	found, empty, err := c.pc.Get(ctx, statusKey(userID, day), &data)
	if err != nil || !found || empty {
		return nil, false, err
	}
	return &data, true, nil
}

func (c *StatusCache) Set(ctx context.Context, userID int64, day string, data *dto.AttendanceStatusData) error {
	return c.pc.Set(ctx, statusKey(userID, day), data)
}

func (c *StatusCache) Invalidate(ctx context.Context, userID int64, day string) error {
	return c.pc.Delete(ctx, statusKey(userID, day))
}

// SiteCache 用户站点策略缓存；用户无站点分配时缓存空值
type SiteCache struct {
	pc *ProtectedCache
}

func NewSiteCache(ttl time.Duration) *SiteCache {
	return &SiteCache{pc: NewProtectedCache(sitePrefix, ttl, RedisBreaker)}
}

// Get found 为 true 且返回 nil 表示已缓存“无分配”
func (c *SiteCache) Get(ctx context.Context, userID int64) (*model.SiteGeofence, bool, error) {
	var g model.SiteGeofence
	found, empty, err := c.pc.Get(ctx, strconv.FormatInt(userID, 10), &g)
	if err != nil || !found {
		return nil, false, err
	}
	if empty {
		return nil, true, nil
	}
	return &g, true, nil
}

// Set g 为 nil 时写入空值
func (c *SiteCache) Set(ctx context.Context, userID int64, g *model.SiteGeofence) error {
	if g == nil {
		return c.pc.Set(ctx, strconv.FormatInt(userID, 10), nil)
	}
	return c.pc.Set(ctx, strconv.FormatInt(userID, 10), g)
}

// MarkMessageProcessed 首次标记返回 true；重复投递返回 false
func MarkMessageProcessed(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	return redis.Client().SetNX(ctx, redis.Key(messageProcessedPrefix, messageID), 1, ttl).Result()
}

// UnmarkMessageProcessed 处理失败时撤销标记，允许重投后再次处理
func UnmarkMessageProcessed(ctx context.Context, messageID string) error {
	return redis.Client().Del(ctx, redis.Key(messageProcessedPrefix, messageID)).Err()
}
