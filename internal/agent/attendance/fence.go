package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"SiteAttend/internal/agent/api"
	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/model"
	"SiteAttend/pkg/logger"
)

// FenceSource 服务端站点配置
type FenceSource interface {
	Site(ctx context.Context) (*model.SiteGeofence, api.Result)
}

// LoadFence 拉取当前用户的站点围栏并写入本地缓存；服务端不可达时退回最近一次缓存，
// 第二个返回值表示结果来自缓存。除“不可达且无缓存”外的失败都以 backoff.Permanent 包装
func LoadFence(ctx context.Context, src FenceSource, cache localstore.SiteStore, userID string) (model.SiteGeofence, bool, error) {
	log := logger.Component("attendance").With(zap.String("user_id", userID))

	fence, res := src.Site(ctx)
	switch res.Outcome {
	case api.OutcomeOK:
		site := model.NewLocalSite(userID, *fence, time.Now())
		if err := cache.SaveSite(ctx, &site); err != nil {
			// 缓存失败不影响本次使用
			log.Warn("Failed to cache site geofence", zap.Error(err))
		}
		return *fence, false, nil

	case api.OutcomeNetworkFailure:
		cached, err := cache.LoadSite(ctx, userID)
		if err != nil {
			return model.SiteGeofence{}, false, backoff.Permanent(fmt.Errorf("failed to read cached site: %w", err))
		}
		if cached == nil {
			return model.SiteGeofence{}, false, res.Error()
		}
		log.Warn("Server unreachable, using cached site geofence",
			zap.Int64("site_id", cached.SiteID),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.NamedError("network_error", res.Err),
		)
		return cached.Geofence(), true, nil

	default:
		return model.SiteGeofence{}, false, backoff.Permanent(res.Error())
	}
}
