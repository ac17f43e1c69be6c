package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"SiteAttend/config"
	"SiteAttend/internal/model"
	pkgerrors "SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
	"SiteAttend/pkg/logger"
)

// SiteDirectory 站点配置协作方（只读）
type SiteDirectory interface {
	Geofence(ctx context.Context, userID int64) (model.SiteGeofence, error)
}

// SiteCache 站点策略缓存，nil 值表示“无分配”
type SiteCache interface {
	Get(ctx context.Context, userID int64) (*model.SiteGeofence, bool, error)
	Set(ctx context.Context, userID int64, g *model.SiteGeofence) error
}

// DefaultGeofence 未分配站点的用户使用的默认策略
func DefaultGeofence() model.SiteGeofence {
	cfg := config.Cfg
	g := model.SiteGeofence{
		RadiusMeters:         cfg.SiteDefaultRadiusMeters,
		WorkStart:            cfg.SiteDefaultWorkStart,
		WorkEnd:              cfg.SiteDefaultWorkEnd,
		LateThresholdMinutes: cfg.SiteDefaultLateMinutes,
		MinimumWorkingHours:  cfg.SiteDefaultMinWorkingHour,
	}
	if g.RadiusMeters <= 0 {
		g.RadiusMeters = geo.DefaultRadiusMeters
	}
	if lat, lng, ok := cfg.DefaultSiteCoordinates(); ok {
		g.Center = &geo.Point{Latitude: lat, Longitude: lng}
	}
	return g
}

// GormSiteDirectory 读取 site_assignments / sites，带缓存与并发合并
type GormSiteDirectory struct {
	db       *gorm.DB
	cache    SiteCache
	group    singleflight.Group
	fallback model.SiteGeofence
}

func NewGormSiteDirectory(db *gorm.DB, cache SiteCache, fallback model.SiteGeofence) *GormSiteDirectory {
	return &GormSiteDirectory{db: db, cache: cache, fallback: fallback}
}

func (d *GormSiteDirectory) Geofence(ctx context.Context, userID int64) (model.SiteGeofence, error) {
	if d.cache != nil {
		g, found, err := d.cache.Get(ctx, userID)
		if err != nil {
			logger.Logger.Warn("Site cache unavailable, falling back to database",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		} else if found {
			if g == nil {
				return d.fallback, nil
			}
			return *g, nil
		}
	}

	v, err, _ := d.group.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return d.load(ctx, userID)
	})
	if err != nil {
		return model.SiteGeofence{}, err
	}

	g := v.(*model.SiteGeofence)
	if d.cache != nil {
		if err := d.cache.Set(ctx, userID, g); err != nil {
			logger.Logger.Warn("Failed to cache site geofence",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
	}
	if g == nil {
		return d.fallback, nil
	}
	return *g, nil
}

// load 返回 nil 表示用户没有站点分配
func (d *GormSiteDirectory) load(ctx context.Context, userID int64) (*model.SiteGeofence, error) {
	var assignment model.SiteAssignment
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query site assignment: %w", err)
	}

	var site model.Site
	err = d.db.WithContext(ctx).Where("id = ?", assignment.SiteID).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.SiteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query site: %w", err)
	}

	g := site.Geofence()
	return &g, nil
}
