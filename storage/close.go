package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"SiteAttend/pkg/logger"
	"SiteAttend/storage/database"
	"SiteAttend/storage/mq"
	"SiteAttend/storage/redis"
)

const closeTimeout = 15 * time.Second

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Close 依次关闭 MQ、Redis、数据库；先停止安全事件投递，最后关闭考勤账本所在的数据库
func Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	closers := []closer{
		{name: "message queue", close: mq.Close},
		{name: "redis", close: redis.Close},
		{name: "database", close: database.Close},
	}

	for _, c := range closers {
		if err := c.close(ctx); err != nil {
			logger.Logger.Error("Failed to close storage", zap.String("component", c.name), zap.Error(err))
			continue
		}
		logger.Logger.Info("Storage closed", zap.String("component", c.name))
	}
}
