package storage

import (
	"SiteAttend/storage/database"
	"SiteAttend/storage/mq"
	"SiteAttend/storage/redis"
)

// Init 统一初始化 storage 层，按依赖顺序：Database -> Redis -> MQ
func Init() error {
	if err := database.Init(); err != nil {
		return err
	}

	if err := redis.Init(); err != nil {
		return err
	}

	if err := mq.Init(); err != nil {
		return err
	}

	return nil
}
