package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"SiteAttend/config"
	dbotel "SiteAttend/pkg/database"
	"SiteAttend/pkg/logger"
)

var (
	db     *gorm.DB
	dbOnce sync.Once
	dbErr  error
)

func Init() error {
	dbOnce.Do(func() {
		gormCfg := &gorm.Config{
			Logger:                                   newLogger(),
			DisableForeignKeyConstraintWhenMigrating: true,
			PrepareStmt:                              true,
			SkipDefaultTransaction:                   true,
			// 唯一索引冲突转换为 gorm.ErrDuplicatedKey
			TranslateError: true,
		}

		var gormDB *gorm.DB
		gormDB, dbErr = gorm.Open(postgres.Open(config.Cfg.GetDSN()), gormCfg)
		if dbErr != nil {
			logger.Logger.Error("Failed to open database", zap.String("dsn", "please check database connection"), zap.Error(dbErr))
			return
		}

		if replica := config.Cfg.PostgreSQLReplicaDSN; replica != "" {
			resolver := dbresolver.Register(dbresolver.Config{
				Replicas: []gorm.Dialector{postgres.Open(replica)},
				Policy:   dbresolver.RandomPolicy{},
			}).
				SetMaxIdleConns(config.Cfg.PostgreSQLMaxIdle).
				SetMaxOpenConns(config.Cfg.PostgreSQLMaxOpen)
			if dbErr = gormDB.Use(resolver); dbErr != nil {
				logger.Logger.Error("Failed to register read replica", zap.Error(dbErr))
				return
			}
			logger.Logger.Info("Read replica registered")
		}

		if config.Cfg.TracingEnabled {
			plugin, err := dbotel.NewOTELPlugin(config.Cfg.ServiceName)
			if err == nil {
				err = gormDB.Use(plugin)
			}
			if err != nil {
				logger.Logger.Warn("Failed to instrument database", zap.Error(err))
			}
		}

		sqlDB, err := gormDB.DB()
		if err != nil {
			dbErr = err
			logger.Logger.Error("Failed to get sql.DB from gorm", zap.Error(err))
			return
		}

		configureConnectionPool(sqlDB)

		if err := sqlDB.Ping(); err != nil {
			dbErr = err
			logger.Logger.Error("Failed to ping database", zap.Error(err))
			return
		}

		db = gormDB
		if err := Migrate(db); err != nil {
			dbErr = fmt.Errorf("failed to run database migration: %w", err)
			return
		}
		logger.Logger.Info("Database initialized successfully")
	})

	return dbErr
}

func DB() *gorm.DB {
	return db
}

func Close(ctx context.Context) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- sqlDB.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func configureConnectionPool(sqlDB *sql.DB) {
	cfg := config.Cfg

	sqlDB.SetMaxIdleConns(cfg.PostgreSQLMaxIdle)
	sqlDB.SetMaxOpenConns(cfg.PostgreSQLMaxOpen)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	sqlDB.SetConnMaxLifetime(2 * time.Hour)
}

func newLogger() gormlogger.Interface {
	level := gormlogger.Warn
	switch config.Cfg.LoggerLevel {
	case "DEBUG":
		level = gormlogger.Info
	case "ERROR":
		level = gormlogger.Error
	}

	return gormlogger.New(zapWriter{}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	logger.Logger.Sugar().Infof(format, args...)
}
