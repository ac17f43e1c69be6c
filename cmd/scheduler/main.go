package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/internal/schedule"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/metrics"
	"SiteAttend/pkg/snowflake"
	"SiteAttend/storage"
)

// 缺勤扫描的每日运行时间（本地时区）
const (
	absenceHour   = 0
	absenceMinute = 10
)

func main() {
	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Logger.Info("Scheduler received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage for scheduler", zap.Error(err))
	}
	defer storage.Close()

	if err := snowflake.Init(config.Cfg.SnowflakeMachineID, config.Cfg.SnowflakeDataCenter); err != nil {
		logger.Logger.Fatal("Failed to initialize snowflake for scheduler", zap.Error(err))
	}

	logger.Logger.Info("Scheduler service starting",
		zap.String("service", config.Cfg.ServiceName+"-scheduler"),
		zap.String("environment", config.Cfg.Environment),
	)

	sweep := schedule.DefaultAbsenceSweep()
	run := func(ctx context.Context) {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := sweep.Run(runCtx); err != nil {
			logger.Logger.Error("Absence sweep failed", zap.Error(err))
		}
	}

	// development 环境每分钟执行一次，方便本地调试
	if config.Cfg.IsDevelopment() {
		logger.Logger.Info("Absence sweep running in development mode with 1m interval")
		s := schedule.NewScheduler(ctx)
		s.Schedule("absence-sweep", time.Minute, func(ctx context.Context) error {
			run(ctx)
			return nil
		})
		s.Wait()
		logger.Logger.Info("Scheduler service shutting down gracefully")
		return
	}

	loc := config.Cfg.Location()
	for {
		now := time.Now().In(loc)
		next := schedule.NextDailyRun(now, absenceHour, absenceMinute)
		logger.Logger.Info("Scheduled next absence sweep",
			zap.Time("next_run", next),
			zap.Duration("delay", next.Sub(now)),
		)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Logger.Info("Scheduler service shutting down gracefully")
			return
		case <-timer.C:
			run(ctx)
		}
	}
}
