package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/internal/queue"
	"SiteAttend/pkg/logger"
	"SiteAttend/pkg/metrics"
	"SiteAttend/storage"
)

func main() {
	logger.Init()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Logger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
		)
		cancel()
	}()

	if err := metrics.InitMetrics(); err != nil {
		logger.Logger.Warn("Failed to initialize metrics, continuing without them", zap.Error(err))
	}

	if err := storage.Init(); err != nil {
		logger.Logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer storage.Close()

	logger.Logger.Info("Worker service starting",
		zap.String("service", config.Cfg.ServiceName+"-worker"),
		zap.String("environment", config.Cfg.Environment),
	)

	// 通知分发由外部系统负责，这里只落安全日志
	handler := queue.NewSecurityHandler(queue.LogNotifier{}, queue.RedisDeduper())
	if err := queue.StartSecurityConsumer(ctx, handler); err != nil && ctx.Err() == nil {
		logger.Logger.Error("Security event consumer stopped", zap.Error(err))
	}

	logger.Logger.Info("Worker service shutting down gracefully")
}
