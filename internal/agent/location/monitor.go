package location

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"SiteAttend/pkg/geo"
	"SiteAttend/pkg/logger"
)

// Handler 处理一次采样；调用严格串行，不会重叠
type Handler func(ctx context.Context, p geo.Point)

// Monitor 周期性协作式采样
type Monitor struct {
	provider Provider
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// DefaultSampleInterval 周期非正时使用
const DefaultSampleInterval = 30 * time.Second

func NewMonitor(provider Provider, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Monitor{
		provider: provider,
		logger:   logger.Component("location"),
		interval: interval,
		timeout:  timeout,
	}
}

// Start 立即采样一次，之后每个周期采样；返回的 stop 取消循环并等待其退出，可重复调用
func (m *Monitor) Start(ctx context.Context, handle Handler) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			m.sample(ctx, handle)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (m *Monitor) sample(ctx context.Context, handle Handler) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.timeout)
	p, err := m.provider.Current(acquireCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Warn("Location acquisition failed", zap.Error(err))
		return
	}
	if !p.Valid() {
		m.logger.Warn("Location provider returned invalid coordinates",
			zap.Float64("latitude", p.Latitude),
			zap.Float64("longitude", p.Longitude),
		)
		return
	}

	handle(ctx, p)
}
