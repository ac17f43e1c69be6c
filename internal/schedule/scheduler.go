package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"SiteAttend/pkg/logger"
)

// Task 周期任务，返回错误时下一次执行按指数退避推迟
type Task func(ctx context.Context) error

// Scheduler 显式注入的周期调度器
type Scheduler interface {
	Schedule(name string, interval time.Duration, task Task)
	Cancel(name string)
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TickerScheduler 每个任务一个 goroutine，同一任务的执行从不重叠
type TickerScheduler struct {
	ctx        context.Context
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
	jobs       map[string]*job
	mu         sync.Mutex
}

type SchedulerOption func(*TickerScheduler)

// WithBackOff 替换失败后的退避策略
func WithBackOff(fn func() backoff.BackOff) SchedulerOption {
	return func(s *TickerScheduler) { s.newBackOff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = time.Hour
	return b
}

// NewScheduler 创建调度器，ctx 结束时所有任务退出
func NewScheduler(ctx context.Context, opts ...SchedulerOption) *TickerScheduler {
	s := &TickerScheduler{
		ctx:        ctx,
		logger:     logger.Logger.Named("scheduler"),
		newBackOff: defaultBackOff,
		jobs:       make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule 注册任务；同名任务会先被取消再替换
func (s *TickerScheduler) Schedule(name string, interval time.Duration, task Task) {
	s.Cancel(name)

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.jobs[name] = j
	s.mu.Unlock()

	go s.run(ctx, j, name, interval, task)
}

// Cancel 取消任务并等待正在执行的一轮结束
func (s *TickerScheduler) Cancel(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	j.cancel()
	<-j.done
}

// Wait 阻塞直到 ctx 结束且全部任务退出
func (s *TickerScheduler) Wait() {
	<-s.ctx.Done()

	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}
}

func (s *TickerScheduler) run(ctx context.Context, j *job, name string, interval time.Duration, task Task) {
	defer close(j.done)

	b := s.newBackOff()
	delay := interval

	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := task(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			b.Reset()
			delay = interval
			continue
		}

		delay = b.NextBackOff()
		if delay == backoff.Stop || delay <= 0 {
			b.Reset()
			delay = interval
		}
		s.logger.Warn("Scheduled task failed, backing off",
			zap.String("task", name),
			zap.Duration("next_run_in", delay),
			zap.Error(err),
		)
	}
}

// NextDailyRun 计算下一次 hh:mm 的运行时间
func NextDailyRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
