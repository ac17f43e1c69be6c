package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"SiteAttend/pkg/logger"
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 正常工作
	StateOpen                  // 熔断中
	StateHalfOpen              // 尝试恢复
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 熔断期间直接返回，调用方应回源
type ErrBreakerOpen struct {
	Name string
}

func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}

// CircuitBreaker 缓存熔断器，缓存故障时让调用方直接回源数据库
type CircuitBreaker struct {
	name             string
	maxFailures      int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
	now              func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailTime  time.Time
	halfOpenCalls int
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: 3,
		now:              time.Now,
		state:            StateClosed,
	}
}

// Call 执行带熔断保护的操作
func (cb *CircuitBreaker) Call(ctx context.Context, operation func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allowRequest() {
		return &ErrBreakerOpen{Name: cb.name}
	}

	err := operation()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailTime) >= cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.transitionTo(StateClosed)
		}
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailTime = cb.now()

	logger.Logger.Warn("Cache operation failed",
		zap.String("breaker", cb.name),
		zap.Int("failures", cb.failures),
		zap.String("state", cb.state.String()),
		zap.Error(err),
	)

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state State) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.halfOpenCalls = 0
	if state == StateClosed {
		cb.failures = 0
	}

	logger.Logger.Info("Circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.String("state", state.String()),
		zap.Int("failures", cb.failures),
	)
}

// GetState 获取当前状态
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

var (
	// RedisBreaker 连续失败 5 次后熔断，30 秒后尝试恢复
	RedisBreaker = NewCircuitBreaker("redis_cache", 5, 30*time.Second)
)
