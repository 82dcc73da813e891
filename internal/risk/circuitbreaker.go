package risk

import (
	"sync"
	"time"
)

// CircuitBreaker 监控一个上游依赖(行情源/交易平台)的连续失败次数。
// 达到阈值后断路器打开, 在冷却时间内该依赖被视为不可用;
// 冷却结束后进入半开状态, 允许一次探测, 成功则闭合。
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	cooldown     time.Duration
	consecutive  int
	openedAt     time.Time
	open         bool
}

// NewCircuitBreaker 创建断路器。threshold为打开前允许的连续失败数。
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Name 返回被监控依赖的名称
func (cb *CircuitBreaker) Name() string { return cb.name }

// Failure 记录一次失败, 返回断路器是否因此打开
func (cb *CircuitBreaker) Failure(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive++
	if !cb.open && cb.consecutive >= cb.threshold {
		cb.open = true
		cb.openedAt = now
	}
	return cb.open
}

// Success 记录一次成功, 闭合断路器并清零计数
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.open = false
}

// Open 报告断路器当前是否打开。冷却期过后返回false(半开),
// 允许调用方做一次探测; 探测失败会立即重新打开。
func (cb *CircuitBreaker) Open(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return false
	}
	if now.Sub(cb.openedAt) >= cb.cooldown {
		// 半开: 保留open标记但放行一次探测
		cb.consecutive = cb.threshold - 1
		cb.open = false
		return false
	}
	return true
}
