package risk

import (
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/models"
)

// Cooldown 记录最近被否决的(交易对, 方向)组合, 在TTL内阻止同样的提议
// 被立即重新提出。条目必须在每轮循环中无条件清理, 不能依赖某个特定
// 状态分支被执行, 否则缓存会无界增长。
type Cooldown struct {
	mu      sync.Mutex
	entries map[cooldownKey]time.Time // key -> 过期时间
	ttl     time.Duration
}

type cooldownKey struct {
	Symbol string
	Action models.Action
}

// NewCooldown 创建一个冷却缓存
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{
		entries: make(map[cooldownKey]time.Time),
		ttl:     ttl,
	}
}

// Add 在否决发生时记录该组合, 冷却期从now开始计算
func (c *Cooldown) Add(symbol string, action models.Action, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cooldownKey{Symbol: symbol, Action: action}] = now.Add(c.ttl)
}

// Active 报告该组合是否仍在冷却期内, 以及剩余时间
func (c *Cooldown) Active(symbol string, action models.Action, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[cooldownKey{Symbol: symbol, Action: action}]
	if !ok || !now.Before(expiry) {
		return false, 0
	}
	return true, expiry.Sub(now)
}

// Prune 移除所有已过期的条目, 返回移除数量。
// TradingLoop在每轮LEARNING之外也会调用它, 保证缓存大小有界。
func (c *Cooldown) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, expiry := range c.entries {
		if !now.Before(expiry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前条目数 (含未过期条目)
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
