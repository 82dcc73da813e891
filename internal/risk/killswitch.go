package risk

import (
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/logger"
)

// KillSwitch 是全局急停开关。触发后所有新交易被否决,
// 循环转入RECOVERING; 解除需要显式调用, 不会自动恢复。
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	activatedAt time.Time
}

// NewKillSwitch 创建未触发状态的急停开关
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Trip 触发急停并记录原因
func (k *KillSwitch) Trip(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active {
		return // 已触发, 保留最初的原因
	}
	k.active = true
	k.reason = reason
	k.activatedAt = time.Now()
	logger.S().Errorf("急停开关已触发: %s", reason)
}

// Reset 解除急停 (人工操作)
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.active = false
	k.reason = ""
	logger.S().Warn("急停开关已解除")
}

// Active 报告急停是否处于触发状态
func (k *KillSwitch) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Status 返回当前状态、原因和触发时间
func (k *KillSwitch) Status() (bool, string, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.reason, k.activatedAt
}
