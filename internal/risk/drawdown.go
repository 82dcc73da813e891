package risk

import (
	"sync"
	"time"
)

// DrawdownTracker 以当日起始权益为锚点跟踪日内回撤。
// 超过配置的最大日回撤属于熔断条件, 由把关层转入RECOVERING。
type DrawdownTracker struct {
	mu             sync.Mutex
	startOfDayNAV  float64
	currentNAV     float64
	lastUpdateTime time.Time
}

// NewDrawdownTracker 创建回撤跟踪器
func NewDrawdownTracker() *DrawdownTracker {
	return &DrawdownTracker{}
}

// Update 用最新权益更新跟踪器。跨过UTC日界时重置当日锚点。
func (d *DrawdownTracker) Update(nav float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startOfDayNAV == 0 || isNewTradingDay(d.lastUpdateTime, now) {
		d.startOfDayNAV = nav
	}
	d.currentNAV = nav
	d.lastUpdateTime = now
}

// DailyDrawdown 返回当日回撤比例 (亏损为正, 盈利为0)
func (d *DrawdownTracker) DailyDrawdown() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startOfDayNAV <= 0 {
		return 0
	}
	dd := (d.startOfDayNAV - d.currentNAV) / d.startOfDayNAV
	if dd < 0 {
		return 0
	}
	return dd
}

// Exceeded 报告当日回撤是否已超过限额
func (d *DrawdownTracker) Exceeded(maxDailyDrawdown float64) bool {
	if maxDailyDrawdown <= 0 {
		return false
	}
	return d.DailyDrawdown() >= maxDailyDrawdown
}

// isNewTradingDay 判断两个时间是否跨过了UTC日界
func isNewTradingDay(last, current time.Time) bool {
	if last.IsZero() {
		return true
	}
	return last.UTC().Format("2006-01-02") != current.UTC().Format("2006-01-02")
}
