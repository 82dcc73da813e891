package universe

import (
	"context"
	"sort"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// DiscoverySource 提供候选交易对, 由行情数据层实现
type DiscoverySource interface {
	// TopSymbols 返回按成交额排序的前limit个以quoteAsset计价的交易对
	TopSymbols(ctx context.Context, quoteAsset string, limit int) ([]string, error)
}

// Guard 持有可交易资产集合的唯一可变副本。
// 后台发现任务会在主循环迭代的同时更新集合, 因此所有读取都必须
// 通过 Snapshot 获得不可变拷贝, 绝不允许直接迭代内部结构。
type Guard struct {
	mu      sync.RWMutex
	symbols []string
	updated time.Time

	cfg    models.UniverseConfig
	source DiscoverySource

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGuard 创建资产集合守卫, 以配置中的交易对作为初始集合
func NewGuard(cfg models.UniverseConfig, initial []string, source DiscoverySource) *Guard {
	symbols := make([]string, len(initial))
	copy(symbols, initial)
	return &Guard{
		symbols:  symbols,
		updated:  time.Now(),
		cfg:      cfg,
		source:   source,
		stopChan: make(chan struct{}),
	}
}

// Snapshot 返回当前资产集合的拷贝, 调用方可安全迭代
func (g *Guard) Snapshot() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.symbols))
	copy(out, g.symbols)
	return out
}

// LastUpdated 返回集合最近一次变更的时间
func (g *Guard) LastUpdated() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.updated
}

// Replace 用新的集合整体替换当前集合 (去重+排序后存储)
func (g *Guard) Replace(symbols []string) {
	seen := make(map[string]bool, len(symbols))
	cleaned := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		cleaned = append(cleaned, s)
	}
	sort.Strings(cleaned)

	g.mu.Lock()
	g.symbols = cleaned
	g.updated = time.Now()
	g.mu.Unlock()
}

// StartDiscovery 启动后台发现任务。未启用或无数据源时为空操作。
func (g *Guard) StartDiscovery(ctx context.Context) {
	if !g.cfg.DiscoveryEnabled || g.source == nil {
		return
	}
	g.wg.Add(1)
	go g.discoveryLoop(ctx)
}

// Stop 停止后台发现任务并等待其退出
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	g.wg.Wait()
}

func (g *Guard) discoveryLoop(ctx context.Context) {
	defer g.wg.Done()

	interval := time.Duration(g.cfg.DiscoveryIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.runDiscovery(ctx)
		}
	}
}

// runDiscovery 拉取最新的候选交易对并替换集合。
// 发现失败只记日志, 保留旧集合继续交易。
func (g *Guard) runDiscovery(ctx context.Context) {
	discovered, err := g.source.TopSymbols(ctx, g.cfg.QuoteAsset, g.cfg.MaxAssets)
	if err != nil {
		logger.S().Warnf("交易对发现失败, 沿用现有集合: %v", err)
		return
	}
	if len(discovered) == 0 {
		logger.S().Warn("交易对发现返回空集合, 忽略本次结果")
		return
	}

	before := g.Snapshot()
	g.Replace(discovered)
	logger.S().Infof("交易对集合已更新: %d -> %d", len(before), len(discovered))
}
