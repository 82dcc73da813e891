package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/exchange"
	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/marketdata"
	"ensemble-trading-bot-go/internal/models"
	"ensemble-trading-bot-go/internal/persistence"
	"ensemble-trading-bot-go/internal/risk"
	"ensemble-trading-bot-go/internal/universe"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"golang.org/x/sync/errgroup"
)

// DecisionEngine 是共识层的抽象, 测试中用桩替换
type DecisionEngine interface {
	Decide(ctx context.Context, mc models.MarketContext) models.EnsembleDecision
}

// LearningStore 是学习记忆的抽象
type LearningStore interface {
	RecordOutcome(out models.TradeOutcome) error
	Stats() risk.TradeStats
	ProviderWeights(base map[string]float64) map[string]float64
	QuerySimilar(mc models.MarketContext, limit int) []models.Lesson
}

// Deps 汇集TradingLoop的全部协作者
type Deps struct {
	Market     marketdata.Provider
	Stream     *marketdata.PriceStream
	Engine     DecisionEngine
	Sizer      *risk.PositionSizer
	Gatekeeper *risk.Gatekeeper
	Cooldown   *risk.Cooldown
	Kill       *risk.KillSwitch
	Drawdown   *risk.DrawdownTracker
	Platform   exchange.TradingPlatform
	Repo       persistence.Repository
	Memory     LearningStore
	Universe   *universe.Guard
	MarketCB   *risk.CircuitBreaker
	PlatformCB *risk.CircuitBreaker
}

// TradingLoop 驱动OODA循环: 感知 -> 推理 -> 风控 -> 执行 -> 学习。
// 所有状态变更都经过状态机的转移表, 任何表外转移都会中止当前
// 周期并转入RECOVERING。
type TradingLoop struct {
	cfg  *models.Config
	sm   *StateMachine
	deps Deps

	// 持仓生命周期跟踪, 仅在周期goroutine内访问
	lastPositions   map[string]models.Position
	openSince       map[string]time.Time
	openAttribution map[string]openMeta

	// 资产预算的轮转游标, 保证预算外的资产在后续周期轮到
	assetCursor int

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
}

// openMeta 记录开仓决策的归因信息, 平仓时写入交易结果
type openMeta struct {
	cycleID   string
	providers []string
}

// NewTradingLoop 创建交易主循环
func NewTradingLoop(cfg *models.Config, deps Deps) *TradingLoop {
	return &TradingLoop{
		cfg:             cfg,
		sm:              NewStateMachine(),
		deps:            deps,
		lastPositions:   make(map[string]models.Position),
		openSince:       make(map[string]time.Time),
		openAttribution: make(map[string]openMeta),
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}
}

// State 返回当前的循环状态
func (l *TradingLoop) State() State {
	return l.sm.Current()
}

// Run 阻塞运行主循环, 直到Stop被调用、ctx取消或连续恢复失败
// 达到上限。失败的周期先转入RECOVERING重试, 重试预算耗尽后
// 触发终止开关并退出, 不会无限期地在错误中打转。
func (l *TradingLoop) Run(ctx context.Context) {
	defer close(l.doneChan)

	interval := time.Duration(l.cfg.AnalysisIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	failures := 0
	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := l.runCycle(ctx); err != nil {
			failures++
			logger.S().Errorf("周期异常中止(连续第%d次): %v", failures, err)
			l.recover(err)
			if failures >= l.maxCycleFailures() {
				logger.S().Errorf("连续%d个周期恢复失败, 主循环停止", failures)
				if l.deps.Kill != nil && !l.deps.Kill.Active() {
					l.deps.Kill.Trip(fmt.Sprintf("%d consecutive recovery failures", failures))
				}
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (l *TradingLoop) maxCycleFailures() int {
	if l.cfg.MaxCycleFailures > 0 {
		return l.cfg.MaxCycleFailures
	}
	return 3
}

// Stop 请求停止并有界等待在途周期结束。
// 返回false表示等待超时, 循环仍在后台收尾。
func (l *TradingLoop) Stop(wait time.Duration) bool {
	l.stopOnce.Do(func() { close(l.stopChan) })
	select {
	case <-l.doneChan:
		return true
	case <-time.After(wait):
		return false
	}
}

// newCycleID 用纳秒时间戳生成短小的周期标识
func newCycleID() string {
	return string(base62.FormatInt(time.Now().UnixNano()))
}

// runCycle 执行一个完整的OODA周期
func (l *TradingLoop) runCycle(ctx context.Context) error {
	// 上个周期以否决收尾时会停留在PERCEPTION, 无需重复转移
	if l.sm.Current() != StatePerception {
		if err := l.sm.Transition(StatePerception); err != nil {
			return err
		}
	}

	cycleID := newCycleID()
	clog := logger.WithCycle(cycleID)
	clog.Infof("周期开始, 状态=%s", l.sm.Current())

	// 每个周期无条件清理过期冷却条目, 不依赖任何下游分支
	defer func() {
		removed := l.deps.Cooldown.Prune(time.Now())
		if removed > 0 {
			clog.Debugf("清理了%d条过期冷却记录", removed)
		}
	}()

	// 熔断条件在感知阶段最先评估
	if err := l.checkKillConditions(); err != nil {
		return err
	}

	portfolio := l.fetchPortfolio(ctx)
	l.updateDrawdown(portfolio)
	l.harvestClosedTrades(portfolio)
	if l.deps.Drawdown != nil && l.deps.Drawdown.Exceeded(l.cfg.Risk.MaxDailyDrawdown) {
		l.deps.Kill.Trip(fmt.Sprintf("daily drawdown %.2f%% exceeded limit",
			l.deps.Drawdown.DailyDrawdown()*100))
		return fmt.Errorf("%w: daily drawdown", models.ErrKillSwitch)
	}

	// 在守卫下取资产池快照, 后台发现任务的更新下个周期生效
	symbols := l.budgetedSymbols(l.deps.Universe.Snapshot())

	for _, symbol := range symbols {
		select {
		case <-l.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.runAsset(ctx, cycleID, symbol, portfolio); err != nil {
			// 持久化和状态机错误不可按资产跳过, 整个周期转入恢复
			if errors.Is(err, models.ErrPersistence) || errors.Is(err, models.ErrIllegalTransition) {
				return fmt.Errorf("[%s] %w", symbol, err)
			}
			// 单个资产的瞬时失败只跳过该资产, 不中止整个周期
			clog.Warnf("[%s] 处理失败, 跳过: %v", symbol, err)
		}
	}

	l.tuneProviderWeights()

	// 最后一个资产走完LEARNING时回到IDLE;
	// 以否决收尾时停留在PERCEPTION, 下个周期直接继续
	if l.sm.Current() == StateLearning {
		return l.sm.Transition(StateIdle)
	}
	return nil
}

// budgetedSymbols 在资产预算内从游标处轮转截取, 使预算外的
// 资产在后续周期轮到, 而不是永远被排在前面的资产饿死
func (l *TradingLoop) budgetedSymbols(symbols []string) []string {
	budget := l.cfg.CycleAssetBudget
	n := len(symbols)
	if budget <= 0 || n <= budget {
		return symbols
	}

	start := l.assetCursor % n
	out := make([]string, 0, budget)
	for i := 0; i < budget; i++ {
		out = append(out, symbols[(start+i)%n])
	}
	l.assetCursor = (start + budget) % n
	return out
}

// harvestClosedTrades 对比前后两个周期的持仓快照, 上周期存在
// 而本周期消失的持仓视为已平仓, 按最后一次标记价估算净收益
// 并写入学习记忆。
func (l *TradingLoop) harvestClosedTrades(portfolio models.PortfolioSnapshot) {
	if !portfolio.Valid {
		return
	}

	current := make(map[string]models.Position, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		current[p.Symbol] = p
		if _, seen := l.openSince[p.Symbol]; !seen {
			l.openSince[p.Symbol] = time.Now()
		}
	}

	now := time.Now()
	for symbol, prev := range l.lastPositions {
		if _, still := current[symbol]; still {
			continue
		}

		notional := math.Abs(prev.Contracts) * prev.MarkPrice
		fees := notional * l.cfg.Platform.TakerFeeRate * 2
		slippage := notional * l.cfg.Platform.SlippageRate
		meta := l.openAttribution[symbol]
		out := models.TradeOutcome{
			Symbol:       symbol,
			Action:       actionFromSide(prev.Side),
			GrossPnL:     prev.UnrealizedPnL,
			Fees:         fees,
			Slippage:     slippage,
			NetPnL:       prev.UnrealizedPnL - fees - slippage,
			HoldDuration: now.Sub(l.openSince[symbol]),
			ExitReason:   "position_closed",
			Providers:    meta.providers,
			CycleID:      meta.cycleID,
			ClosedAt:     now,
		}
		if err := l.deps.Memory.RecordOutcome(out); err != nil {
			logger.S().Errorf("[%s] 记录交易结果失败: %v", symbol, err)
		} else {
			logger.S().Infof("[%s] 持仓已平, 净收益%.4f USDT", symbol, out.NetPnL)
		}
		delete(l.openSince, symbol)
		delete(l.openAttribution, symbol)
	}
	l.lastPositions = current
}

func actionFromSide(side models.PositionSide) models.Action {
	if side == models.SideShort {
		return models.ActionSell
	}
	return models.ActionBuy
}

// weightTuner 是共识层可选实现的权重调整能力
type weightTuner interface {
	TuneWeights(weights map[string]float64)
}

// tuneProviderWeights 用历史战绩更新顾问权重
func (l *TradingLoop) tuneProviderWeights() {
	tuner, ok := l.deps.Engine.(weightTuner)
	if !ok {
		return
	}
	base := make(map[string]float64, len(l.cfg.Providers))
	for _, p := range l.cfg.Providers {
		if p.Enabled {
			base[p.Name] = p.Weight
		}
	}
	tuner.TuneWeights(l.deps.Memory.ProviderWeights(base))
}

// runAsset 对单个交易对执行感知->推理->风控->执行->学习
func (l *TradingLoop) runAsset(ctx context.Context, cycleID, symbol string, portfolio models.PortfolioSnapshot) error {
	// 上个资产走完LEARNING后, 为当前资产重新进入PERCEPTION
	if l.sm.Current() != StatePerception {
		if err := l.sm.Transition(StatePerception); err != nil {
			return err
		}
	}

	mc, err := l.perceive(ctx, cycleID, symbol, portfolio)
	if err != nil {
		return err
	}

	if err := l.sm.Transition(StateReasoning); err != nil {
		return err
	}
	decision := l.deps.Engine.Decide(ctx, mc)

	if err := l.sm.Transition(StateRiskCheck); err != nil {
		return err
	}
	sizing := l.deps.Sizer.Compute(&mc, &decision, l.deps.Memory.Stats())
	check := l.deps.Gatekeeper.Check(&decision, sizing, mc.Portfolio, mc.CurrentPrice, time.Now())

	record := &models.DecisionRecord{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		Timestamp:  time.Now(),
		Symbol:     symbol,
		Action:     decision.Action,
		Confidence: decision.Confidence,
		Ensemble:   decision,
		Sizing:     &check.Sizing,
	}

	if check.Vetoed() {
		// 否决: 记录冷却, 回到PERCEPTION, 不执行
		logger.S().Infof("[%s] 决策被否决: %s", symbol, check.Reason)
		l.deps.Gatekeeper.RecordVeto(symbol, decision.Action, time.Now())
		record.Vetoed = true
		record.VetoReason = check.Reason
		if err := l.deps.Repo.SaveDecision(record); err != nil {
			return fmt.Errorf("持久化否决决策失败: %w: %w", models.ErrPersistence, err)
		}
		return l.sm.Transition(StatePerception)
	}

	if err := l.sm.Transition(StateExecution); err != nil {
		return err
	}
	l.execute(ctx, record, &check.Sizing, mc.CurrentPrice)

	if err := l.sm.Transition(StateLearning); err != nil {
		return err
	}
	return l.learn(record)
}

// perceive 构建一个资产的市场上下文: 并发拉取各周期K线,
// 计算数据年龄并标记过期周期
func (l *TradingLoop) perceive(ctx context.Context, cycleID, symbol string, portfolio models.PortfolioSnapshot) (models.MarketContext, error) {
	now := time.Now()
	mc := models.MarketContext{
		CycleID:   cycleID,
		Symbol:    symbol,
		Series:    make(map[string]models.MarketSeries, len(l.cfg.Timeframes)),
		Portfolio: portfolio,
		BuiltAt:   now,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tf := range l.cfg.Timeframes {
		tf := tf
		g.Go(func() error {
			series, err := l.deps.Market.Candles(gctx, symbol, tf, l.cfg.MarketData.KlineLimit)
			if err != nil {
				return fmt.Errorf("拉取%s失败: %w", tf, err)
			}
			mu.Lock()
			mc.Series[tf] = series
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.noteMarketFailure()
		return mc, err
	}
	l.noteMarketSuccess()

	// 优先使用推送价, 流断开或过旧时回退到REST查询
	price, ok := l.streamPrice(symbol)
	if !ok {
		restPrice, err := l.deps.Market.CurrentPrice(ctx, symbol)
		if err != nil {
			l.noteMarketFailure()
			return mc, fmt.Errorf("获取最新价失败: %w", err)
		}
		price = restPrice
	}
	mc.CurrentPrice = price

	mc.DataAge, mc.StaleTimeframes = marketdata.EvaluateStaleness(
		mc.Series, l.cfg.MarketData.StalenessThresholdSec, time.Now())
	mc.Lessons = l.deps.Memory.QuerySimilar(mc, 5)
	return mc, nil
}

// streamPrice 从实时行情流读取最新价, 超过10秒未更新视为不可用
func (l *TradingLoop) streamPrice(symbol string) (float64, bool) {
	if l.deps.Stream == nil {
		return 0, false
	}
	price, at, ok := l.deps.Stream.Price(symbol)
	if !ok || time.Since(at) > 10*time.Second {
		return 0, false
	}
	return price, true
}

// fetchPortfolio 拉取账户快照。失败时返回无效快照,
// 下游自动进入信号模式而不是中止周期。
func (l *TradingLoop) fetchPortfolio(ctx context.Context) models.PortfolioSnapshot {
	total, available, err := l.deps.Platform.GetBalance(ctx)
	if err != nil {
		if models.IsAuthError(err) {
			logger.S().Errorf("账户认证失败, 进入信号模式: %v", err)
		} else {
			logger.S().Warnf("获取余额失败, 本周期进入信号模式: %v", err)
		}
		return models.PortfolioSnapshot{Valid: false}
	}

	positions, err := l.deps.Platform.GetPositions(ctx, "")
	if err != nil {
		logger.S().Warnf("获取持仓失败: %v", err)
		positions = nil
	}

	return models.PortfolioSnapshot{
		Valid:           true,
		TotalEquityUSDT: total,
		AvailableUSDT:   available,
		Positions:       positions,
	}
}

// execute 调用交易平台执行, 执行失败原样记录, 不伪装成软性结果
func (l *TradingLoop) execute(ctx context.Context, record *models.DecisionRecord, sizing *models.PositionSizeResult, price float64) {
	if record.Action == models.ActionHold || sizing.SignalOnly || l.cfg.Platform.SignalOnly {
		record.Execution = &models.ExecutionResult{
			Symbol:     record.Symbol,
			Action:     record.Action,
			ExecutedAt: time.Now(),
		}
		return
	}

	req := exchange.TradeRequest{
		Symbol:  record.Symbol,
		Action:  record.Action,
		Size:    *sizing.Size,
		CycleID: record.CycleID,
	}
	if sizing.StopLossRate != nil {
		req.StopPrice = risk.StopPrice(record.Action, price, *sizing.StopLossRate)
	}
	if l.cfg.Risk.TakeProfitRate > 0 {
		req.TakeProfitPrice = risk.TakeProfitPrice(record.Action, price, l.cfg.Risk.TakeProfitRate)
	}

	// 模拟盘依赖外部喂价, 执行前同步最新标记价
	if pa, ok := l.deps.Platform.(priceAware); ok {
		pa.SetPrice(record.Symbol, price)
	}

	result, err := l.deps.Platform.ExecuteTrade(ctx, req)
	record.Execution = &result
	if err != nil {
		logger.S().Errorf("[%s] 执行失败: %v", record.Symbol, err)
		l.notePlatformFailure()
		if models.IsAuthError(err) {
			l.deps.Kill.Trip(fmt.Sprintf("platform auth failure: %v", err))
		}
		return
	}
	l.notePlatformSuccess()
	l.openSince[record.Symbol] = time.Now()
	l.openAttribution[record.Symbol] = openMeta{
		cycleID:   record.CycleID,
		providers: winningProviders(&record.Ensemble),
	}
	logger.S().Infof("[%s] 已执行 %s %.6g @ %.6g (order=%s)",
		record.Symbol, record.Action, result.Size, result.FillPrice, result.OrderID)
}

// priceAware 是模拟盘实现的喂价能力
type priceAware interface {
	SetPrice(symbol string, price float64)
}

// winningProviders 返回投了获胜方向的顾问, 用于平仓后的归因
func winningProviders(d *models.EnsembleDecision) []string {
	var out []string
	for _, v := range d.Votes {
		if v.Action == d.Action {
			out = append(out, v.Provider)
		}
	}
	return out
}

// learn 持久化决策并回收本周期平掉的交易结果。
// 同一(周期, 交易对)已存在执行记录时跳过重放, 保证幂等。
// 决策库写入失败携带ErrPersistence上抛, 由周期层转入恢复流程。
func (l *TradingLoop) learn(record *models.DecisionRecord) error {
	has, err := l.deps.Repo.HasExecution(record.CycleID, record.Symbol)
	if err != nil {
		return fmt.Errorf("检查执行记录失败: %w: %w", models.ErrPersistence, err)
	}
	if has {
		logger.S().Warnf("[%s] 周期%s已有执行记录, 跳过重复写入", record.Symbol, record.CycleID)
		return nil
	}
	if err := l.deps.Repo.SaveDecision(record); err != nil {
		return fmt.Errorf("持久化决策失败: %w: %w", models.ErrPersistence, err)
	}
	return nil
}

// recover 把循环转入RECOVERING
func (l *TradingLoop) recover(cause error) {
	if err := l.sm.Transition(StateRecovering); err != nil {
		logger.S().Errorf("进入RECOVERING失败: %v", err)
		return
	}
	logger.S().Warnf("循环进入RECOVERING: %v", cause)
}

// checkKillConditions 评估全局熔断条件
func (l *TradingLoop) checkKillConditions() error {
	if l.deps.Kill != nil && l.deps.Kill.Active() {
		_, reason, _ := l.deps.Kill.Status()
		return fmt.Errorf("%w: %s", models.ErrKillSwitch, reason)
	}
	now := time.Now()
	if l.deps.MarketCB != nil && l.deps.MarketCB.Open(now) {
		return fmt.Errorf("%w: market data circuit open", models.ErrKillSwitch)
	}
	if l.deps.PlatformCB != nil && l.deps.PlatformCB.Open(now) {
		return fmt.Errorf("%w: platform circuit open", models.ErrKillSwitch)
	}
	return nil
}

func (l *TradingLoop) updateDrawdown(portfolio models.PortfolioSnapshot) {
	if l.deps.Drawdown == nil || !portfolio.Valid {
		return
	}
	l.deps.Drawdown.Update(portfolio.TotalEquityUSDT, time.Now())
}

func (l *TradingLoop) noteMarketFailure() {
	if l.deps.MarketCB != nil {
		l.deps.MarketCB.Failure(time.Now())
	}
}

func (l *TradingLoop) noteMarketSuccess() {
	if l.deps.MarketCB != nil {
		l.deps.MarketCB.Success()
	}
}

func (l *TradingLoop) notePlatformFailure() {
	if l.deps.PlatformCB != nil {
		l.deps.PlatformCB.Failure(time.Now())
	}
}

func (l *TradingLoop) notePlatformSuccess() {
	if l.deps.PlatformCB != nil {
		l.deps.PlatformCB.Success()
	}
}
