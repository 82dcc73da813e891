package risk

import (
	"math"

	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// TradeStats 汇总历史已平仓交易的统计量, 全部基于净收益(扣除手续费与滑点)。
// 用毛收益喂给仓位公式会系统性高估优势, 导致后续仓位越开越大。
type TradeStats struct {
	Wins     int
	Losses   int
	AvgWin   float64 // 盈利交易的平均净收益 (>0)
	AvgLoss  float64 // 亏损交易的平均净亏损绝对值 (>0)
}

// Total 返回样本总数
func (s TradeStats) Total() int { return s.Wins + s.Losses }

// WinRate 返回胜率, 无样本时为0
func (s TradeStats) WinRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(total)
}

// PayoffRatio 返回赔率(平均盈利/平均亏损)。
// 亏损样本不存在时赔率未定义(实际上是无穷大), 返回0让调用方拒绝凯利。
func (s TradeStats) PayoffRatio() float64 {
	if s.Losses == 0 || s.AvgLoss <= 0 {
		return 0
	}
	return s.AvgWin / s.AvgLoss
}

// PositionSizer 将风控参数和原始信号转换为有界的资金指令
type PositionSizer struct {
	cfg models.RiskConfig
}

// NewPositionSizer 创建仓位计算器
func NewPositionSizer(cfg models.RiskConfig) *PositionSizer {
	return &PositionSizer{cfg: cfg}
}

// Compute 为一个决策计算仓位。
// 余额缺失/为零/无法解析时返回signal_only结果: Size等字段为nil,
// 而不是可能被误读为"刻意不交易"的数值零。
func (ps *PositionSizer) Compute(ctx *models.MarketContext, decision *models.EnsembleDecision, stats TradeStats) models.PositionSizeResult {
	if decision.Action == models.ActionHold {
		return models.PositionSizeResult{SignalOnly: true, Basis: models.BasisSignalOnly}
	}

	equity := ctx.Portfolio.TotalEquityUSDT
	if !ctx.Portfolio.Valid || equity <= 0 || ctx.CurrentPrice <= 0 {
		return models.PositionSizeResult{SignalOnly: true, Basis: models.BasisSignalOnly}
	}

	stopRate := ps.stopRate(ctx)

	fraction, basis := ps.riskFraction(stats)
	if fraction <= 0 {
		// 负期望: 明确给出零仓位, 由风控把关层否决,
		// 而不是夹到一个最小正值去强行做负期望交易。
		zero := 0.0
		return models.PositionSizeResult{
			SignalOnly:   false,
			Size:         &zero,
			StopLossRate: &stopRate,
			RiskFraction: &fraction,
			Basis:        basis,
		}
	}

	// size = (权益 × 风险比例) / 止损距离
	riskAmount := equity * fraction
	stopDistance := ctx.CurrentPrice * stopRate
	size := riskAmount / stopDistance / ps.cfg.ContractMultiplier

	if math.IsInf(size, 0) || math.IsNaN(size) || size < 0 {
		// NaN/Inf不允许流出仓位计算
		logger.S().Errorf("仓位计算出现非法数值: size=%v, equity=%.2f, stopRate=%.4f", size, equity, stopRate)
		return models.PositionSizeResult{SignalOnly: true, Basis: models.BasisSignalOnly}
	}

	return models.PositionSizeResult{
		Size:         &size,
		StopLossRate: &stopRate,
		RiskFraction: &fraction,
		Basis:        basis,
	}
}

// riskFraction 决定本次交易承担的权益比例以及所用公式。
// 凯利模式要求: 赔率可用(>0)、亏损样本足够; 不满足则回退固定比例。
// 凯利为负说明没有优势, 返回0表示不交易。
func (ps *PositionSizer) riskFraction(stats TradeStats) (float64, models.SizingBasis) {
	if !ps.cfg.KellyEnabled {
		return ps.cfg.RiskFraction, models.BasisFixedFraction
	}

	if stats.Losses < ps.cfg.KellyMinLosses {
		// 亏损样本不足时profit factor未定义, 禁止进入公式
		return ps.cfg.RiskFraction, models.BasisFixedFraction
	}

	payoff := stats.PayoffRatio()
	if payoff <= 0 || math.IsInf(payoff, 0) || math.IsNaN(payoff) {
		logger.S().Debugf("赔率不可用(%.4f), 凯利仓位回退为固定比例", payoff)
		return ps.cfg.RiskFraction, models.BasisFixedFraction
	}

	kelly := KellyFraction(stats.WinRate(), payoff, ps.cfg.KellyCap)
	if kelly <= 0 {
		return 0, models.BasisKelly
	}
	return kelly, models.BasisKelly
}

// KellyFraction 计算凯利比例: kelly = win_rate - (1 - win_rate) / payoff_ratio,
// 并裁剪到 [0, capFraction]。payoff必须已验证为正, 负凯利返回0(不交易)。
func KellyFraction(winRate, payoffRatio, capFraction float64) float64 {
	if payoffRatio <= 0 {
		return 0
	}
	kelly := winRate - (1-winRate)/payoffRatio
	if kelly <= 0 || math.IsNaN(kelly) {
		return 0
	}
	if kelly > capFraction {
		return capFraction
	}
	return kelly
}

// stopRate 返回本次交易使用的止损率。
// 开启ATR动态止损且K线充足时使用 ATR×倍数/现价, 并裁剪到配置的上下限;
// 否则使用固定止损率。
func (ps *PositionSizer) stopRate(ctx *models.MarketContext) float64 {
	if !ps.cfg.UseATRStop {
		return ps.cfg.StopLossRate
	}

	series, ok := ps.atrSeries(ctx)
	if !ok {
		return ps.cfg.StopLossRate
	}

	atr := ATR(series.Candles, ps.cfg.ATRPeriod)
	if atr <= 0 || ctx.CurrentPrice <= 0 {
		return ps.cfg.StopLossRate
	}

	rate := atr * ps.cfg.ATRMultiplier / ctx.CurrentPrice
	if rate < ps.cfg.MinStopRate {
		return ps.cfg.MinStopRate
	}
	if rate > ps.cfg.MaxStopRate {
		return ps.cfg.MaxStopRate
	}
	return rate
}

// atrSeries 选择用于ATR计算的K线序列: 优先1h, 其次任意K线数量足够的周期
func (ps *PositionSizer) atrSeries(ctx *models.MarketContext) (models.MarketSeries, bool) {
	if s, ok := ctx.Series["1h"]; ok && len(s.Candles) > ps.cfg.ATRPeriod {
		return s, true
	}
	for _, s := range ctx.Series {
		if len(s.Candles) > ps.cfg.ATRPeriod {
			return s, true
		}
	}
	return models.MarketSeries{}, false
}

// ATR 计算平均真实波幅。K线不足时返回0。
func ATR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) <= period {
		return 0
	}

	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		cur := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(cur.High-cur.Low,
			math.Max(math.Abs(cur.High-prevClose), math.Abs(cur.Low-prevClose)))
		sum += tr
	}
	return sum / float64(period)
}
