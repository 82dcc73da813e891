package risk

import (
	"fmt"
	"math"
	"time"

	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// Verdict 是风控把关的结论
type Verdict string

const (
	VerdictAccept Verdict = "ACCEPT"
	VerdictVeto   Verdict = "VETO"
	VerdictResize Verdict = "RESIZE"
)

// CheckResult 是把关层的输出。Sizing始终是新构造的值,
// 把关层绝不就地修改调用方传入的对象, 避免跨周期的别名污染。
type CheckResult struct {
	Verdict Verdict
	Reason  string
	Sizing  models.PositionSizeResult
}

// Vetoed 报告该决策是否被否决
func (r CheckResult) Vetoed() bool { return r.Verdict == VerdictVeto }

// Gatekeeper 在EXECUTION之前对候选决策做最后一道风控检查。
// 它可以放行、否决, 或者在超出暴露限制时给出缩减后的新仓位。
type Gatekeeper struct {
	cfg      models.RiskConfig
	cooldown *Cooldown
	kill     *KillSwitch
	drawdown *DrawdownTracker
}

// NewGatekeeper 创建风控把关层
func NewGatekeeper(cfg models.RiskConfig, cooldown *Cooldown, kill *KillSwitch, drawdown *DrawdownTracker) *Gatekeeper {
	return &Gatekeeper{
		cfg:      cfg,
		cooldown: cooldown,
		kill:     kill,
		drawdown: drawdown,
	}
}

// Check 校验一个已完成仓位计算的决策。price为当前市场价, 用于暴露计算。
func (g *Gatekeeper) Check(decision *models.EnsembleDecision, sizing models.PositionSizeResult, portfolio models.PortfolioSnapshot, price float64, now time.Time) CheckResult {
	// HOLD不产生订单, 直接放行并保留原仓位结果
	if decision.Action == models.ActionHold {
		return CheckResult{Verdict: VerdictAccept, Sizing: copySizing(sizing)}
	}

	// 急停与回撤熔断: 主循环会转入RECOVERING, 这里是最后一道闸
	if g.kill != nil && g.kill.Active() {
		_, reason, _ := g.kill.Status()
		return g.veto(decision, fmt.Sprintf("kill_switch_active: %s", reason), now)
	}
	if g.drawdown != nil && g.drawdown.Exceeded(g.cfg.MaxDailyDrawdown) {
		return g.veto(decision, fmt.Sprintf("daily_drawdown_%.2f%%_exceeded", g.drawdown.DailyDrawdown()*100), now)
	}

	// 同一(交易对, 方向)仍在冷却期内
	if g.cooldown != nil {
		if active, remaining := g.cooldown.Active(decision.Symbol, decision.Action, now); active {
			return CheckResult{
				Verdict: VerdictVeto,
				Reason:  fmt.Sprintf("cooldown_remaining_%ds", int(remaining.Seconds())),
				Sizing:  copySizing(sizing),
			}
		}
	}

	// 置信度不足的信号不值得承担风险
	if g.cfg.MinConfidence > 0 && decision.Confidence < g.cfg.MinConfidence {
		return g.veto(decision, fmt.Sprintf("confidence_%.1f_below_min_%.1f", decision.Confidence, g.cfg.MinConfidence), now)
	}

	// 信号模式: 无资金指令, 无需进一步检查
	if sizing.SignalOnly {
		return CheckResult{Verdict: VerdictAccept, Sizing: copySizing(sizing)}
	}

	// 零仓位必须显式否决, 而不是放过去执行一笔空单
	if sizing.Size == nil || *sizing.Size <= 0 {
		return g.veto(decision, "zero_position_size", now)
	}

	// 最大持仓数限制 (仅对开新仓生效)
	if g.cfg.MaxOpenPositions > 0 && !hasPosition(portfolio, decision.Symbol) &&
		len(portfolio.Positions) >= g.cfg.MaxOpenPositions {
		return g.veto(decision, fmt.Sprintf("max_open_positions_%d_reached", g.cfg.MaxOpenPositions), now)
	}

	// 钱包风险暴露检查, 超限时缩减而不是直接放弃
	if g.cfg.WalletExposureLimit > 0 && portfolio.Valid && portfolio.TotalEquityUSDT > 0 && price > 0 {
		existing := positionValue(portfolio)
		newValue := *sizing.Size * price * g.cfg.ContractMultiplier
		exposure := (existing + newValue) / portfolio.TotalEquityUSDT

		if exposure > g.cfg.WalletExposureLimit {
			room := g.cfg.WalletExposureLimit*portfolio.TotalEquityUSDT - existing
			if room <= 0 {
				return g.veto(decision, "wallet_exposure_limit_reached", now)
			}
			resized := room / price / g.cfg.ContractMultiplier
			logger.S().Infof("[RISK CHECK] %s %s 仓位因暴露限制缩减: %.6f -> %.6f",
				decision.Symbol, decision.Action, *sizing.Size, resized)
			return CheckResult{
				Verdict: VerdictResize,
				Reason:  fmt.Sprintf("exposure_%.4f_exceeds_limit_%.4f", exposure, g.cfg.WalletExposureLimit),
				Sizing:  resizedCopy(sizing, resized),
			}
		}
	}

	return CheckResult{Verdict: VerdictAccept, Sizing: copySizing(sizing)}
}

// RecordVeto 将被否决的(交易对, 方向)放入冷却缓存
func (g *Gatekeeper) RecordVeto(symbol string, action models.Action, now time.Time) {
	if g.cooldown != nil {
		g.cooldown.Add(symbol, action, now)
	}
}

func (g *Gatekeeper) veto(decision *models.EnsembleDecision, reason string, now time.Time) CheckResult {
	logger.S().Infof("[RISK CHECK] 否决 %s %s: %s", decision.Symbol, decision.Action, reason)
	return CheckResult{Verdict: VerdictVeto, Reason: reason, Sizing: models.PositionSizeResult{SignalOnly: true, Basis: models.BasisSignalOnly}}
}

// copySizing 深拷贝仓位结果, 指针字段也换成新的
func copySizing(s models.PositionSizeResult) models.PositionSizeResult {
	out := models.PositionSizeResult{SignalOnly: s.SignalOnly, Basis: s.Basis}
	if s.Size != nil {
		v := *s.Size
		out.Size = &v
	}
	if s.StopLossRate != nil {
		v := *s.StopLossRate
		out.StopLossRate = &v
	}
	if s.RiskFraction != nil {
		v := *s.RiskFraction
		out.RiskFraction = &v
	}
	return out
}

// resizedCopy 返回替换了Size的新仓位结果
func resizedCopy(s models.PositionSizeResult, newSize float64) models.PositionSizeResult {
	out := copySizing(s)
	v := newSize
	out.Size = &v
	return out
}

func hasPosition(portfolio models.PortfolioSnapshot, symbol string) bool {
	for _, p := range portfolio.Positions {
		if p.Symbol == symbol && math.Abs(p.Contracts) > 0 {
			return true
		}
	}
	return false
}

// positionValue 计算当前全部持仓的名义价值
func positionValue(portfolio models.PortfolioSnapshot) float64 {
	total := 0.0
	for _, p := range portfolio.Positions {
		total += math.Abs(p.Contracts) * p.MarkPrice
	}
	return total
}
