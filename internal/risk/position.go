package risk

import (
	"math"
	"time"

	"ensemble-trading-bot-go/internal/models"
)

// SideFromContracts 根据带符号的合约数推导持仓方向
func SideFromContracts(contracts float64) models.PositionSide {
	if contracts < 0 {
		return models.SideShort
	}
	return models.SideLong
}

// MarkPosition 用最新标记价格重算一笔持仓, 返回新的拷贝。
// 未实现盈亏必须在每次标记时重算, 残留开仓时的旧值会让
// 依赖它的止损检查完全失效。
//
// 多头: (mark - entry) * |contracts| * multiplier
// 空头: (entry - mark) * |contracts| * multiplier
func MarkPosition(p models.Position, markPrice, multiplier float64, now time.Time) models.Position {
	marked := p
	marked.MarkPrice = markPrice
	marked.Side = SideFromContracts(p.Contracts)
	marked.UpdateTime = now

	qty := math.Abs(p.Contracts)
	switch marked.Side {
	case models.SideLong:
		marked.UnrealizedPnL = (markPrice - p.EntryPrice) * qty * multiplier
	case models.SideShort:
		marked.UnrealizedPnL = (p.EntryPrice - markPrice) * qty * multiplier
	}
	return marked
}

// StopPrice 计算给定方向的止损价。
// 做多(BUY)用下方止损; 做空(SELL)用上方止损。
// 方向弄反会悄悄算错风险, 这里集中处理。
func StopPrice(action models.Action, entryPrice, stopRate float64) float64 {
	switch action {
	case models.ActionBuy:
		return entryPrice * (1 - stopRate)
	case models.ActionSell:
		return entryPrice * (1 + stopRate)
	}
	return 0
}

// TakeProfitPrice 计算给定方向的止盈价, rate为0时返回0(不挂止盈)
func TakeProfitPrice(action models.Action, entryPrice, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	switch action {
	case models.ActionBuy:
		return entryPrice * (1 + rate)
	case models.ActionSell:
		return entryPrice * (1 - rate)
	}
	return 0
}
