package risk

import (
	"testing"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestMarkPosition_PnLSymmetry_Gain(t *testing.T) {
	now := time.Now()
	long := models.Position{Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Contracts: 2}
	short := models.Position{Symbol: "BTCUSDT", Side: models.SideShort, EntryPrice: 100, Contracts: -2}

	l := MarkPosition(long, 110, 1.0, now)
	s := MarkPosition(short, 90, 1.0, now)

	assert.Equal(t, 20.0, l.UnrealizedPnL)
	assert.Equal(t, 20.0, s.UnrealizedPnL)
}

func TestMarkPosition_PnLSymmetry_Loss(t *testing.T) {
	now := time.Now()
	long := models.Position{Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Contracts: 2}
	short := models.Position{Symbol: "BTCUSDT", Side: models.SideShort, EntryPrice: 100, Contracts: -2}

	l := MarkPosition(long, 90, 1.0, now)
	s := MarkPosition(short, 110, 1.0, now)

	assert.Equal(t, -20.0, l.UnrealizedPnL)
	assert.Equal(t, -20.0, s.UnrealizedPnL)
}

func TestMarkPosition_ContractMultiplier(t *testing.T) {
	now := time.Now()
	p := models.Position{Symbol: "ETHUSDT", Side: models.SideLong, EntryPrice: 2000, Contracts: 10}

	marked := MarkPosition(p, 2010, 0.1, now)

	assert.Equal(t, 10.0, marked.UnrealizedPnL)
	assert.Equal(t, 2010.0, marked.MarkPrice)
	assert.Equal(t, now, marked.UpdateTime)
}

func TestMarkPosition_RecomputedOnEveryMark(t *testing.T) {
	now := time.Now()
	p := models.Position{Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Contracts: 1}

	first := MarkPosition(p, 105, 1.0, now)
	second := MarkPosition(first, 95, 1.0, now.Add(time.Minute))

	assert.Equal(t, 5.0, first.UnrealizedPnL)
	assert.Equal(t, -5.0, second.UnrealizedPnL)
	// 原值不被原地修改
	assert.Zero(t, p.UnrealizedPnL)
}

func TestSideFromContracts(t *testing.T) {
	assert.Equal(t, models.SideLong, SideFromContracts(1.5))
	assert.Equal(t, models.SideShort, SideFromContracts(-0.2))
}

func TestStopPrice_Direction(t *testing.T) {
	// BUY 的止损在入场价下方
	assert.Equal(t, 95.0, StopPrice(models.ActionBuy, 100, 0.05))
	// SELL 的止损在入场价上方
	assert.Equal(t, 105.0, StopPrice(models.ActionSell, 100, 0.05))
}

func TestTakeProfitPrice_Direction(t *testing.T) {
	assert.InDelta(t, 110.0, TakeProfitPrice(models.ActionBuy, 100, 0.10), 1e-9)
	assert.InDelta(t, 90.0, TakeProfitPrice(models.ActionSell, 100, 0.10), 1e-9)
}
