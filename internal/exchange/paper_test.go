package exchange

import (
	"context"
	"testing"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperPlatform_LongRoundTrip(t *testing.T) {
	p := NewPaperPlatform(10000, 0.0004, 0)
	ctx := context.Background()
	p.SetPrice("BTCUSDT", 100)

	res, err := p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionBuy, Size: 2})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, 100.0, res.FillPrice)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideLong, positions[0].Side)
	assert.Equal(t, 2.0, positions[0].Contracts)

	p.SetPrice("BTCUSDT", 110)
	positions, _ = p.GetPositions(ctx, "BTCUSDT")
	assert.Equal(t, 20.0, positions[0].UnrealizedPnL)

	closeRes, err := p.ClosePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, closeRes.Executed)
	assert.Equal(t, models.ActionSell, closeRes.Action)

	outcomes := p.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, 20.0, outcomes[0].GrossPnL)
	// net结果扣除了双边手续费
	assert.Less(t, outcomes[0].NetPnL, outcomes[0].GrossPnL)
	assert.Equal(t, models.ActionBuy, outcomes[0].Action)

	total, _, _ := p.GetBalance(ctx)
	assert.InDelta(t, 10000+outcomes[0].NetPnL, total, 1e-9)

	positions, _ = p.GetPositions(ctx, "BTCUSDT")
	assert.Empty(t, positions)
}

func TestPaperPlatform_ShortRoundTrip(t *testing.T) {
	p := NewPaperPlatform(10000, 0, 0)
	ctx := context.Background()
	p.SetPrice("ETHUSDT", 2000)

	_, err := p.ExecuteTrade(ctx, TradeRequest{Symbol: "ETHUSDT", Action: models.ActionSell, Size: 1})
	require.NoError(t, err)

	positions, _ := p.GetPositions(ctx, "ETHUSDT")
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideShort, positions[0].Side)
	assert.Equal(t, -1.0, positions[0].Contracts)

	p.SetPrice("ETHUSDT", 1900)
	positions, _ = p.GetPositions(ctx, "ETHUSDT")
	assert.Equal(t, 100.0, positions[0].UnrealizedPnL)

	closeRes, err := p.ClosePosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.ActionBuy, closeRes.Action)

	outcomes := p.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, 100.0, outcomes[0].NetPnL)
	assert.Equal(t, models.ActionSell, outcomes[0].Action)
}

func TestPaperPlatform_SlippageMovesFillAgainstTaker(t *testing.T) {
	p := NewPaperPlatform(10000, 0, 0.001)
	ctx := context.Background()
	p.SetPrice("BTCUSDT", 100)

	buy, err := p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionBuy, Size: 1})
	require.NoError(t, err)
	assert.InDelta(t, 100.1, buy.FillPrice, 1e-9)
}

func TestPaperPlatform_Rejections(t *testing.T) {
	p := NewPaperPlatform(10000, 0, 0)
	ctx := context.Background()

	_, err := p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionBuy, Size: 1})
	assert.Error(t, err) // 没有标记价

	p.SetPrice("BTCUSDT", 100)
	_, err = p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionBuy, Size: 0})
	assert.Error(t, err) // 数量非法

	_, err = p.ClosePosition(ctx, "BTCUSDT")
	assert.Error(t, err) // 无持仓

	_, err = p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionBuy, Size: 1})
	require.NoError(t, err)
	_, err = p.ExecuteTrade(ctx, TradeRequest{Symbol: "BTCUSDT", Action: models.ActionSell, Size: 1})
	assert.Error(t, err) // 已有持仓
}

func TestConvertPositions_FiltersZeroAndParses(t *testing.T) {
	raw := []positionRisk{
		{Symbol: "BTCUSDT", PositionAmt: "0.5", EntryPrice: "50000", MarkPrice: "51000", UnRealizedProfit: "500", IsolatedMargin: "1000"},
		{Symbol: "ETHUSDT", PositionAmt: "0", EntryPrice: "0", MarkPrice: "2000", UnRealizedProfit: "0"},
		{Symbol: "SOLUSDT", PositionAmt: "-10", EntryPrice: "150", MarkPrice: "140", UnRealizedProfit: "100"},
	}

	positions := convertPositions(raw, time.Now())

	require.Len(t, positions, 2)
	assert.Equal(t, models.SideLong, positions[0].Side)
	assert.Equal(t, 0.5, positions[0].Contracts)
	assert.Equal(t, models.SideShort, positions[1].Side)
	assert.Equal(t, -10.0, positions[1].Contracts)
}
