package marketdata

import (
	"context"

	"ensemble-trading-bot-go/internal/models"
)

// Provider 是行情数据源的抽象。返回的序列必须携带FetchedAt,
// 下游靠它计算数据年龄并判断是否过期。
type Provider interface {
	// Candles 拉取指定交易对和周期的K线序列
	Candles(ctx context.Context, symbol, timeframe string, limit int) (models.MarketSeries, error)
	// CurrentPrice 返回最新成交价
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	// TopSymbols 按计价货币成交额返回排名靠前的交易对, 供资产池发现使用
	TopSymbols(ctx context.Context, quoteAsset string, limit int) ([]string, error)
}
