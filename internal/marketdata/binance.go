package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// BinanceProvider 通过币安期货公共接口拉取行情。
// K线与价格都是公共端点, 不需要API Key。
type BinanceProvider struct {
	client *futures.Client
}

// NewBinanceProvider 创建行情客户端
func NewBinanceProvider(testnet bool) *BinanceProvider {
	futures.UseTestnet = testnet
	return &BinanceProvider{
		client: binance.NewFuturesClient("", ""),
	}
}

// Candles 拉取K线并转换为内部的序列结构, FetchedAt取当前时间
func (b *BinanceProvider) Candles(ctx context.Context, symbol, timeframe string, limit int) (models.MarketSeries, error) {
	if limit <= 0 {
		limit = 100
	}

	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return models.MarketSeries{}, fmt.Errorf("拉取%s %s K线失败: %w", symbol, timeframe, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := convertKline(k)
		if err != nil {
			return models.MarketSeries{}, fmt.Errorf("解析%s %s K线失败: %w", symbol, timeframe, err)
		}
		candles = append(candles, c)
	}

	return models.MarketSeries{
		Timeframe: timeframe,
		Candles:   candles,
		FetchedAt: time.Now(),
	}, nil
}

// CurrentPrice 返回最新成交价
func (b *BinanceProvider) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取%s最新价失败: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("未找到%s的价格", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// TopSymbols 按24小时计价成交额倒序返回交易对
func (b *BinanceProvider) TopSymbols(ctx context.Context, quoteAsset string, limit int) ([]string, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取24小时行情统计失败: %w", err)
	}

	type volumeEntry struct {
		symbol string
		volume float64
	}
	entries := make([]volumeEntry, 0, len(stats))
	for _, s := range stats {
		if !strings.HasSuffix(s.Symbol, quoteAsset) {
			continue
		}
		vol, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			continue
		}
		entries = append(entries, volumeEntry{symbol: s.Symbol, volume: vol})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].volume > entries[j].volume })

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.symbol
	}
	return symbols, nil
}

// convertKline 把币安的字符串K线转换为数值型Candle
func convertKline(k *futures.Kline) (models.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return models.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return models.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return models.Candle{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.Candle{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Candle{}, err
	}

	return models.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		CloseTime: time.UnixMilli(k.CloseTime),
	}, nil
}
