package advisor

import (
	"fmt"
	"sort"
	"strings"

	"ensemble-trading-bot-go/internal/models"
)

const systemPrompt = `You are a cryptocurrency perpetual futures trading advisor.
You will receive a market snapshot for one symbol: recent candles across several
timeframes, the current account state and lessons learned from past trades.

Respond with a single JSON object and nothing else:

{"action": "BUY" | "SELL" | "HOLD", "confidence": <number 0-100>, "reasoning": "<one or two sentences>"}

Rules:
- "action" must be exactly BUY, SELL or HOLD.
- "confidence" is how strongly you hold the view, 0 to 100.
- Recommend HOLD when the picture is mixed or unclear.
- Do not wrap the JSON in markdown fences.`

// buildUserPrompt 把市场上下文压缩成一段提示词。
// 不直接序列化整个K线数组, 每个周期只给摘要, 控制token开销。
func buildUserPrompt(mc models.MarketContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s\n", mc.Symbol)
	fmt.Fprintf(&b, "Current price: %.6g\n\n", mc.CurrentPrice)

	b.WriteString("Market data:\n")
	for _, tf := range sortedTimeframes(mc.Series) {
		s := mc.Series[tf]
		b.WriteString(summarizeSeries(tf, s))
	}

	b.WriteString("\nAccount:\n")
	if mc.Portfolio.Valid {
		fmt.Fprintf(&b, "- total equity: %.2f USDT, available: %.2f USDT\n",
			mc.Portfolio.TotalEquityUSDT, mc.Portfolio.AvailableUSDT)
		for _, pos := range mc.Portfolio.Positions {
			fmt.Fprintf(&b, "- open position: %s %s %.6g @ %.6g, unrealized PnL %.2f\n",
				pos.Symbol, pos.Side, pos.Contracts, pos.EntryPrice, pos.UnrealizedPnL)
		}
	} else {
		b.WriteString("- balance unavailable, advise on signal only\n")
	}

	if len(mc.Lessons) > 0 {
		b.WriteString("\nLessons from past trades:\n")
		for _, l := range mc.Lessons {
			fmt.Fprintf(&b, "- [%s, net %.2f] %s\n", l.Symbol, l.NetPnL, l.Summary)
		}
	}

	b.WriteString("\nGive your vote as the JSON object described in the system prompt.")
	return b.String()
}

// summarizeSeries 给出单个周期的摘要: 收盘走势、区间高低、量能
func summarizeSeries(tf string, s models.MarketSeries) string {
	n := len(s.Candles)
	if n == 0 {
		return fmt.Sprintf("- %s: no data\n", tf)
	}

	first := s.Candles[0]
	last := s.Candles[n-1]

	high := first.High
	low := first.Low
	var volume float64
	for _, c := range s.Candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
		volume += c.Volume
	}

	changePct := 0.0
	if first.Open != 0 {
		changePct = (last.Close - first.Open) / first.Open * 100
	}

	return fmt.Sprintf("- %s (%d candles): open %.6g -> close %.6g (%+.2f%%), range [%.6g, %.6g], volume %.6g\n",
		tf, n, first.Open, last.Close, changePct, low, high, volume)
}

// sortedTimeframes 保证提示词中的周期顺序稳定
func sortedTimeframes(series map[string]models.MarketSeries) []string {
	tfs := make([]string, 0, len(series))
	for tf := range series {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool {
		return timeframeRank(tfs[i]) < timeframeRank(tfs[j])
	})
	return tfs
}

var timeframeOrder = map[string]int{
	"1m": 1, "3m": 2, "5m": 3, "15m": 4, "30m": 5,
	"1h": 6, "2h": 7, "4h": 8, "6h": 9, "12h": 10,
	"1d": 11, "3d": 12, "1w": 13,
}

func timeframeRank(tf string) int {
	if r, ok := timeframeOrder[tf]; ok {
		return r
	}
	return 100
}
