package reporter

import (
	"fmt"
	"io"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储一个交易时段的性能指标
type Metrics struct {
	StartTime     time.Time
	EndTime       time.Time
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // 百分比
	NetPnL        float64
	GrossPnL      float64
	TotalFees     float64
	ProfitFactor  float64 // 总盈利/总亏损
	AvgWin        float64
	AvgLoss       float64
	MaxDrawdown   float64 // 百分比, 基于累计净值曲线
}

// providerRow 是单个顾问的命中统计
type providerRow struct {
	name   string
	trades int
	wins   int
}

// SessionReport 汇总一个时段的交易结果与顾问表现
type SessionReport struct {
	metrics   Metrics
	providers []providerRow
	decisions int
	vetoes    int
}

// Build 根据已平仓交易与决策记录计算报告
func Build(outcomes []models.TradeOutcome, decisions []models.DecisionRecord, start, end time.Time) *SessionReport {
	r := &SessionReport{}
	r.metrics = calculateMetrics(outcomes, start, end)
	r.providers = providerAccuracy(outcomes)

	for _, d := range decisions {
		r.decisions++
		if d.Vetoed {
			r.vetoes++
		}
	}
	return r
}

// calculateMetrics 从已平仓交易计算总体指标, 一律使用净收益
func calculateMetrics(outcomes []models.TradeOutcome, start, end time.Time) Metrics {
	m := Metrics{StartTime: start, EndTime: end, TotalTrades: len(outcomes)}

	var winSum, lossSum float64
	equity := 0.0
	peak := 0.0
	for _, out := range outcomes {
		m.NetPnL += out.NetPnL
		m.GrossPnL += out.GrossPnL
		m.TotalFees += out.Fees

		if out.NetPnL > 0 {
			m.WinningTrades++
			winSum += out.NetPnL
		} else if out.NetPnL < 0 {
			m.LosingTrades++
			lossSum += -out.NetPnL
		}

		// 以逐笔累计净值近似回撤曲线
		equity += out.NetPnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.WinningTrades > 0 {
		m.AvgWin = winSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = lossSum / float64(m.LosingTrades)
	}
	if lossSum > 0 {
		m.ProfitFactor = winSum / lossSum
	}
	return m
}

// providerAccuracy 统计每个顾问被归因的交易数与命中数
func providerAccuracy(outcomes []models.TradeOutcome) []providerRow {
	index := map[string]int{}
	var rows []providerRow

	for _, out := range outcomes {
		for _, name := range out.Providers {
			i, ok := index[name]
			if !ok {
				i = len(rows)
				index[name] = i
				rows = append(rows, providerRow{name: name})
			}
			rows[i].trades++
			if out.NetPnL > 0 {
				rows[i].wins++
			}
		}
	}
	return rows
}

// Render 将报告渲染到给定的输出
func (r *SessionReport) Render(w io.Writer) {
	m := r.metrics

	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetTitle("交易时段报告 %s - %s",
		m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))
	summary.AppendRows([]table.Row{
		{"决策总数", r.decisions},
		{"被否决", r.vetoes},
		{"平仓交易", m.TotalTrades},
		{"盈利/亏损", fmt.Sprintf("%d / %d", m.WinningTrades, m.LosingTrades)},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"净收益", fmt.Sprintf("%.2f USDT", m.NetPnL)},
		{"总手续费", fmt.Sprintf("%.2f USDT", m.TotalFees)},
		{"盈利因子", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"平均盈利/亏损", fmt.Sprintf("%.2f / %.2f", m.AvgWin, m.AvgLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	summary.Render()

	if len(r.providers) == 0 {
		return
	}

	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.SetTitle("顾问命中统计")
	pt.AppendHeader(table.Row{"顾问", "归因交易", "命中", "命中率"})
	for _, row := range r.providers {
		rate := 0.0
		if row.trades > 0 {
			rate = float64(row.wins) / float64(row.trades) * 100
		}
		pt.AppendRow(table.Row{row.name, row.trades, row.wins, fmt.Sprintf("%.1f%%", rate)})
	}
	pt.Render()
}

// Metrics 返回计算出的指标, 供测试与调用方检查
func (r *SessionReport) Metrics() Metrics {
	return r.metrics
}
