package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/google/uuid"
)

// PaperPlatform 是内存中的模拟交易平台, 用于信号模式和测试。
// 成交价在标记价基础上按配置的滑点偏移, 平仓时结算净收益。
type PaperPlatform struct {
	mu           sync.Mutex
	total        float64
	available    float64
	prices       map[string]float64
	positions    map[string]models.Position
	outcomes     []models.TradeOutcome
	feeRate      float64
	slippageRate float64
}

// NewPaperPlatform 创建模拟平台
func NewPaperPlatform(initialBalance, feeRate, slippageRate float64) *PaperPlatform {
	return &PaperPlatform{
		total:        initialBalance,
		available:    initialBalance,
		prices:       make(map[string]float64),
		positions:    make(map[string]models.Position),
		feeRate:      feeRate,
		slippageRate: slippageRate,
	}
}

// SetPrice 设置某交易对的标记价, 持仓按新价重算浮盈
func (p *PaperPlatform) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	if pos, ok := p.positions[symbol]; ok {
		qty := pos.Contracts
		if qty < 0 {
			qty = -qty
		}
		if pos.Side == models.SideLong {
			pos.UnrealizedPnL = (price - pos.EntryPrice) * qty
		} else {
			pos.UnrealizedPnL = (pos.EntryPrice - price) * qty
		}
		pos.MarkPrice = price
		pos.UpdateTime = time.Now()
		p.positions[symbol] = pos
	}
}

func (p *PaperPlatform) GetBalance(ctx context.Context) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.available, nil
}

func (p *PaperPlatform) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.Position
	for _, pos := range p.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out, nil
}

// ExecuteTrade 以标记价加滑点模拟成交
func (p *PaperPlatform) ExecuteTrade(ctx context.Context, req TradeRequest) (models.ExecutionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := models.ExecutionResult{
		Symbol:     req.Symbol,
		Action:     req.Action,
		Size:       req.Size,
		ExecutedAt: time.Now(),
	}

	price, ok := p.prices[req.Symbol]
	if !ok || price <= 0 {
		result.Error = "no mark price set"
		return result, fmt.Errorf("模拟平台没有%s的标记价", req.Symbol)
	}
	if req.Size <= 0 {
		result.Error = "invalid size"
		return result, fmt.Errorf("非法的下单数量: %f", req.Size)
	}
	if _, exists := p.positions[req.Symbol]; exists {
		result.Error = "position already open"
		return result, fmt.Errorf("%s已有持仓", req.Symbol)
	}

	fill := price * (1 + p.slippageRate)
	contracts := req.Size
	side := models.SideLong
	if req.Action == models.ActionSell {
		fill = price * (1 - p.slippageRate)
		contracts = -req.Size
		side = models.SideShort
	}

	p.positions[req.Symbol] = models.Position{
		Symbol:     req.Symbol,
		Side:       side,
		EntryPrice: fill,
		Contracts:  contracts,
		MarkPrice:  fill,
		UpdateTime: time.Now(),
	}

	result.Executed = true
	result.OrderID = uuid.NewString()
	result.FillPrice = fill
	return result, nil
}

// ClosePosition 平仓并把净收益结算进余额
func (p *PaperPlatform) ClosePosition(ctx context.Context, symbol string) (models.ExecutionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := models.ExecutionResult{Symbol: symbol, ExecutedAt: time.Now()}

	pos, ok := p.positions[symbol]
	if !ok {
		result.Error = "no open position"
		return result, fmt.Errorf("没有%s的持仓可平", symbol)
	}
	price, ok := p.prices[symbol]
	if !ok || price <= 0 {
		result.Error = "no mark price set"
		return result, fmt.Errorf("模拟平台没有%s的标记价", symbol)
	}

	qty := pos.Contracts
	closeSide := models.ActionSell
	openAction := models.ActionBuy
	if qty < 0 {
		qty = -qty
		closeSide = models.ActionBuy
		openAction = models.ActionSell
	}

	fill := price * (1 - p.slippageRate)
	gross := (fill - pos.EntryPrice) * qty
	if pos.Side == models.SideShort {
		fill = price * (1 + p.slippageRate)
		gross = (pos.EntryPrice - fill) * qty
	}

	fees := (pos.EntryPrice + fill) * qty * p.feeRate
	slippage := (pos.EntryPrice + fill) * qty * p.slippageRate
	net := gross - fees

	p.total += net
	p.available += net
	delete(p.positions, symbol)

	p.outcomes = append(p.outcomes, models.TradeOutcome{
		Symbol:       symbol,
		Action:       openAction,
		GrossPnL:     gross,
		Fees:         fees,
		Slippage:     slippage,
		NetPnL:       net,
		HoldDuration: time.Since(pos.UpdateTime),
		ExitReason:   "manual_close",
		ClosedAt:     time.Now(),
	})

	result.Executed = true
	result.Action = closeSide
	result.Size = qty
	result.OrderID = uuid.NewString()
	result.FillPrice = fill
	return result, nil
}

// Outcomes 返回已平仓交易的结果副本
func (p *PaperPlatform) Outcomes() []models.TradeOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TradeOutcome{}, p.outcomes...)
}
