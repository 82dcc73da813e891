package exchange

import (
	"context"

	"ensemble-trading-bot-go/internal/models"
)

// TradeRequest 描述一笔待执行的订单
type TradeRequest struct {
	Symbol          string
	Action          models.Action // BUY 或 SELL
	Size            float64       // 合约数量
	StopPrice       float64       // 0表示不挂止损
	TakeProfitPrice float64       // 0表示不挂止盈
	CycleID         string        // 用作客户端订单ID前缀, 幂等去重
}

// TradingPlatform 是交易平台的抽象。认证类错误(无效API Key、
// 签名错误)必须原样上抛且不重试, 瞬时网络错误带退避重试。
type TradingPlatform interface {
	// GetBalance 返回USDT计价的总权益与可用余额。
	// 余额不可用时返回models.ErrInvalidBalance, 上层转入信号模式。
	GetBalance(ctx context.Context) (total, available float64, err error)
	// GetPositions 返回指定交易对的非零持仓, symbol为空时返回全部
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	// ExecuteTrade 按市价执行订单并挂上止损/止盈保护单
	ExecuteTrade(ctx context.Context, req TradeRequest) (models.ExecutionResult, error)
	// ClosePosition 市价平掉指定交易对的持仓
	ClosePosition(ctx context.Context, symbol string) (models.ExecutionResult, error)
}
