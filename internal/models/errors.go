package models

import (
	"errors"
	"fmt"
)

// 核心流程使用的哨兵错误
var (
	// ErrIllegalTransition 表示状态机收到了转移表之外的转移请求
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrKillSwitch 表示某个熔断条件已触发
	ErrKillSwitch = errors.New("kill switch tripped")
	// ErrStaleMarketData 表示行情数据超过了允许的年龄阈值
	ErrStaleMarketData = errors.New("market data is stale")
	// ErrNoActiveProvider 表示所有顾问均不可用
	ErrNoActiveProvider = errors.New("no active advisory provider")
	// ErrInvalidBalance 表示账户余额缺失或无法解析
	ErrInvalidBalance = errors.New("balance unavailable or invalid")
	// ErrPersistence 表示决策库读写失败。该错误不可按资产跳过,
	// 决策历史状态未知时继续交易是不安全的
	ErrPersistence = errors.New("persistence failure")
)

// Error 定义了交易平台API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// 币安风格的认证/权限类错误码。
// 认证失败重试没有意义, 必须立即上抛并停止重试。
var authErrorCodes = map[int]bool{
	-1002: true, // unauthorized
	-1022: true, // invalid signature
	-2014: true, // bad api key format
	-2015: true, // invalid api key, ip or permissions
	-4056: true, // api key type not supported
}

// IsAuth 判断该错误是否为认证/权限类错误
func (e *Error) IsAuth() bool {
	return authErrorCodes[e.Code]
}

// IsAuthError 判断任意错误链中是否包含认证类平台错误
func IsAuthError(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.IsAuth()
	}
	return false
}
