package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// LivePlatform 通过币安期货REST API执行真实交易
type LivePlatform struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	timeOffset int64

	retryAttempts int
	retryDelay    time.Duration
}

// NewLivePlatform 创建实盘交易客户端, 并与服务器同步时间
func NewLivePlatform(apiKey, secretKey string, cfg models.PlatformConfig) (*LivePlatform, error) {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	p := &LivePlatform{
		apiKey:        apiKey,
		secretKey:     secretKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		retryAttempts: attempts,
		retryDelay:    delay,
	}

	if err := p.syncTime(context.Background()); err != nil {
		return nil, fmt.Errorf("与服务器同步时间失败: %w", err)
	}
	return p, nil
}

// syncTime 计算与服务器的时间偏移, 签名请求的时间戳依赖它
func (p *LivePlatform) syncTime(ctx context.Context) error {
	data, err := p.doRequest(ctx, "GET", "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	p.timeOffset = resp.ServerTime - time.Now().UnixMilli()
	logger.S().Infof("服务器时间同步完成, 偏移%dms", p.timeOffset)
	return nil
}

// doRequest 发送一次API请求, 签名请求自动附加时间戳与HMAC签名
func (p *LivePlatform) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + p.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = fmt.Sprintf("%s&signature=%s", payload, p.sign(payload))
	} else {
		encodedParams = queryParams.Encode()
	}

	fullURL := p.baseURL + endpoint
	var req *http.Request
	var err error
	if method == http.MethodGet {
		if encodedParams != "" {
			fullURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiErr models.Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (p *LivePlatform) sign(data string) string {
	h := hmac.New(sha256.New, []byte(p.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// signedRequest 是带重试的签名请求入口
func (p *LivePlatform) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	var data []byte
	err := WithRetry(ctx, p.retryAttempts, p.retryDelay, func() error {
		var reqErr error
		data, reqErr = p.doRequest(ctx, method, endpoint, params, true)
		return reqErr
	})
	return data, err
}

// GetBalance 返回USDT总权益与可用余额
func (p *LivePlatform) GetBalance(ctx context.Context) (float64, float64, error) {
	data, err := p.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("获取账户余额失败: %w", err)
	}

	var balances []models.Balance
	if err := json.Unmarshal(data, &balances); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", models.ErrInvalidBalance, err)
	}

	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}
		total, err1 := strconv.ParseFloat(b.Balance, 64)
		available, err2 := strconv.ParseFloat(b.AvailableBalance, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("%w: 无法解析USDT余额", models.ErrInvalidBalance)
		}
		return total, available, nil
	}
	return 0, 0, fmt.Errorf("%w: 未找到USDT余额", models.ErrInvalidBalance)
}

// positionRisk 是positionRisk端点的原始响应条目
type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	IsolatedMargin   string `json:"isolatedMargin"`
}

// GetPositions 返回非零持仓
func (p *LivePlatform) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	data, err := p.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}

	var raw []positionRisk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析持仓数据失败: %w", err)
	}
	return convertPositions(raw, time.Now()), nil
}

// convertPositions 过滤零仓位并转换为内部结构
func convertPositions(raw []positionRisk, now time.Time) []models.Position {
	var out []models.Position
	for _, r := range raw {
		contracts, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || contracts == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		margin, _ := strconv.ParseFloat(r.IsolatedMargin, 64)

		side := models.SideLong
		if contracts < 0 {
			side = models.SideShort
		}
		out = append(out, models.Position{
			Symbol:        r.Symbol,
			Side:          side,
			EntryPrice:    entry,
			Contracts:     contracts,
			MarkPrice:     mark,
			UnrealizedPnL: pnl,
			Margin:        margin,
			UpdateTime:    now,
		})
	}
	return out
}

// ExecuteTrade 市价开仓, 成交后挂止损/止盈保护单。
// 保护单失败不回滚已成交的市价单, 错误记录在结果里由上层处理。
func (p *LivePlatform) ExecuteTrade(ctx context.Context, req TradeRequest) (models.ExecutionResult, error) {
	result := models.ExecutionResult{
		Symbol:     req.Symbol,
		Action:     req.Action,
		Size:       req.Size,
		ExecutedAt: time.Now(),
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Action))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(req.Size, 'f', -1, 64))
	if req.CycleID != "" {
		params.Set("newClientOrderId", fmt.Sprintf("ens-%s-%s", req.CycleID, strings.ToLower(string(req.Action))))
	}
	params.Set("newOrderRespType", "RESULT")

	data, err := p.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("市价单失败: %w", err)
	}

	var order struct {
		OrderID  int64  `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("解析下单响应失败: %w", err)
	}
	result.Executed = true
	result.OrderID = strconv.FormatInt(order.OrderID, 10)
	result.FillPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)

	if req.StopPrice > 0 {
		if err := p.placeProtective(ctx, req, "STOP_MARKET", req.StopPrice); err != nil {
			logger.S().Errorf("[%s] 止损单挂单失败: %v", req.Symbol, err)
			result.Error = fmt.Sprintf("stop order failed: %v", err)
		}
	}
	if req.TakeProfitPrice > 0 {
		if err := p.placeProtective(ctx, req, "TAKE_PROFIT_MARKET", req.TakeProfitPrice); err != nil {
			logger.S().Errorf("[%s] 止盈单挂单失败: %v", req.Symbol, err)
			result.Error = fmt.Sprintf("take profit order failed: %v", err)
		}
	}
	return result, nil
}

// placeProtective 挂平仓方向的条件市价单
func (p *LivePlatform) placeProtective(ctx context.Context, req TradeRequest, orderType string, triggerPrice float64) error {
	closeSide := models.ActionSell
	if req.Action == models.ActionSell {
		closeSide = models.ActionBuy
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(closeSide))
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(triggerPrice, 'f', -1, 64))
	params.Set("closePosition", "true")

	_, err := p.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	return err
}

// ClosePosition 市价平掉指定交易对的全部持仓
func (p *LivePlatform) ClosePosition(ctx context.Context, symbol string) (models.ExecutionResult, error) {
	result := models.ExecutionResult{Symbol: symbol, ExecutedAt: time.Now()}

	positions, err := p.GetPositions(ctx, symbol)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if len(positions) == 0 {
		return result, fmt.Errorf("没有%s的持仓可平", symbol)
	}

	pos := positions[0]
	closeSide := models.ActionSell
	if pos.Contracts < 0 {
		closeSide = models.ActionBuy
	}
	qty := pos.Contracts
	if qty < 0 {
		qty = -qty
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(closeSide))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("newOrderRespType", "RESULT")

	data, err := p.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("平仓单失败: %w", err)
	}

	var order struct {
		OrderID  int64  `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &order); err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Executed = true
	result.Action = closeSide
	result.Size = qty
	result.OrderID = strconv.FormatInt(order.OrderID, 10)
	result.FillPrice, _ = strconv.ParseFloat(order.AvgPrice, 64)
	return result, nil
}
