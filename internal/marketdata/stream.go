package marketdata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/logger"

	"github.com/gorilla/websocket"
)

// PriceStream 订阅币安期货的miniTicker流, 维护一份最新价缓存。
// 连接断开后带退避自动重连, 重连期间缓存保留最后一次报价,
// 调用方通过时间戳自行判断报价是否太旧。
type PriceStream struct {
	wsBaseURL string
	symbols   []string

	mu     sync.RWMutex
	prices map[string]streamPrice

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type streamPrice struct {
	price     float64
	updatedAt time.Time
}

// miniTickerEvent 是币安miniTicker推送中用到的字段
type miniTickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// NewPriceStream 创建价格流。wsBaseURL形如 wss://fstream.binance.com。
func NewPriceStream(wsBaseURL string, symbols []string) *PriceStream {
	return &PriceStream{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		symbols:   append([]string{}, symbols...),
		prices:    make(map[string]streamPrice),
		stopChan:  make(chan struct{}),
	}
}

// Start 为每个交易对启动一条订阅连接
func (ps *PriceStream) Start() {
	for _, symbol := range ps.symbols {
		ps.wg.Add(1)
		go ps.run(symbol)
	}
}

// Stop 关闭所有连接并等待读取协程退出
func (ps *PriceStream) Stop() {
	ps.stopOnce.Do(func() { close(ps.stopChan) })
	ps.wg.Wait()
}

// Price 返回某交易对的最新报价及其更新时间
func (ps *PriceStream) Price(symbol string) (float64, time.Time, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.prices[symbol]
	return p.price, p.updatedAt, ok
}

// run 维护单个交易对的连接, 断开后退避重连
func (ps *PriceStream) run(symbol string) {
	defer ps.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-ps.stopChan:
			return
		default:
		}

		if err := ps.consume(symbol); err != nil {
			logger.S().Warnf("[%s] 价格流断开: %v, %v后重连", symbol, err, backoff)
		}

		select {
		case <-ps.stopChan:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// consume 建立一条连接并持续读取, 返回时连接已关闭
func (ps *PriceStream) consume(symbol string) error {
	url := fmt.Sprintf("%s/ws/%s@miniTicker", ps.wsBaseURL, strings.ToLower(symbol))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("无法连接到价格流: %w", err)
	}
	defer conn.Close()

	// 币安服务端会发ping, 回pong即可维持连接
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ps.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ps.stopChan:
				return nil
			default:
				return err
			}
		}

		price, sym, err := parseMiniTicker(payload)
		if err != nil {
			logger.S().Debugf("[%s] 忽略无法解析的推送: %v", symbol, err)
			continue
		}
		ps.update(sym, price, time.Now())
	}
}

func (ps *PriceStream) update(symbol string, price float64, at time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.prices[symbol] = streamPrice{price: price, updatedAt: at}
}

// parseMiniTicker 解析miniTicker推送, 返回最新价与交易对
func parseMiniTicker(payload []byte) (float64, string, error) {
	var ev miniTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return 0, "", err
	}
	if ev.EventType != "24hrMiniTicker" || ev.Symbol == "" {
		return 0, "", fmt.Errorf("不是miniTicker事件: %s", ev.EventType)
	}
	price, err := strconv.ParseFloat(ev.Close, 64)
	if err != nil {
		return 0, "", fmt.Errorf("无法解析价格%q: %w", ev.Close, err)
	}
	return price, ev.Symbol, nil
}
