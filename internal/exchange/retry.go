package exchange

import (
	"context"
	"time"

	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// WithRetry 以指数退避重试fn。认证/权限类错误立即上抛不重试,
// 重试无效API Key只会浪费配额并推迟告警。
func WithRetry(ctx context.Context, attempts int, initialDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if models.IsAuthError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		logger.S().Warnf("请求失败(第%d/%d次): %v, %v后重试", i+1, attempts, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
