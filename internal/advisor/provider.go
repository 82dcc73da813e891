package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"ensemble-trading-bot-go/internal/models"

	"github.com/go-resty/resty/v2"
)

// Provider 是单个AI顾问的抽象。共识层只依赖这个接口,
// 测试中用桩实现替换真实的HTTP调用。
type Provider interface {
	// Name 返回顾问的唯一标识
	Name() string
	// Weight 返回该顾问的初始投票权重
	Weight() float64
	// Timeout 返回单次调用的超时上限, 由调用方(共识层)强制执行
	Timeout() time.Duration
	// Query 就给定的市场上下文征询一票。调用失败返回error,
	// 上层将其计为失败样本, 绝不折算为默认HOLD。
	Query(ctx context.Context, mc models.MarketContext) (models.ProviderVote, error)
}

// HTTPProvider 通过OpenAI兼容的chat completion接口咨询一个LLM顾问
type HTTPProvider struct {
	cfg     models.ProviderConfig
	client  *resty.Client
	apiKey  string
	timeout time.Duration
}

// NewHTTPProvider 创建HTTP顾问客户端。API Key从cfg.APIKeyEnv指定的
// 环境变量读取, 缺失时Query会直接报错而不是发出匿名请求。
func NewHTTPProvider(cfg models.ProviderConfig) *HTTPProvider {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPProvider{
		cfg:     cfg,
		client:  client,
		apiKey:  os.Getenv(cfg.APIKeyEnv),
		timeout: timeout,
	}
}

func (p *HTTPProvider) Name() string           { return p.cfg.Name }
func (p *HTTPProvider) Weight() float64        { return p.cfg.Weight }
func (p *HTTPProvider) Timeout() time.Duration { return p.timeout }

// chat completion的请求与响应结构 (只保留用到的字段)
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// voteResponse 是要求模型返回的JSON负载
type voteResponse struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Query 构建提示词并调用顾问, 解析出一张结构化投票
func (p *HTTPProvider) Query(ctx context.Context, mc models.MarketContext) (models.ProviderVote, error) {
	var vote models.ProviderVote

	if p.apiKey == "" {
		return vote, fmt.Errorf("provider %s: 环境变量%s未设置API Key", p.cfg.Name, p.cfg.APIKeyEnv)
	}

	reqBody := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(mc)},
		},
		Temperature: 0.2,
	}

	var chatResp chatResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.apiKey).
		SetBody(reqBody).
		SetResult(&chatResp).
		Post("/chat/completions")
	if err != nil {
		return vote, fmt.Errorf("provider %s: 请求失败: %w", p.cfg.Name, err)
	}
	if resp.IsError() {
		return vote, fmt.Errorf("provider %s: HTTP %d: %s", p.cfg.Name, resp.StatusCode(), resp.String())
	}
	if chatResp.Error != nil {
		return vote, fmt.Errorf("provider %s: API错误: %s", p.cfg.Name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return vote, fmt.Errorf("provider %s: 响应中没有choices", p.cfg.Name)
	}

	return p.parseVote(chatResp.Choices[0].Message.Content)
}

// parseVote 从模型输出中解析投票。模型偶尔会把JSON包在markdown
// 代码块里, 直接解析失败后再做一次提取。
func (p *HTTPProvider) parseVote(content string) (models.ProviderVote, error) {
	var vote models.ProviderVote
	var parsed voteResponse

	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		fenced := extractJSONBlock(content)
		if fenced == "" {
			return vote, fmt.Errorf("provider %s: 无法解析响应: %w, 原文: %s", p.cfg.Name, err, content)
		}
		if err := json.Unmarshal([]byte(fenced), &parsed); err != nil {
			return vote, fmt.Errorf("provider %s: 无法解析响应: %w, 原文: %s", p.cfg.Name, err, content)
		}
	}

	vote = models.ProviderVote{
		Provider:   p.cfg.Name,
		Action:     models.Action(strings.ToUpper(strings.TrimSpace(parsed.Action))),
		Confidence: parsed.Confidence,
		Reasoning:  strings.TrimSpace(parsed.Reasoning),
		Weight:     p.cfg.Weight,
	}
	if !vote.IsValid() {
		return models.ProviderVote{}, fmt.Errorf("provider %s: 投票非法: action=%q confidence=%.1f",
			p.cfg.Name, parsed.Action, parsed.Confidence)
	}
	return vote, nil
}

// extractJSONBlock 提取```json ... ```代码块中的内容
func extractJSONBlock(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return ""
	}
	body := text[start+3:]
	body = strings.TrimPrefix(body, "json")
	body = strings.TrimPrefix(body, "\n")
	end := strings.Index(body, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}
