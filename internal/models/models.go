package models

import (
	"time"
)

// Action 定义了决策的交易方向
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// IsValid 检查是否为合法的交易方向
func (a Action) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// PositionSide 定义了持仓方向
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	DBPath              string           `json:"db_path"`               // 数据库文件路径
	Symbols             []string         `json:"symbols"`               // 初始交易对列表, e.g., ["BTCUSDT", "ETHUSDT"]
	Timeframes          []string         `json:"timeframes"`            // 分析使用的K线周期, e.g., ["5m", "1h", "1d"]
	AnalysisIntervalSec int              `json:"analysis_interval_sec"` // 两轮分析之间的休眠时间(秒)
	CycleAssetBudget    int              `json:"cycle_asset_budget"`    // 单轮循环内最多处理的交易对数量, 0表示不限制
	MaxCycleFailures    int              `json:"max_cycle_failures"`    // 连续失败周期的上限, 超过后主循环停止
	Platform            PlatformConfig   `json:"platform"`              // 交易平台配置
	MarketData          MarketDataConfig `json:"market_data"`           // 行情数据配置
	Providers           []ProviderConfig `json:"providers"`             // AI顾问配置列表
	Consensus           ConsensusConfig  `json:"consensus"`             // 共识聚合配置
	Risk                RiskConfig       `json:"risk"`                  // 风控配置
	Universe            UniverseConfig   `json:"universe"`              // 交易对发现配置
	LogConfig           LogConfig        `json:"log"`                   // 日志配置
}

// PlatformConfig 定义了交易平台(交易所)相关的配置
type PlatformConfig struct {
	IsTestnet           bool    `json:"is_testnet"` // 是否使用测试网
	LiveAPIURL          string  `json:"live_api_url"`
	TestnetAPIURL       string  `json:"testnet_api_url"`
	BaseURL             string  `json:"base_url,omitempty"` // REST API基础地址 (将由程序动态设置)
	SignalOnly          bool    `json:"signal_only"`        // 仅生成信号, 不真实下单
	Leverage            int     `json:"leverage"`           // 杠杆倍数
	TakerFeeRate        float64 `json:"taker_fee_rate"`     // 吃单手续费率, 用于净收益统计
	SlippageRate        float64 `json:"slippage_rate"`      // 预估滑点率, 用于净收益统计
	RetryAttempts       int     `json:"retry_attempts"`     // 瞬时失败时的重试次数
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"`
}

// MarketDataConfig 定义了行情数据相关的配置
type MarketDataConfig struct {
	WSBaseURL             string         `json:"ws_base_url"`             // WebSocket基础地址
	KlineLimit            int            `json:"kline_limit"`             // 每个周期拉取的K线数量
	StalenessThresholdSec map[string]int `json:"staleness_threshold_sec"` // 各周期允许的最大数据年龄(秒)
}

// ProviderConfig 定义了一个AI顾问的接入配置
type ProviderConfig struct {
	Name       string  `json:"name"`        // 顾问标识, e.g., "deepseek"
	BaseURL    string  `json:"base_url"`    // OpenAI兼容的chat completion地址
	Model      string  `json:"model"`       // 模型名称
	APIKeyEnv  string  `json:"api_key_env"` // 存放API Key的环境变量名
	Weight     float64 `json:"weight"`      // 初始投票权重
	TimeoutSec int     `json:"timeout_sec"` // 单次调用超时(秒)
	Enabled    bool    `json:"enabled"`
}

// ConsensusConfig 定义了共识聚合的参数
type ConsensusConfig struct {
	MinQuorum        int    `json:"min_quorum"`        // 加权投票所需的最少存活顾问数
	PriorityProvider string `json:"priority_provider"` // 本地优先模式下首先咨询的顾问, 为空则禁用
}

// RiskConfig 定义了风控与仓位计算的参数
type RiskConfig struct {
	RiskFraction        float64 `json:"risk_fraction"`         // 单笔交易愿意承担的权益比例, e.g., 0.01
	StopLossRate        float64 `json:"stop_loss_rate"`        // 固定止损率, e.g., 0.02
	UseATRStop          bool    `json:"use_atr_stop"`          // 是否使用ATR动态止损
	ATRPeriod           int     `json:"atr_period"`            // ATR计算周期
	ATRMultiplier       float64 `json:"atr_multiplier"`        // ATR止损倍数
	MinStopRate         float64 `json:"min_stop_rate"`         // 动态止损率下限
	MaxStopRate         float64 `json:"max_stop_rate"`         // 动态止损率上限
	TakeProfitRate      float64 `json:"take_profit_rate"`      // 止盈率, 0表示不挂止盈
	KellyEnabled        bool    `json:"kelly_enabled"`         // 是否启用凯利公式仓位
	KellyCap            float64 `json:"kelly_cap"`             // 凯利比例上限, e.g., 0.25 (即1/4凯利)
	KellyMinLosses      int     `json:"kelly_min_losses"`      // 启用凯利前要求的最少亏损样本数
	MinConfidence       float64 `json:"min_confidence"`        // 低于该置信度的决策直接降级为HOLD
	WalletExposureLimit float64 `json:"wallet_exposure_limit"` // 钱包风险暴露上限
	MaxOpenPositions    int     `json:"max_open_positions"`    // 最大同时持仓数
	MaxDailyDrawdown    float64 `json:"max_daily_drawdown"`    // 单日最大回撤比例, 超过则熔断
	CooldownTTLSec      int     `json:"cooldown_ttl_sec"`      // 被否决决策的冷却时间(秒)
	ContractMultiplier  float64 `json:"contract_multiplier"`   // 合约乘数, USDT本位合约为1
}

// UniverseConfig 定义了交易对自动发现的参数
type UniverseConfig struct {
	DiscoveryEnabled     bool   `json:"discovery_enabled"`      // 是否启用后台交易对发现
	DiscoveryIntervalSec int    `json:"discovery_interval_sec"` // 发现任务的运行间隔(秒)
	QuoteAsset           string `json:"quote_asset"`            // 计价货币, e.g., "USDT"
	MaxAssets            int    `json:"max_assets"`             // 交易对上限
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Candle 定义了一根K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// MarketSeries 是某个周期的K线序列及其抓取时间
type MarketSeries struct {
	Timeframe string    `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"` // 用于计算数据年龄
}

// Age 返回该序列相对于now的数据年龄
func (s MarketSeries) Age(now time.Time) time.Duration {
	if s.FetchedAt.IsZero() {
		return time.Duration(1<<63 - 1) // 无抓取时间视为无限陈旧
	}
	return now.Sub(s.FetchedAt)
}

// PortfolioSnapshot 是构建决策上下文时的账户快照
type PortfolioSnapshot struct {
	Valid           bool       `json:"valid"` // 余额不可用或解析失败时为false
	TotalEquityUSDT float64    `json:"total_equity_usdt"`
	AvailableUSDT   float64    `json:"available_usdt"`
	Positions       []Position `json:"positions"`
}

// MarketContext 是一次决策所使用的全部市场信息快照。
// 在PERCEPTION阶段构建, 传入下游后不再修改。
type MarketContext struct {
	CycleID         string                   `json:"cycle_id"`
	Symbol          string                   `json:"symbol"`
	CurrentPrice    float64                  `json:"current_price"`
	Series          map[string]MarketSeries  `json:"series"`   // timeframe -> K线序列
	DataAge         map[string]time.Duration `json:"data_age"` // timeframe -> 数据年龄
	StaleTimeframes []string                 `json:"stale_timeframes,omitempty"`
	Portfolio       PortfolioSnapshot        `json:"portfolio"`
	Lessons         []Lesson                 `json:"lessons,omitempty"` // 历史教训摘要
	BuiltAt         time.Time                `json:"built_at"`
}

// IsStale 报告该上下文是否包含超过阈值的过期数据
func (c *MarketContext) IsStale() bool {
	return len(c.StaleTimeframes) > 0
}

// ProviderVote 是单个AI顾问的意见
type ProviderVote struct {
	Provider   string  `json:"provider"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"` // [0, 100]
	Reasoning  string  `json:"reasoning"`
	Weight     float64 `json:"weight"` // 聚合时使用的(调整后)权重
}

// IsValid 检查投票的字段是否在允许范围内。
// 非法投票与调用失败同等对待, 绝不折算为默认HOLD。
func (v ProviderVote) IsValid() bool {
	return v.Action.IsValid() && v.Confidence >= 0 && v.Confidence <= 100
}

// ProviderFailure 记录一次顾问调用失败
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// FallbackTier 标识共识聚合实际使用的层级
type FallbackTier string

const (
	TierWeighted FallbackTier = "WEIGHTED"        // 正常加权投票
	TierMajority FallbackTier = "SIMPLE_MAJORITY" // 存活数不足, 退化为简单多数
	TierSingle   FallbackTier = "SINGLE_PROVIDER" // 仅剩一个顾问
	TierNone     FallbackTier = "NO_PROVIDER"     // 全部失败, 强制HOLD
)

// EnsembleDecision 是共识聚合后的最终决策
type EnsembleDecision struct {
	Symbol          string             `json:"symbol"`
	Action          Action             `json:"action"`
	Confidence      float64            `json:"confidence"` // 已按失败率折减
	Reasoning       string             `json:"reasoning"`
	Votes           []ProviderVote     `json:"votes"`  // 实际参与聚合的投票
	Failed          []ProviderFailure  `json:"failed"` // 失败/非法的顾问
	OriginalWeights map[string]float64 `json:"original_weights"`
	AdjustedWeights map[string]float64 `json:"adjusted_weights"` // 存活顾问的归一化权重
	Tier            FallbackTier       `json:"tier"`
	AgreementScore  float64            `json:"agreement_score"` // 存活顾问间的一致度 [0,1]
	StaleDowngrade  bool               `json:"stale_downgrade"` // 因数据过期被强制HOLD
	CreatedAt       time.Time          `json:"created_at"`
}

// SizingBasis 标识仓位计算所采用的公式
type SizingBasis string

const (
	BasisFixedFraction SizingBasis = "FIXED_FRACTION"
	BasisKelly         SizingBasis = "KELLY"
	BasisSignalOnly    SizingBasis = "SIGNAL_ONLY"
)

// PositionSizeResult 是风控计算出的资金指令。
// SignalOnly为true时, Size/StopLossRate/RiskFraction均为nil,
// 决策仍然有效(动作+置信度+理由), 只是不携带仓位信息。
type PositionSizeResult struct {
	SignalOnly   bool        `json:"signal_only"`
	Size         *float64    `json:"size,omitempty"`           // 合约数量
	StopLossRate *float64    `json:"stop_loss_rate,omitempty"` // 相对入场价的止损比例
	RiskFraction *float64    `json:"risk_fraction,omitempty"`  // 实际承担的权益比例
	Basis        SizingBasis `json:"basis"`
}

// Position 定义了一笔持仓。Contracts带符号: 正数为LONG, 负数为SHORT。
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	EntryPrice    float64      `json:"entry_price"`
	Contracts     float64      `json:"contracts"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Margin        float64      `json:"margin"`
	UpdateTime    time.Time    `json:"update_time"`
}

// ExecutionResult 记录一次下单的结果
type ExecutionResult struct {
	Executed   bool      `json:"executed"`
	OrderID    string    `json:"order_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Size       float64   `json:"size"`
	FillPrice  float64   `json:"fill_price,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// TradeOutcome 记录一笔已平仓交易的最终结果, 写入后不再修改。
// PnL一律为扣除手续费与滑点后的净值, 毛收益会系统性高估胜率与赔率。
type TradeOutcome struct {
	Symbol       string        `json:"symbol"`
	Action       Action        `json:"action"`
	GrossPnL     float64       `json:"gross_pnl"`
	Fees         float64       `json:"fees"`
	Slippage     float64       `json:"slippage"`
	NetPnL       float64       `json:"net_pnl"`
	HoldDuration time.Duration `json:"hold_duration"`
	ExitReason   string        `json:"exit_reason"` // e.g., "stop_loss", "take_profit", "signal_flip"
	Providers    []string      `json:"providers"`   // 对该决策投了获胜方向的顾问
	CycleID      string        `json:"cycle_id"`
	ClosedAt     time.Time     `json:"closed_at"`
}

// Lesson 是从历史交易中沉淀的一条经验, 用于丰富决策提示词
type Lesson struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags,omitempty"`
	NetPnL    float64   `json:"net_pnl"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionRecord 是持久化的单条决策记录 (整条原子写入)
type DecisionRecord struct {
	ID         string              `json:"id"` // uuid
	CycleID    string              `json:"cycle_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Symbol     string              `json:"symbol"`
	Action     Action              `json:"action"`
	Confidence float64             `json:"confidence"`
	Ensemble   EnsembleDecision    `json:"ensemble"`
	Sizing     *PositionSizeResult `json:"sizing,omitempty"`
	Execution  *ExecutionResult    `json:"execution,omitempty"`
	Vetoed     bool                `json:"vetoed"`
	VetoReason string              `json:"veto_reason,omitempty"`
}

// Balance 定义了账户中特定资产的余额信息
type Balance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	AvailableBalance   string `json:"availableBalance"`
}
