package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ensemble-trading-bot-go/internal/advisor"
	"ensemble-trading-bot-go/internal/agent"
	"ensemble-trading-bot-go/internal/config"
	"ensemble-trading-bot-go/internal/ensemble"
	"ensemble-trading-bot-go/internal/exchange"
	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/marketdata"
	"ensemble-trading-bot-go/internal/memory"
	"ensemble-trading-bot-go/internal/models"
	"ensemble-trading-bot-go/internal/persistence"
	"ensemble-trading-bot-go/internal/reporter"
	"ensemble-trading-bot-go/internal/risk"
	"ensemble-trading-bot-go/internal/universe"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	paperBalance := flag.Float64("paper-balance", 10000, "initial balance for paper mode (USDT)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载.env和配置文件的过程也需要日志, 先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		run(cfg, nil)
	case "paper":
		platform := exchange.NewPaperPlatform(*paperBalance,
			cfg.Platform.TakerFeeRate, cfg.Platform.SlippageRate)
		run(cfg, platform)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
	}
}

// run 组装全部组件并运行主循环直到收到退出信号。
// platform为nil时连接真实交易平台, 否则使用传入的模拟盘。
func run(cfg *models.Config, paper *exchange.PaperPlatform) {
	start := time.Now()

	// --- 持久化与学习记忆 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("初始化决策数据库失败: %v", err)
	}
	defer repo.Close()

	store, err := memory.NewStore(repo)
	if err != nil {
		logger.S().Fatalf("初始化学习记忆失败: %v", err)
	}

	// --- 交易平台 ---
	var platform exchange.TradingPlatform
	if paper != nil {
		logger.S().Info("--- 启动模拟盘模式 ---")
		platform = paper
	} else {
		logger.S().Info("--- 启动实盘模式 ---")
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if cfg.Platform.SignalOnly {
			logger.S().Info("信号模式已开启, 不会真实下单。")
		} else if apiKey == "" || secretKey == "" {
			logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
		}
		live, err := exchange.NewLivePlatform(apiKey, secretKey, cfg.Platform)
		if err != nil {
			logger.S().Fatalf("初始化交易平台失败: %v", err)
		}
		platform = live
	}

	// --- 行情数据 ---
	market := marketdata.NewBinanceProvider(cfg.Platform.IsTestnet)
	var stream *marketdata.PriceStream
	if cfg.MarketData.WSBaseURL != "" {
		stream = marketdata.NewPriceStream(cfg.MarketData.WSBaseURL, cfg.Symbols)
		stream.Start()
		defer stream.Stop()
	}

	// --- 资产池 ---
	guard := universe.NewGuard(cfg.Universe, cfg.Symbols, market)
	discoveryCtx, cancelDiscovery := context.WithCancel(context.Background())
	guard.StartDiscovery(discoveryCtx)
	defer func() {
		cancelDiscovery()
		guard.Stop()
	}()

	// --- AI顾问与共识 ---
	providers := make([]advisor.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		providers = append(providers, advisor.NewHTTPProvider(pc))
		logger.S().Infof("已注册AI顾问: %s (权重%.2f)", pc.Name, pc.Weight)
	}
	engine := ensemble.NewConsensus(cfg.Consensus, providers)

	// --- 风控 ---
	cooldown := risk.NewCooldown(time.Duration(cfg.Risk.CooldownTTLSec) * time.Second)
	kill := risk.NewKillSwitch()
	drawdown := risk.NewDrawdownTracker()
	gatekeeper := risk.NewGatekeeper(cfg.Risk, cooldown, kill, drawdown)
	marketCB := risk.NewCircuitBreaker("market_data", 5, 5*time.Minute)
	platformCB := risk.NewCircuitBreaker("trading_platform", 5, 5*time.Minute)

	loop := agent.NewTradingLoop(cfg, agent.Deps{
		Market:     market,
		Stream:     stream,
		Engine:     engine,
		Sizer:      risk.NewPositionSizer(cfg.Risk),
		Gatekeeper: gatekeeper,
		Cooldown:   cooldown,
		Kill:       kill,
		Drawdown:   drawdown,
		Platform:   platform,
		Repo:       repo,
		Memory:     store,
		Universe:   guard,
		MarketCB:   marketCB,
		PlatformCB: platformCB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	logger.S().Infof("主循环已启动, 分析间隔%d秒, 初始资产池%v",
		cfg.AnalysisIntervalSec, cfg.Symbols)

	// --- 等待中断信号以实现优雅退出 ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号, 等待在途周期结束...")
	if !loop.Stop(30 * time.Second) {
		logger.S().Warn("在途周期未在30秒内结束, 强制退出。")
	}
	cancel()

	printSessionReport(repo, start)
}

// printSessionReport 汇总本次运行的交易与决策并打印报告
func printSessionReport(repo persistence.Repository, start time.Time) {
	outcomes, err := repo.Outcomes()
	if err != nil {
		logger.S().Warnf("读取交易结果失败, 跳过报告: %v", err)
		return
	}
	decisions, err := repo.RecentDecisions(200)
	if err != nil {
		logger.S().Warnf("读取决策记录失败, 跳过报告: %v", err)
		return
	}
	report := reporter.Build(outcomes, decisions, start, time.Now())
	report.Render(os.Stdout)
}
