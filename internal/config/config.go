package config

import (
	"encoding/json"
	"fmt"
	"os"

	"ensemble-trading-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)
	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults 为未填写的配置项填入安全默认值
func applyDefaults(cfg *models.Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "decision_history.db"
	}
	if cfg.AnalysisIntervalSec <= 0 {
		cfg.AnalysisIntervalSec = 300
	}
	if cfg.MaxCycleFailures <= 0 {
		cfg.MaxCycleFailures = 3
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = []string{"5m", "1h"}
	}
	if cfg.MarketData.KlineLimit <= 0 {
		cfg.MarketData.KlineLimit = 100
	}
	if cfg.MarketData.StalenessThresholdSec == nil {
		cfg.MarketData.StalenessThresholdSec = map[string]int{}
	}
	// 周期越短, 允许的数据年龄越小
	defaultStaleness := map[string]int{
		"1m": 120, "5m": 600, "15m": 1800, "1h": 7200, "4h": 21600, "1d": 86400,
	}
	for tf, sec := range defaultStaleness {
		if _, ok := cfg.MarketData.StalenessThresholdSec[tf]; !ok {
			cfg.MarketData.StalenessThresholdSec[tf] = sec
		}
	}
	if cfg.Consensus.MinQuorum <= 0 {
		cfg.Consensus.MinQuorum = 2
	}
	if cfg.Risk.RiskFraction <= 0 {
		cfg.Risk.RiskFraction = 0.01
	}
	if cfg.Risk.StopLossRate <= 0 {
		cfg.Risk.StopLossRate = 0.02
	}
	if cfg.Risk.ATRPeriod <= 0 {
		cfg.Risk.ATRPeriod = 14
	}
	if cfg.Risk.ATRMultiplier <= 0 {
		cfg.Risk.ATRMultiplier = 2.0
	}
	if cfg.Risk.MinStopRate <= 0 {
		cfg.Risk.MinStopRate = 0.005
	}
	if cfg.Risk.MaxStopRate <= 0 {
		cfg.Risk.MaxStopRate = 0.10
	}
	if cfg.Risk.KellyCap <= 0 {
		cfg.Risk.KellyCap = 0.25 // 默认1/4凯利
	}
	if cfg.Risk.KellyMinLosses <= 0 {
		cfg.Risk.KellyMinLosses = 5
	}
	if cfg.Risk.CooldownTTLSec <= 0 {
		cfg.Risk.CooldownTTLSec = 3600
	}
	if cfg.Risk.ContractMultiplier <= 0 {
		cfg.Risk.ContractMultiplier = 1.0
	}
	if cfg.Risk.MaxOpenPositions <= 0 {
		cfg.Risk.MaxOpenPositions = 5
	}
	if cfg.Risk.MaxDailyDrawdown <= 0 {
		cfg.Risk.MaxDailyDrawdown = 0.05
	}
	if cfg.Platform.RetryAttempts <= 0 {
		cfg.Platform.RetryAttempts = 3
	}
	if cfg.Platform.RetryInitialDelayMs <= 0 {
		cfg.Platform.RetryInitialDelayMs = 500
	}
	if cfg.Platform.Leverage <= 0 {
		cfg.Platform.Leverage = 1
	}
	if cfg.Universe.DiscoveryIntervalSec <= 0 {
		cfg.Universe.DiscoveryIntervalSec = 3600
	}
	if cfg.Universe.QuoteAsset == "" {
		cfg.Universe.QuoteAsset = "USDT"
	}
	if cfg.Universe.MaxAssets <= 0 {
		cfg.Universe.MaxAssets = 10
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].TimeoutSec <= 0 {
			cfg.Providers[i].TimeoutSec = 60
		}
		if cfg.Providers[i].Weight <= 0 {
			cfg.Providers[i].Weight = 1.0
		}
	}
	// 根据测试网开关选择实际的API地址
	if cfg.Platform.BaseURL == "" {
		if cfg.Platform.IsTestnet {
			cfg.Platform.BaseURL = cfg.Platform.TestnetAPIURL
		} else {
			cfg.Platform.BaseURL = cfg.Platform.LiveAPIURL
		}
	}
}

// validate 检查明显不可用的配置组合
func validate(cfg *models.Config) error {
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("配置中必须至少包含一个交易对")
	}
	enabled := 0
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("顾问配置缺少name或base_url: %+v", p)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("配置中必须至少启用一个AI顾问")
	}
	if cfg.Risk.KellyCap > 1.0 {
		return fmt.Errorf("kelly_cap不允许超过1.0, 当前为%.2f", cfg.Risk.KellyCap)
	}
	if cfg.Risk.MinStopRate > cfg.Risk.MaxStopRate {
		return fmt.Errorf("min_stop_rate(%.4f)不能大于max_stop_rate(%.4f)",
			cfg.Risk.MinStopRate, cfg.Risk.MaxStopRate)
	}
	if cfg.Consensus.PriorityProvider != "" {
		found := false
		for _, p := range cfg.Providers {
			if p.Name == cfg.Consensus.PriorityProvider && p.Enabled {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("priority_provider %q 不在已启用的顾问列表中", cfg.Consensus.PriorityProvider)
		}
	}
	return nil
}
