package marketdata

import (
	"sort"
	"time"

	"ensemble-trading-bot-go/internal/models"
)

// EvaluateStaleness 计算每个周期的数据年龄, 并找出超过阈值的周期。
// 阈值按周期配置: 分钟级K线要求更新鲜, 日线允许更宽松。
// 没有配置阈值的周期不判定过期。
func EvaluateStaleness(series map[string]models.MarketSeries, thresholdSec map[string]int, now time.Time) (map[string]time.Duration, []string) {
	ages := make(map[string]time.Duration, len(series))
	var stale []string

	for tf, s := range series {
		age := s.Age(now)
		ages[tf] = age

		threshold, ok := thresholdSec[tf]
		if !ok || threshold <= 0 {
			continue
		}
		if age > time.Duration(threshold)*time.Second {
			stale = append(stale, tf)
		}
	}

	sort.Strings(stale)
	return ages, stale
}
