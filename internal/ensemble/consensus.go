package ensemble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/advisor"
	"ensemble-trading-bot-go/internal/logger"
	"ensemble-trading-bot-go/internal/models"
)

// Consensus 把多个AI顾问的意见聚合成一个带校准置信度的决策。
//
// 失败处理是这里的核心约束: 顾问调用失败或返回非法投票时,
// 该顾问被记为失败样本并从聚合中剔除, 绝不能折算成一张默认
// 权重的HOLD票。伪造的HOLD票会稀释正常顾问的意见, 同时让
// 失败统计完全失真。
type Consensus struct {
	cfg       models.ConsensusConfig
	providers []advisor.Provider

	mu    sync.RWMutex
	tuned map[string]float64 // 学习层下发的权重, 覆盖配置初值
}

// NewConsensus 创建共识聚合器
func NewConsensus(cfg models.ConsensusConfig, providers []advisor.Provider) *Consensus {
	return &Consensus{cfg: cfg, providers: providers}
}

// TuneWeights 用历史战绩推算出的新权重覆盖配置初值。
// 未出现在weights中的顾问保持原权重。
func (c *Consensus) TuneWeights(weights map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tuned == nil {
		c.tuned = make(map[string]float64, len(weights))
	}
	for name, w := range weights {
		c.tuned[name] = w
	}
}

// weightOf 返回顾问当前生效的投票权重
func (c *Consensus) weightOf(p advisor.Provider) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if w, ok := c.tuned[p.Name()]; ok {
		return w
	}
	return p.Weight()
}

// fanoutResult 是单个顾问调用的结果
type fanoutResult struct {
	provider string
	vote     models.ProviderVote
	err      error
}

// Decide 就给定上下文征询所有顾问并聚合成最终决策。
// 上下文含过期数据时直接强制HOLD, 不消耗顾问调用。
func (c *Consensus) Decide(ctx context.Context, mc models.MarketContext) models.EnsembleDecision {
	now := time.Now()

	if mc.IsStale() {
		logger.S().Warnf("[%s] 行情数据过期(%v), 本轮强制HOLD", mc.Symbol, mc.StaleTimeframes)
		return models.EnsembleDecision{
			Symbol:          mc.Symbol,
			Action:          models.ActionHold,
			Confidence:      0,
			Reasoning:       fmt.Sprintf("market data stale for timeframes %v", mc.StaleTimeframes),
			OriginalWeights: c.originalWeights(),
			AdjustedWeights: map[string]float64{},
			Tier:            models.TierNone,
			StaleDowngrade:  true,
			CreatedAt:       now,
		}
	}

	votes, failures := c.collect(ctx, mc)
	decision := c.aggregate(mc.Symbol, votes, failures, len(c.providers))
	decision.CreatedAt = now

	logger.S().Infof("[%s] 共识结果: %s 置信度%.1f tier=%s 存活%d/%d",
		mc.Symbol, decision.Action, decision.Confidence, decision.Tier,
		len(decision.Votes), len(c.providers))
	return decision
}

// collect 执行顾问调用。配置了优先顾问时先单独咨询它,
// 成功则只用这一票; 失败则记为失败样本并继续并发咨询其余顾问,
// 失败必须传导进失败率统计, 不能被旁路的降级分支吞掉。
func (c *Consensus) collect(ctx context.Context, mc models.MarketContext) ([]models.ProviderVote, []models.ProviderFailure) {
	priority := c.priorityProvider()
	if priority == nil {
		return c.fanout(ctx, mc, c.providers, nil)
	}

	vote, err := c.query(ctx, priority, mc)
	if err == nil {
		return []models.ProviderVote{vote}, nil
	}
	logger.S().Warnf("[%s] 优先顾问%s失败, 回退到全量咨询: %v", mc.Symbol, priority.Name(), err)

	rest := make([]advisor.Provider, 0, len(c.providers)-1)
	for _, p := range c.providers {
		if p.Name() != priority.Name() {
			rest = append(rest, p)
		}
	}
	seed := []models.ProviderFailure{{Provider: priority.Name(), Reason: err.Error()}}
	return c.fanout(ctx, mc, rest, seed)
}

// fanout 并发咨询一组顾问, 每个调用携带独立超时
func (c *Consensus) fanout(ctx context.Context, mc models.MarketContext, providers []advisor.Provider, seedFailures []models.ProviderFailure) ([]models.ProviderVote, []models.ProviderFailure) {
	results := make(chan fanoutResult, len(providers))
	var wg sync.WaitGroup

	for _, p := range providers {
		wg.Add(1)
		go func(p advisor.Provider) {
			defer wg.Done()
			vote, err := c.query(ctx, p, mc)
			results <- fanoutResult{provider: p.Name(), vote: vote, err: err}
		}(p)
	}
	wg.Wait()
	close(results)

	votes := make([]models.ProviderVote, 0, len(providers))
	failures := append([]models.ProviderFailure{}, seedFailures...)
	for r := range results {
		if r.err != nil {
			failures = append(failures, models.ProviderFailure{Provider: r.provider, Reason: r.err.Error()})
			continue
		}
		votes = append(votes, r.vote)
	}
	return votes, failures
}

// query 调用单个顾问, 超时由这里统一强制, 非法投票与error同等对待
func (c *Consensus) query(ctx context.Context, p advisor.Provider, mc models.MarketContext) (models.ProviderVote, error) {
	timeout := p.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vote, err := p.Query(cctx, mc)
	if err != nil {
		return models.ProviderVote{}, err
	}
	if !vote.IsValid() {
		return models.ProviderVote{}, fmt.Errorf("非法投票: action=%q confidence=%.1f", vote.Action, vote.Confidence)
	}
	vote.Weight = c.weightOf(p)
	return vote, nil
}

// aggregate 按存活顾问数量选择聚合层级并产出决策
func (c *Consensus) aggregate(symbol string, votes []models.ProviderVote, failures []models.ProviderFailure, total int) models.EnsembleDecision {
	decision := models.EnsembleDecision{
		Symbol:          symbol,
		Votes:           votes,
		Failed:          failures,
		OriginalWeights: c.originalWeights(),
		AdjustedWeights: renormalize(votes),
	}

	// 将归一化后的权重写回投票, 留作决策记录
	for i := range decision.Votes {
		decision.Votes[i].Weight = decision.AdjustedWeights[decision.Votes[i].Provider]
	}

	switch {
	case len(votes) == 0:
		decision.Action = models.ActionHold
		decision.Confidence = 0
		decision.Reasoning = "no provider returned a valid vote"
		decision.Tier = models.TierNone
		return decision
	case len(votes) == 1:
		decision.Tier = models.TierSingle
		decision.Action = votes[0].Action
		decision.Confidence = votes[0].Confidence
		decision.Reasoning = fmt.Sprintf("%s: %s", votes[0].Provider, votes[0].Reasoning)
	case len(votes) < c.minQuorum():
		decision.Tier = models.TierMajority
		decision.Action = majorityAction(votes)
		decision.Confidence = meanWinnerConfidence(votes, decision.Action)
		decision.Reasoning = winnerReasoning(votes, decision.Action)
	default:
		decision.Tier = models.TierWeighted
		decision.Action = weightedAction(votes, decision.AdjustedWeights)
		decision.Confidence = weightedWinnerConfidence(votes, decision.AdjustedWeights, decision.Action)
		decision.Reasoning = winnerReasoning(votes, decision.Action)
	}

	// 按失败率折减置信度, 部分顾问宕机时不能给出满额置信度
	if total > 0 && len(failures) > 0 {
		failureRate := float64(len(failures)) / float64(total)
		decision.Confidence *= 1 - failureRate
	}
	decision.AgreementScore = agreementScore(votes)
	return decision
}

func (c *Consensus) minQuorum() int {
	if c.cfg.MinQuorum <= 0 {
		return 2
	}
	return c.cfg.MinQuorum
}

func (c *Consensus) priorityProvider() advisor.Provider {
	if c.cfg.PriorityProvider == "" {
		return nil
	}
	for _, p := range c.providers {
		if p.Name() == c.cfg.PriorityProvider {
			return p
		}
	}
	return nil
}

func (c *Consensus) originalWeights() map[string]float64 {
	out := make(map[string]float64, len(c.providers))
	for _, p := range c.providers {
		out[p.Name()] = p.Weight()
	}
	return out
}

// renormalize 把存活顾问的权重归一化到和为1。
// 全部权重为0时退化为等权。
func renormalize(votes []models.ProviderVote) map[string]float64 {
	out := make(map[string]float64, len(votes))
	if len(votes) == 0 {
		return out
	}

	var sum float64
	for _, v := range votes {
		sum += v.Weight
	}
	if sum <= 0 {
		equal := 1.0 / float64(len(votes))
		for _, v := range votes {
			out[v.Provider] = equal
		}
		return out
	}
	for _, v := range votes {
		out[v.Provider] = v.Weight / sum
	}
	return out
}

// weightedAction 按归一化权重统计各动作得分。
// 最高分出现严格并列时返回HOLD, 分歧之下偏向不动。
func weightedAction(votes []models.ProviderVote, weights map[string]float64) models.Action {
	scores := map[models.Action]float64{}
	for _, v := range votes {
		scores[v.Action] += weights[v.Provider]
	}
	return pickWinner(scores)
}

// majorityAction 不加权的简单多数, 用于存活数不足法定人数的降级层
func majorityAction(votes []models.ProviderVote) models.Action {
	scores := map[models.Action]float64{}
	for _, v := range votes {
		scores[v.Action]++
	}
	return pickWinner(scores)
}

func pickWinner(scores map[models.Action]float64) models.Action {
	best := models.ActionHold
	bestScore := -1.0
	tied := false
	for _, a := range []models.Action{models.ActionBuy, models.ActionSell, models.ActionHold} {
		s, ok := scores[a]
		if !ok {
			continue
		}
		switch {
		case s > bestScore:
			best, bestScore, tied = a, s, false
		case s == bestScore:
			tied = true
		}
	}
	if tied {
		return models.ActionHold
	}
	return best
}

// weightedWinnerConfidence 取投了获胜动作的顾问置信度的加权平均
func weightedWinnerConfidence(votes []models.ProviderVote, weights map[string]float64, winner models.Action) float64 {
	var sum, weightSum float64
	for _, v := range votes {
		if v.Action != winner {
			continue
		}
		w := weights[v.Provider]
		sum += v.Confidence * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

func meanWinnerConfidence(votes []models.ProviderVote, winner models.Action) float64 {
	var sum float64
	var n int
	for _, v := range votes {
		if v.Action == winner {
			sum += v.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func winnerReasoning(votes []models.ProviderVote, winner models.Action) string {
	parts := make([]string, 0, len(votes))
	for _, v := range votes {
		if v.Action == winner && v.Reasoning != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Provider, v.Reasoning))
		}
	}
	return strings.Join(parts, " | ")
}

// agreementScore 用存活顾问置信度的极差衡量一致度, 1为完全一致
func agreementScore(votes []models.ProviderVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	min, max := votes[0].Confidence, votes[0].Confidence
	for _, v := range votes[1:] {
		if v.Confidence < min {
			min = v.Confidence
		}
		if v.Confidence > max {
			max = v.Confidence
		}
	}
	return 1 - (max-min)/100
}
