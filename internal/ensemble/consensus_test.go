package ensemble

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ensemble-trading-bot-go/internal/advisor"
	"ensemble-trading-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	weight  float64
	action  models.Action
	conf    float64
	err     error
	delay   time.Duration
	timeout time.Duration
	calls   int32
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Weight() float64 { return s.weight }

func (s *stubProvider) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return time.Second
}

func (s *stubProvider) Query(ctx context.Context, mc models.MarketContext) (models.ProviderVote, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return models.ProviderVote{}, ctx.Err()
		}
	}
	if s.err != nil {
		return models.ProviderVote{}, s.err
	}
	return models.ProviderVote{
		Provider:   s.name,
		Action:     s.action,
		Confidence: s.conf,
		Reasoning:  "stub",
		Weight:     s.weight,
	}, nil
}

func (s *stubProvider) callCount() int { return int(atomic.LoadInt32(&s.calls)) }

func freshContext(symbol string) models.MarketContext {
	return models.MarketContext{Symbol: symbol, CurrentPrice: 100, BuiltAt: time.Now()}
}

func newConsensus(cfg models.ConsensusConfig, provs ...*stubProvider) *Consensus {
	ps := make([]advisor.Provider, len(provs))
	for i, p := range provs {
		ps[i] = p
	}
	return NewConsensus(cfg, ps)
}

func TestDecide_WeightedConsensusAllRespond(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.3, action: models.ActionBuy, conf: 80}
	p3 := &stubProvider{name: "c", weight: 0.2, action: models.ActionBuy, conf: 80}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2, p3)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Equal(t, models.ActionBuy, d.Action)
	assert.Equal(t, models.TierWeighted, d.Tier)
	assert.Equal(t, 80.0, d.Confidence)
	assert.Len(t, d.Votes, 3)
	assert.Empty(t, d.Failed)
	assert.InDelta(t, 1.0, weightSum(d.AdjustedWeights), 1e-9)
	assert.Equal(t, 1.0, d.AgreementScore)
}

func TestDecide_FailedProviderRenormalized(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.3, err: errors.New("timeout")}
	p3 := &stubProvider{name: "c", weight: 0.2, action: models.ActionBuy, conf: 80}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2, p3)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	require.Len(t, d.Failed, 1)
	assert.Equal(t, "b", d.Failed[0].Provider)
	// surviving weights 0.5 and 0.2 renormalize over their sum 0.7
	assert.InDelta(t, 0.5/0.7, d.AdjustedWeights["a"], 1e-9)
	assert.InDelta(t, 0.2/0.7, d.AdjustedWeights["c"], 1e-9)
	assert.InDelta(t, 1.0, d.AdjustedWeights["a"]+d.AdjustedWeights["c"], 1e-9)
	assert.NotContains(t, d.AdjustedWeights, "b")
	for _, v := range d.Votes {
		assert.NotEqual(t, "b", v.Provider)
	}

	// one of three providers down, confidence drops below the full-quorum 80
	assert.InDelta(t, 80.0*(2.0/3.0), d.Confidence, 1e-9)
	assert.Equal(t, models.ActionBuy, d.Action)
}

func TestDecide_RenormalizationSumsToOne(t *testing.T) {
	for _, failing := range [][]string{{"a"}, {"b"}, {"a", "c"}, {"b", "c"}} {
		provs := []*stubProvider{
			{name: "a", weight: 0.5, action: models.ActionBuy, conf: 70},
			{name: "b", weight: 0.3, action: models.ActionBuy, conf: 70},
			{name: "c", weight: 0.2, action: models.ActionBuy, conf: 70},
		}
		for _, p := range provs {
			for _, f := range failing {
				if p.name == f {
					p.err = errors.New("down")
				}
			}
		}
		c := newConsensus(models.ConsensusConfig{MinQuorum: 1}, provs[0], provs[1], provs[2])

		d := c.Decide(context.Background(), freshContext("BTCUSDT"))

		assert.InDelta(t, 1.0, weightSum(d.AdjustedWeights), 1e-9, "failing set %v", failing)
		for _, f := range failing {
			assert.NotContains(t, d.AdjustedWeights, f)
		}
	}
}

func TestDecide_InvalidVoteTreatedAsFailure(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.5, action: "MAYBE", conf: 50}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	require.Len(t, d.Failed, 1)
	assert.Equal(t, "b", d.Failed[0].Provider)
	assert.Equal(t, models.TierSingle, d.Tier)
	assert.Equal(t, models.ActionBuy, d.Action)
}

func TestDecide_ExactTiePrefersHold(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.5, action: models.ActionSell, conf: 80}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Equal(t, models.ActionHold, d.Action)
}

func TestDecide_QuorumFallbackToSimpleMajority(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.9, action: models.ActionSell, conf: 60}
	p2 := &stubProvider{name: "b", weight: 0.05, err: errors.New("down")}
	p3 := &stubProvider{name: "c", weight: 0.05, action: models.ActionSell, conf: 70}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 3}, p1, p2, p3)

	d := c.Decide(context.Background(), freshContext("ETHUSDT"))

	assert.Equal(t, models.TierMajority, d.Tier)
	assert.Equal(t, models.ActionSell, d.Action)
	// simple mean of 60 and 70, then scaled by 2/3 survival
	assert.InDelta(t, 65.0*(2.0/3.0), d.Confidence, 1e-9)
}

func TestDecide_SingleSurvivorTier(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 90}
	p2 := &stubProvider{name: "b", weight: 0.5, err: errors.New("down")}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Equal(t, models.TierSingle, d.Tier)
	assert.Equal(t, models.ActionBuy, d.Action)
	assert.InDelta(t, 45.0, d.Confidence, 1e-9)
}

func TestDecide_AllProvidersFail(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, err: errors.New("down")}
	p2 := &stubProvider{name: "b", weight: 0.5, err: errors.New("down")}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Equal(t, models.TierNone, d.Tier)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Zero(t, d.Confidence)
	assert.Len(t, d.Failed, 2)
	assert.Empty(t, d.Votes)
}

func TestDecide_StaleContextForcesHoldWithoutQueries(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 1.0, action: models.ActionBuy, conf: 90}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 1}, p1)

	mc := freshContext("BTCUSDT")
	mc.StaleTimeframes = []string{"1m"}

	d := c.Decide(context.Background(), mc)

	assert.True(t, d.StaleDowngrade)
	assert.Equal(t, models.ActionHold, d.Action)
	assert.Equal(t, models.TierNone, d.Tier)
	assert.Zero(t, p1.callCount())
}

func TestDecide_SlowProviderTimesOutAsFailure(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.5, action: models.ActionBuy, conf: 80,
		delay: time.Second, timeout: 50 * time.Millisecond}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	start := time.Now()
	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, d.Failed, 1)
	assert.Equal(t, "b", d.Failed[0].Provider)
	assert.Equal(t, models.TierSingle, d.Tier)
}

func TestDecide_PriorityProviderSuccessShortCircuits(t *testing.T) {
	p1 := &stubProvider{name: "local", weight: 0.4, action: models.ActionSell, conf: 75}
	p2 := &stubProvider{name: "remote", weight: 0.6, action: models.ActionBuy, conf: 90}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2, PriorityProvider: "local"}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.Equal(t, models.ActionSell, d.Action)
	assert.Equal(t, models.TierSingle, d.Tier)
	assert.Equal(t, 1, p1.callCount())
	assert.Zero(t, p2.callCount())
}

func TestDecide_PriorityFailurePropagatesIntoFanout(t *testing.T) {
	p1 := &stubProvider{name: "local", weight: 0.4, err: errors.New("connection refused")}
	p2 := &stubProvider{name: "b", weight: 0.3, action: models.ActionBuy, conf: 90}
	p3 := &stubProvider{name: "c", weight: 0.3, action: models.ActionBuy, conf: 90}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2, PriorityProvider: "local"}, p1, p2, p3)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	// priority failure is a failure sample, not a standalone fallback decision
	require.Len(t, d.Failed, 1)
	assert.Equal(t, "local", d.Failed[0].Provider)
	assert.Equal(t, 1, p2.callCount())
	assert.Equal(t, 1, p3.callCount())
	assert.Equal(t, models.TierWeighted, d.Tier)
	assert.Equal(t, models.ActionBuy, d.Action)
	assert.InDelta(t, 90.0*(2.0/3.0), d.Confidence, 1e-9)
}

func TestDecide_ZeroWeightsFallBackToEqual(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0, action: models.ActionBuy, conf: 60}
	p2 := &stubProvider{name: "b", weight: 0, action: models.ActionBuy, conf: 80}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	d := c.Decide(context.Background(), freshContext("BTCUSDT"))

	assert.InDelta(t, 0.5, d.AdjustedWeights["a"], 1e-9)
	assert.InDelta(t, 0.5, d.AdjustedWeights["b"], 1e-9)
	assert.InDelta(t, 70.0, d.Confidence, 1e-9)
}

func weightSum(weights map[string]float64) float64 {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	return sum
}

func TestTuneWeights_OverridesConfiguredWeights(t *testing.T) {
	p1 := &stubProvider{name: "a", weight: 0.5, action: models.ActionBuy, conf: 80}
	p2 := &stubProvider{name: "b", weight: 0.5, action: models.ActionSell, conf: 80}
	c := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)

	// Equal weights tie BUY vs SELL into HOLD first.
	d := c.Decide(context.Background(), freshContext("BTCUSDT"))
	assert.Equal(t, models.ActionHold, d.Action)

	// After learning favours "a", the same votes resolve to BUY.
	c.TuneWeights(map[string]float64{"a": 0.8, "b": 0.2})
	d = c.Decide(context.Background(), freshContext("BTCUSDT"))
	assert.Equal(t, models.ActionBuy, d.Action)
	assert.InDelta(t, 0.8, d.AdjustedWeights["a"], 1e-9)
	assert.InDelta(t, 0.2, d.AdjustedWeights["b"], 1e-9)

	// Providers absent from the update keep their configured weight.
	c2 := newConsensus(models.ConsensusConfig{MinQuorum: 2}, p1, p2)
	c2.TuneWeights(map[string]float64{"a": 0.6})
	d = c2.Decide(context.Background(), freshContext("BTCUSDT"))
	assert.InDelta(t, 0.6/1.1, d.AdjustedWeights["a"], 1e-9)
	assert.InDelta(t, 0.5/1.1, d.AdjustedWeights["b"], 1e-9)
}
